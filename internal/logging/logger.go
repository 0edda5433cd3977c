package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu   sync.RWMutex
	root hclog.Logger
)

// GetLogger returns the process logger, creating it from CAPTURE_LOG_LEVEL and
// CAPTURE_LOG_JSON on first use
func GetLogger() hclog.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = New(os.Getenv("CAPTURE_LOG_LEVEL"), strings.EqualFold(os.Getenv("CAPTURE_LOG_JSON"), "true"))
	}
	return root
}

// SetLogger replaces the process logger, e.g. with the one a plugin host hands over
func SetLogger(l hclog.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// Named returns a sub-logger of the process logger
func Named(name string) hclog.Logger {
	return GetLogger().Named(name)
}

// New builds a bare stderr logger. go-plugin forwards stderr lines to the host, which
// understands the JSON format.
func New(level string, json bool) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "capture",
		Level:      lvl,
		Output:     os.Stderr,
		JSONFormat: json,
	})
}
