package connector

import (
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/logging"
)

// SetLogger sets the logger of the connector and every pipeline it starts
func SetLogger(logger hclog.Logger) {
	logging.SetLogger(logger)
}

// GetLogger returns the connector logger
func GetLogger() hclog.Logger {
	return logging.GetLogger()
}
