// Package config loads the standalone runner's configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/structpb"
)

// EnvPrefix prefixes environment overrides: CAPTURE_SOURCE_CONNECTION_STRING overrides source.connection_string
const EnvPrefix = "CAPTURE"

// Config is the runner configuration. Every key except sink and metrics is the
// pipeline's own config block, handed to the connector unchanged.
type Config struct {
	Pipeline *structpb.Struct
	Sink     SinkConfig    `mapstructure:"sink"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

// SinkConfig selects where the runner publishes events
type SinkConfig struct {
	Type string `mapstructure:"type"`
	// kafka
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	// nats
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

var runnerKeys = map[string]bool{"sink": true, "metrics": true}

// Load reads a YAML, JSON, TOML or HCL file, chosen by extension, and applies CAPTURE_* environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sink.type", "stdout")
	v.SetDefault("sink.topic_prefix", "dstream")
	v.SetDefault("sink.subject_prefix", "dstream")
	v.SetDefault("metrics.listen", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	pipeline := make(map[string]any)
	for key, value := range v.AllSettings() {
		if runnerKeys[key] {
			continue
		}
		pipeline[key] = plain(value)
	}
	s, err := structpb.NewStruct(pipeline)
	if err != nil {
		return nil, fmt.Errorf("config %s holds a value that cannot be passed to the pipeline: %w", path, err)
	}
	cfg.Pipeline = s
	return &cfg, nil
}

// plain converts decoded config values to the types structpb accepts
func plain(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = plain(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = e
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	}
	return value
}
