// Package sink publishes change events for the standalone runner.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/config"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// New creates the publisher selected by cfg.Type: stdout, kafka or nats
func New(ctx context.Context, cfg config.SinkConfig, logger hclog.Logger) (cdc.ChangePublisher, error) {
	switch cfg.Type {
	case "", "stdout":
		return NewStdoutPublisher(logger), nil
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.TopicPrefix, logger)
	case "nats":
		return NewNATSPublisher(ctx, cfg.URL, cfg.SubjectPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// destination names where an event goes: prefix.db.table for rows, prefix for schema
// changes. Characters outside [A-Za-z0-9_-] become '_'.
func destination(prefix string, e cdc.ChangeEvent) string {
	if e.Op == cdc.OpSchemaChange {
		return prefix
	}
	return prefix + "." + sanitize(e.Table.Database) + "." + sanitize(e.Table.Table)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

// done reports a finished publish the way cdc.ChangePublisher callers expect
func done(ok bool) <-chan bool {
	ch := make(chan bool, 1)
	ch <- ok
	return ch
}
