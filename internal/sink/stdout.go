package sink

import (
	"context"
	"encoding/json"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// StdoutPublisher logs every event with its data as pretty JSON
type StdoutPublisher struct {
	log hclog.Logger
}

func NewStdoutPublisher(logger hclog.Logger) *StdoutPublisher {
	return &StdoutPublisher{log: logger}
}

func (p *StdoutPublisher) PublishChanges(_ context.Context, events []cdc.ChangeEvent) (<-chan bool, error) {
	for _, e := range events {
		if e.Op == cdc.OpSchemaChange {
			p.log.Info("Schema Change", "table", e.Table, "position", e.Source.Position, "ddl", e.DDL)
			continue
		}

		data := e.After
		if data == nil {
			data = e.Before
		}
		if data == nil {
			data = e.Key
		}
		dataJSON, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			p.log.Error("Failed to marshal data to JSON", "error", err)
			dataJSON = []byte(`{"error": "Failed to marshal to JSON"}`)
		}

		p.log.Info("CDC Event",
			"table", e.Table,
			"operation", e.Op,
			"position", e.Source.Position,
			"snapshot", e.Source.Snapshot,
			"data", string(dataJSON))
	}
	return done(true), nil
}

func (p *StdoutPublisher) Close() error { return nil }
