// Package connector exposes a capture pipeline to a plugin host.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/structpb"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const stopTimeout = 30 * time.Second

// Connector is the contract between a plugin host and a capture pipeline: start it with
// the config block, poll batches, commit what was delivered and stop.
type Connector interface {
	Start(ctx context.Context, cfg *structpb.Struct) error
	Poll(ctx context.Context) (*cdc.Batch, error)
	Commit(ctx context.Context, off cdc.Offset) error
	Stop() error
	GetSchema(ctx context.Context) ([]*FieldSchema, error)
	OverrideSchema(ctx context.Context, ddl string) (*schema.TableSchema, error)
}

// Plugin runs one pipeline in-process
type Plugin struct {
	// Registerer receives the pipeline metrics; nil leaves them unregistered
	Registerer prometheus.Registerer

	mu  sync.Mutex
	ing *Ingester
}

var _ Connector = (*Plugin)(nil)

func (p *Plugin) ingester() (*Ingester, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ing == nil {
		return nil, cerrors.New(cerrors.ErrCategoryInternal, cerrors.CodeUnexpected, "pipeline is not started")
	}
	return p.ing, nil
}

// Start receives the entire `config { … }` block as google.protobuf.Struct
func (p *Plugin) Start(ctx context.Context, cfg *structpb.Struct) error {
	log := GetLogger()
	log.Info("Capture plugin starting")

	config, err := validateConfig(cfg)
	if err != nil {
		return err
	}
	log.Debug("Validated configuration", "source", config.Source.Type, "snapshot", config.Snapshot.Mode,
		"history", config.History.Type, "offsets", config.Offsets.Type, "lock", config.Lock != nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ing != nil {
		return cerrors.New(cerrors.ErrCategoryInternal, cerrors.CodeUnexpected, "pipeline is already started")
	}

	ing, err := newIngester(ctx, config, p.Registerer)
	if err != nil {
		return err
	}
	if err := ing.orch.Start(ctx); err != nil {
		if stopErr := ing.stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn("Cleanup after failed start", "error", stopErr)
		}
		return err
	}
	p.ing = ing
	ing.log.Info("Pipeline started", "state", ing.orch.State())
	return nil
}

func (p *Plugin) Poll(ctx context.Context) (*cdc.Batch, error) {
	ing, err := p.ingester()
	if err != nil {
		return nil, err
	}
	return ing.orch.Poll(ctx)
}

func (p *Plugin) Commit(ctx context.Context, off cdc.Offset) error {
	ing, err := p.ingester()
	if err != nil {
		return err
	}
	return ing.orch.Commit(ctx, off)
}

// OverrideSchema replaces a table definition, e.g. for a table whose DDL could not be parsed
func (p *Plugin) OverrideSchema(ctx context.Context, ddl string) (*schema.TableSchema, error) {
	ing, err := p.ingester()
	if err != nil {
		return nil, err
	}
	ts, err := ing.orch.OverrideSchema(ctx, ddl)
	if err != nil {
		return nil, err
	}
	ing.log.Info("Schema overridden", "table", ts.ID, "version", ts.Version)
	return ts, nil
}

// Stop ends the pipeline. A Poll blocked in another goroutine returns.
func (p *Plugin) Stop() error {
	p.mu.Lock()
	ing := p.ing
	p.ing = nil
	p.mu.Unlock()
	if ing == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := ing.stop(ctx)
	ing.log.Info("Pipeline stopped", "error", err)
	return err
}
