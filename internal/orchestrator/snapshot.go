package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/internal/snapshot"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// introspect describes every captured table of the source
func (o *Orchestrator) introspect(ctx context.Context) ([]*schema.TableSchema, error) {
	ids, err := o.dialect.ListTables(ctx, o.source)
	if err != nil {
		return nil, cerrors.NewSnapshotReadError("", "failed to list source tables", err)
	}
	var schemas []*schema.TableSchema
	for _, id := range ids {
		if !o.filter.Includes(id) {
			continue
		}
		ts, err := o.dialect.DescribeTable(ctx, o.source, id)
		if err != nil {
			return nil, cerrors.NewSnapshotReadError(id.String(), "failed to describe table", err)
		}
		schemas = append(schemas, ts)
	}
	return schemas, nil
}

// resolveAll returns the registry's current definition of each table
func (o *Orchestrator) resolveAll(ids []cdc.TableID) []*schema.TableSchema {
	var tables []*schema.TableSchema
	for _, id := range ids {
		if !o.filter.Includes(id) {
			continue
		}
		ts, err := o.registry.Resolve(id)
		if err != nil {
			o.log.Warn("Table excluded from snapshot", "table", id, "error", err)
			continue
		}
		tables = append(tables, ts)
	}
	return tables
}

// capture returns a log position together with the table definitions in effect at it.
// When the position moves while the tables are described, they are described again; if a
// definition changed, DDL committed in between and the later position is taken instead.
func (o *Orchestrator) capture(ctx context.Context) (cdc.Position, []*schema.TableSchema, error) {
	pos, err := o.tailer.CurrentPosition(ctx)
	if err != nil {
		return cdc.Position{}, nil, err
	}
	schemas, err := o.introspect(ctx)
	if err != nil {
		return cdc.Position{}, nil, err
	}
	for attempt := 1; ; attempt++ {
		end, err := o.tailer.CurrentPosition(ctx)
		if err != nil {
			return cdc.Position{}, nil, err
		}
		if end.Compare(pos) == 0 {
			return pos, schemas, nil
		}
		again, err := o.introspect(ctx)
		if err != nil {
			return cdc.Position{}, nil, err
		}
		if sameDefinitions(schemas, again) {
			return pos, schemas, nil
		}
		if attempt >= o.cfg.RetryMaxAttempts {
			return cdc.Position{}, nil, cerrors.NewSnapshotReadError("", "table definitions kept changing while the snapshot started", nil)
		}
		o.log.Info("Table definitions changed while capturing them, describing again", "from", pos, "to", end)
		pos, schemas = end, again
	}
}

func sameDefinitions(a, b []*schema.TableSchema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !a[i].SameDefinition(b[i]) {
			return false
		}
	}
	return true
}

// beginSnapshot captures the current log position, records the table definitions at it
// and starts reading rows
func (o *Orchestrator) beginSnapshot(ctx context.Context) error {
	start, schemas, err := o.capture(ctx)
	if err != nil {
		return err
	}
	if err := o.registry.RecordSnapshot(ctx, start, schemas); err != nil {
		return err
	}
	ids := make([]cdc.TableID, len(schemas))
	for i, s := range schemas {
		ids[i] = s.ID
	}
	o.openReader(start, o.resolveAll(ids))
	o.log.Info("Starting snapshot", "tables", len(ids), "position", start)
	return nil
}

// resumeSnapshot continues an interrupted snapshot with the definitions recorded when it began
func (o *Orchestrator) resumeSnapshot(ctx context.Context, off cdc.SnapshotOffset) error {
	tables := o.resolveAll(o.registry.Tables())
	if len(tables) == 0 {
		schemas, err := o.introspect(ctx)
		if err != nil {
			return err
		}
		if err := o.registry.RecordSnapshot(ctx, off.Start, schemas); err != nil {
			return err
		}
		tables = o.resolveAll(o.registry.Tables())
	}
	o.openReader(off.Start, tables)
	o.reader.Resume(off)
	return nil
}

func (o *Orchestrator) openReader(start cdc.Position, tables []*schema.TableSchema) {
	o.reader = snapshot.NewReader(o.source, o.dialect, start, tables, snapshot.Options{
		FetchSize:      o.cfg.FetchSize,
		MaxMessageSize: o.cfg.MaxMessageSize,
		Logger:         o.log.Named("snapshot"),
	})
	o.setState(StateSnapshotting)
}

func (o *Orchestrator) pollSnapshot(ctx context.Context) (*cdc.Batch, error) {
	batch := &cdc.Batch{}

	var page *snapshot.Page
	var err error
	backoff := utils.NewBackoffManager(o.cfg.RetryInitialInterval, o.cfg.RetryMaxInterval)
	for attempt := 1; ; attempt++ {
		page, err = o.reader.Next(ctx)
		if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil || attempt > o.cfg.SnapshotMaxRetries {
			break
		}
		o.log.Warn("Snapshot read failed, retrying", "table", cerrors.GetTable(err), "attempt", attempt, "error", err)
		if werr := backoff.Wait(ctx); werr != nil {
			return batch, werr
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		// the previous page filled its fetch size exactly; completion comes without rows
		return o.completeSnapshot(batch), nil
	case err != nil && ctx.Err() != nil:
		return batch, ctx.Err()
	case err != nil && o.cfg.TolerateSnapshotFailures:
		o.reader.SkipTable()
		o.report(batch, err)
		return batch, nil
	case err != nil:
		return nil, o.failLocked(err)
	}

	now := time.Now().UTC()
	for _, row := range page.Rows {
		raw := cdc.RawRowChange{
			Table:     page.Table,
			Op:        cdc.OpInsert,
			After:     row.Values,
			Position:  o.reader.Start(),
			Timestamp: now,
		}
		events, err := o.builder.Build(raw, page.Schema, true)
		if err != nil {
			o.report(batch, err)
			continue
		}
		so := row.Offset
		o.emit(batch, events, cdc.Offset{Snapshot: &so})
	}
	o.metrics.SnapshotRow(page.Table.String(), len(page.Rows))
	if n := len(page.Rows); n > 0 {
		last := page.Rows[n-1].Offset
		batch.Offset = &cdc.Offset{Snapshot: &last}
	}

	if page.Last {
		return o.completeSnapshot(batch), nil
	}
	return batch, nil
}

// completeSnapshot gives the batch's last event the offset {start, not emitted}, so
// committing it marks the snapshot done, and switches to streaming from start
func (o *Orchestrator) completeSnapshot(batch *cdc.Batch) *cdc.Batch {
	start := o.reader.Start()
	done := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: start}}
	if n := len(batch.Events); n > 0 {
		batch.Events[n-1].Offset = done
	}
	batch.Offset = &done
	o.log.Info("Snapshot complete", "position", start)
	o.stream(start, &cdc.StreamingOffset{Position: start})
	return batch
}
