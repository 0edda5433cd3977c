package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/katasec/dstream-ingester-capture/internal/db"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

func (o *Orchestrator) pollStream(ctx context.Context) (*cdc.Batch, error) {
	batch := &cdc.Batch{}
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()

	from, pulled, resume := o.from, o.pulled, o.resume
	consumed := false
	for len(batch.Events) < o.cfg.MaxBatchSize {
		rec, err := o.next(pollCtx)
		if err != nil {
			if ctx.Err() != nil {
				// the caller gets nothing, so the next poll reads these records again
				if consumed {
					o.rewind(from, pulled, resume)
				}
				return nil, ctx.Err()
			}
			if pollCtx.Err() != nil {
				break
			}
			return nil, o.failLocked(err)
		}
		consumed = true

		switch rec.Kind {
		case cdc.RecordEnd:
			o.log.Info("Change log ended", "position", o.from)
			err := o.releaseLocked(ctx)
			o.setState(StateStopped)
			return batch, err
		case cdc.RecordDDL, cdc.RecordRow:
			if err := o.handle(ctx, rec, batch); err != nil {
				return nil, o.failLocked(err)
			}
		default:
			return nil, o.failLocked(cerrors.NewInternalError(fmt.Sprintf("unexpected %s record from tailer", rec.Kind), nil))
		}
	}
	return batch, nil
}

// next returns the next record, restarting a disconnected tailer at the last processed
// position with backoff until retry attempts run out
func (o *Orchestrator) next(ctx context.Context) (cdc.Record, error) {
	for {
		err := o.ensureTailing(ctx)
		if err == nil {
			var rec cdc.Record
			if rec, err = o.tailer.Next(ctx); err == nil {
				o.reconnect.ResetInterval()
				return rec, nil
			}
		}
		if ctx.Err() != nil {
			return cdc.Record{}, ctx.Err()
		}
		if !errors.Is(err, cerrors.ErrTailerDisconnect) {
			return cdc.Record{}, err
		}
		if attempts := o.reconnect.Attempts(); attempts >= o.cfg.RetryMaxAttempts {
			return cdc.Record{}, cerrors.NewTailerDisconnectedError(fmt.Sprintf("giving up after %d reconnect attempts", attempts), err)
		}

		o.log.Warn("Change log tailer disconnected, reconnecting", "position", o.from,
			"attempt", o.reconnect.Attempts()+1, "nextAttemptIn", o.reconnect.GetInterval(), "error", err)
		o.metrics.Reconnected()
		if o.tailing {
			o.tailing = false
			if cerr := o.tailer.Close(); cerr != nil {
				o.log.Debug("Closing tailer failed", "error", cerr)
			}
		}
		if werr := o.reconnect.Wait(ctx); werr != nil {
			return cdc.Record{}, werr
		}
	}
}

func (o *Orchestrator) ensureTailing(ctx context.Context) error {
	if o.tailing {
		return nil
	}
	// the record at from was processed before the restart
	if o.pulled {
		o.resume = &cdc.StreamingOffset{Position: o.from, Emitted: true}
	}
	if err := o.tailer.Start(ctx, o.from); err != nil {
		return err
	}
	o.tailing = true
	return nil
}

// rewind closes the tailer and moves back to where a poll began. Records handed out since
// are read again when the tailer restarts.
func (o *Orchestrator) rewind(from cdc.Position, pulled bool, resume *cdc.StreamingOffset) {
	o.log.Debug("Rewinding abandoned poll", "from", from, "position", o.from)
	if o.tailing {
		o.tailing = false
		if err := o.tailer.Close(); err != nil {
			o.log.Debug("Closing tailer failed", "error", err)
		}
	}
	o.from, o.pulled, o.resume = from, pulled, resume
}

// skip reports whether a record was delivered before the pipeline restarted
func (o *Orchestrator) skip(pos cdc.Position) bool {
	if o.resume == nil {
		return false
	}
	c := pos.Compare(o.resume.Position)
	if c < 0 || (c == 0 && o.resume.Emitted) {
		return true
	}
	o.resume = nil
	return false
}

func (o *Orchestrator) handle(ctx context.Context, rec cdc.Record, batch *cdc.Batch) error {
	pos := rec.Position()
	if o.skip(pos) {
		return nil
	}
	o.from, o.pulled = pos, true
	off := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: pos, Emitted: true}}

	switch rec.Kind {
	case cdc.RecordDDL:
		if err := o.applyDDL(ctx, *rec.DDL, off, batch); err != nil {
			return err
		}
	case cdc.RecordRow:
		o.applyRow(*rec.Row, off, batch)
	}
	batch.Offset = &off
	return nil
}

func (o *Orchestrator) applyDDL(ctx context.Context, ddl cdc.DDLStatement, off cdc.Offset, batch *cdc.Batch) error {
	applied, err := o.registry.ApplyDDL(ctx, ddl)
	if err != nil {
		if cerrors.GetCategory(err) == cerrors.ErrCategorySchema {
			o.report(batch, err)
			return nil
		}
		return err
	}
	if applied == nil || applied.Skipped || !o.cfg.IncludeSchemaChanges {
		return nil
	}

	var events []cdc.ChangeEvent
	for _, e := range o.builder.SchemaChange(ddl, applied.Entry) {
		if e.Table.Table == "" {
			if !o.filter.IncludesDatabase(e.Table.Database) {
				continue
			}
		} else if !o.filter.Includes(e.Table) {
			continue
		}
		events = append(events, e)
	}
	o.emit(batch, events, off)
	return nil
}

func (o *Orchestrator) applyRow(raw cdc.RawRowChange, off cdc.Offset, batch *cdc.Batch) {
	if !o.filter.Includes(raw.Table) {
		return
	}
	ts, err := o.registry.ResolveAt(raw.Table, raw.Position)
	if err != nil {
		o.report(batch, err)
		return
	}
	// raw images are shared with the tailer
	raw.Before = normalize(ts, raw.Before)
	raw.After = normalize(ts, raw.After)

	events, err := o.builder.Build(raw, ts, false)
	if err != nil {
		o.report(batch, err)
		return
	}
	o.emit(batch, events, off)
}

func normalize(ts *schema.TableSchema, row []any) []any {
	if row == nil {
		return nil
	}
	return db.NormalizeRow(ts, append([]any(nil), row...))
}
