// Package orchestrator drives one capture pipeline: it snapshots existing rows, then
// streams the change log, turning both into change events the host polls and commits.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-capture/internal/db"
	"github.com/katasec/dstream-ingester-capture/internal/envelope"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/logging"
	"github.com/katasec/dstream-ingester-capture/internal/metrics"
	"github.com/katasec/dstream-ingester-capture/internal/offset"
	"github.com/katasec/dstream-ingester-capture/internal/policy"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/internal/snapshot"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// State is the lifecycle state of a pipeline
type State int32

const (
	StateIdle State = iota
	StateSnapshotting
	StateStreaming
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSnapshotting:
		return "snapshotting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SnapshotMode decides whether existing rows are read before streaming
type SnapshotMode string

const (
	// SnapshotInitial snapshots when no offset was committed yet
	SnapshotInitial SnapshotMode = "initial"
	// SnapshotAlways snapshots on every start
	SnapshotAlways SnapshotMode = "always"
	// SnapshotNever streams from the earliest log position and learns schemas from DDL
	SnapshotNever SnapshotMode = "never"
	// SnapshotSchemaOnly records table definitions, then streams from the current position
	SnapshotSchemaOnly SnapshotMode = "schema_only"
)

const (
	defaultMaxBatchSize     = 2048
	defaultPollTimeout      = 1 * time.Second
	defaultRetryAttempts    = 10
	defaultRetryInitial     = 500 * time.Millisecond
	defaultRetryMaxInterval = 30 * time.Second
	defaultSnapshotRetries  = 3
)

// Config tunes a pipeline
type Config struct {
	SnapshotMode SnapshotMode
	// FetchSize is the snapshot page size; zero sizes pages from sampled rows
	FetchSize      int
	MaxMessageSize int
	// SnapshotMaxRetries is how often a failed page is read again before giving up
	SnapshotMaxRetries int
	// TolerateSnapshotFailures skips a table whose pages keep failing instead of failing the pipeline
	TolerateSnapshotFailures bool
	IncludeSchemaChanges     bool

	MaxBatchSize int
	PollTimeout  time.Duration

	// RetryMaxAttempts bounds consecutive tailer reconnects
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotMode == "" {
		c.SnapshotMode = SnapshotInitial
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = defaultRetryAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitial
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = defaultRetryMaxInterval
	}
	if c.SnapshotMaxRetries < 0 {
		c.SnapshotMaxRetries = 0
	} else if c.SnapshotMaxRetries == 0 {
		c.SnapshotMaxRetries = defaultSnapshotRetries
	}
	return c
}

// Components are the collaborators of a pipeline. The orchestrator owns Tailer and
// Source and closes them when it stops.
type Components struct {
	Tailer   cdc.LogTailer
	Tracker  *offset.Tracker
	Registry *schema.Registry
	Builder  *envelope.Builder
	// Filter limits the captured tables; nil captures every table
	Filter *policy.TableFilter
	// Source is the connection used for snapshots and introspection. It may be nil
	// when the snapshot mode is never.
	Source  *sql.DB
	Dialect db.Dialect
	Metrics *metrics.Metrics
	Logger  hclog.Logger
}

// Orchestrator runs the state machine
//
//	Idle -> Snapshotting -> Streaming -> Stopped
//
// with Failed reachable from any state. Poll, Commit and Stop serialize on one mutex;
// State can be read at any time.
type Orchestrator struct {
	mu      sync.Mutex
	state   atomic.Int32
	cfg     Config
	log     hclog.Logger
	metrics *metrics.Metrics

	tailer   cdc.LogTailer
	tracker  *offset.Tracker
	registry *schema.Registry
	builder  *envelope.Builder
	filter   *policy.TableFilter
	source   *sql.DB
	dialect  db.Dialect

	runCtx    context.Context
	cancelRun context.CancelFunc
	failure   error
	released  bool

	reader *snapshot.Reader

	// streaming
	tailing bool
	// from is where the tailer (re)starts: the start position, then the last processed record
	from   cdc.Position
	pulled bool
	// resume marks records that were already delivered before a restart
	resume    *cdc.StreamingOffset
	reconnect *utils.BackoffManager
}

// New validates the configuration and wires the components
func New(cfg Config, c Components) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	switch cfg.SnapshotMode {
	case SnapshotInitial, SnapshotAlways, SnapshotNever, SnapshotSchemaOnly:
	default:
		return nil, cerrors.NewConfigError(cerrors.CodeInvalidOption, fmt.Sprintf("unknown snapshot mode %q", cfg.SnapshotMode))
	}
	if c.Tailer == nil {
		return nil, cerrors.NewMissingOptionError("source")
	}
	if c.Tracker == nil || c.Registry == nil || c.Builder == nil {
		return nil, cerrors.NewInternalError("pipeline needs a tracker, a registry and a builder", nil)
	}
	if cfg.SnapshotMode != SnapshotNever && (c.Source == nil || c.Dialect == nil) {
		return nil, cerrors.NewConfigError(cerrors.CodeMissingOption,
			fmt.Sprintf("snapshot mode %s needs a source connection", cfg.SnapshotMode))
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.Named("orchestrator")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		log:       logger,
		metrics:   c.Metrics,
		tailer:    c.Tailer,
		tracker:   c.Tracker,
		registry:  c.Registry,
		builder:   c.Builder,
		filter:    c.Filter,
		source:    c.Source,
		dialect:   c.Dialect,
		runCtx:    runCtx,
		cancelRun: cancel,
		reconnect: utils.NewBackoffManager(cfg.RetryInitialInterval, cfg.RetryMaxInterval),
	}
	o.setState(StateIdle)
	return o, nil
}

// State returns the current state
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	if prev := o.State(); prev != s {
		o.log.Debug("Pipeline state changed", "from", prev, "to", s)
	}
	o.state.Store(int32(s))
	o.metrics.SetState(int(s))
}

// Err returns the diagnostic of a failed pipeline
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failure
}

func (o *Orchestrator) failLocked(err error) error {
	if o.failure == nil {
		o.failure = err
	}
	o.log.Error("Pipeline failed", "state", o.State(), "error", err)
	o.setState(StateFailed)
	return err
}

// Start rebuilds the schema registry, loads the committed offset and decides where to begin
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if st := o.State(); st != StateIdle {
		return cerrors.New(cerrors.ErrCategoryInternal, cerrors.CodeUnexpected, "pipeline cannot start from state "+st.String())
	}
	if _, err := o.registry.Rebuild(ctx); err != nil {
		return o.failLocked(cerrors.NewInternalError("failed to rebuild schema registry", err))
	}
	off, err := o.tracker.Load(ctx)
	if err != nil {
		return o.failLocked(err)
	}

	switch {
	case off == nil:
		err = o.startFresh(ctx)
	case off.Snapshot != nil:
		if o.cfg.SnapshotMode == SnapshotNever {
			o.log.Warn("Abandoning interrupted snapshot", "table", off.Snapshot.Table, "start", off.Snapshot.Start)
			if err := o.anchor(ctx, off.Snapshot.Start); err != nil {
				return o.failLocked(err)
			}
			o.stream(off.Snapshot.Start, nil)
			return nil
		}
		err = o.resumeSnapshot(ctx, *off.Snapshot)
	default:
		if o.cfg.SnapshotMode == SnapshotAlways {
			o.tracker.Restart()
			err = o.beginSnapshot(ctx)
			break
		}
		resume := *off.Streaming
		o.stream(resume.Position, &resume)
	}
	if err != nil {
		return o.failLocked(err)
	}
	return nil
}

func (o *Orchestrator) startFresh(ctx context.Context) error {
	switch o.cfg.SnapshotMode {
	case SnapshotNever:
		o.stream(cdc.Position{}, nil)
		return nil
	case SnapshotSchemaOnly:
		pos, schemas, err := o.capture(ctx)
		if err != nil {
			return err
		}
		if err := o.registry.RecordSnapshot(ctx, pos, schemas); err != nil {
			return err
		}
		if err := o.anchor(ctx, pos); err != nil {
			return err
		}
		o.log.Info("Recorded table definitions", "tables", len(schemas), "position", pos)
		o.stream(pos, nil)
		return nil
	default:
		return o.beginSnapshot(ctx)
	}
}

// anchor persists the position streaming starts from, so that a restart before the host
// commits anything resumes there and not at a later current position
func (o *Orchestrator) anchor(ctx context.Context, pos cdc.Position) error {
	return o.tracker.Commit(ctx, cdc.Offset{Streaming: &cdc.StreamingOffset{Position: pos}})
}

// stream switches to streaming from pos. Records at or before resume are skipped.
func (o *Orchestrator) stream(pos cdc.Position, resume *cdc.StreamingOffset) {
	o.reader = nil
	o.from, o.resume = pos, resume
	o.pulled, o.tailing = false, false
	o.reconnect.ResetInterval()
	o.setState(StateStreaming)
	o.log.Info("Streaming change log", "from", pos, "resume", resume != nil)
}

// Poll returns the next batch of events. While snapshotting a batch is one page; while
// streaming it is whatever arrives within the poll timeout, possibly nothing.
func (o *Orchestrator) Poll(ctx context.Context) (*cdc.Batch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.runCtx, cancel)
	defer stop()

	switch st := o.State(); st {
	case StateSnapshotting:
		return o.pollSnapshot(ctx)
	case StateStreaming:
		return o.pollStream(ctx)
	case StateFailed:
		return nil, o.failure
	case StateStopped:
		return nil, cerrors.ErrStopped
	default:
		return nil, cerrors.New(cerrors.ErrCategoryInternal, cerrors.CodeUnexpected, "pipeline is not started")
	}
}

// Commit durably records an offset the host has delivered
func (o *Orchestrator) Commit(ctx context.Context, off cdc.Offset) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() == StateFailed {
		return o.failure
	}
	if err := o.tracker.Commit(ctx, off); err != nil {
		o.metrics.CommitFailed()
		return o.failLocked(err)
	}
	return nil
}

// OverrideSchema replaces a table definition with a CREATE TABLE statement. Later changes
// to a table marked unresolvable are emitted again.
func (o *Orchestrator) OverrideSchema(ctx context.Context, ddl string) (*schema.TableSchema, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Override(ctx, cdc.Position{}, ddl)
}

// Stop cancels a blocked poll, waits for it, flushes acknowledged offsets and
// closes the tailer and the source connection
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.cancelRun()

	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.releaseLocked(ctx)
	if o.State() != StateFailed {
		o.setState(StateStopped)
	}
	return err
}

func (o *Orchestrator) releaseLocked(ctx context.Context) error {
	if o.released {
		return nil
	}
	o.released = true

	var errs []error
	if err := o.tracker.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	o.tailing = false
	if err := o.tailer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close tailer: %w", err))
	}
	if o.source != nil {
		if err := o.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close source connection: %w", err))
		}
	}
	o.log.Info("Pipeline released", "state", o.State())
	return errors.Join(errs...)
}

// report records a non-fatal, per-table error in the batch
func (o *Orchestrator) report(batch *cdc.Batch, err error) {
	o.log.Warn("Change not emitted", "table", cerrors.GetTable(err), "error", err)
	o.metrics.BatchError(cerrors.GetCode(err))
	batch.Errors = append(batch.Errors, err)
}

func (o *Orchestrator) emit(batch *cdc.Batch, events []cdc.ChangeEvent, off cdc.Offset) {
	for _, e := range events {
		e.Offset = off
		var ts time.Time
		if e.Source.Timestamp > 0 {
			ts = time.UnixMilli(e.Source.Timestamp)
		}
		o.metrics.Event(string(e.Op), ts)
		batch.Events = append(batch.Events, e)
	}
}
