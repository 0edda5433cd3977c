// Package offset persists how far a pipeline got, so a restart resumes without losing changes.
package offset

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const (
	defaultCommitAttempts = 5
	defaultRetryInitial   = 100 * time.Millisecond
	defaultRetryMax       = 5 * time.Second
)

// Tracker commits acknowledged offsets through an OffsetStore
type Tracker struct {
	mu        sync.Mutex
	store     cdc.OffsetStore
	log       hclog.Logger
	attempts  int
	initial   time.Duration
	maxWait   time.Duration
	committed *cdc.Offset
	// pending is acknowledged but not yet durable
	pending *cdc.Offset
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithCommitRetry bounds how often a commit is attempted and how long to wait in between
func WithCommitRetry(attempts int, initial, maxWait time.Duration) TrackerOption {
	return func(t *Tracker) {
		if attempts > 0 {
			t.attempts = attempts
		}
		if initial > 0 {
			t.initial = initial
		}
		if maxWait > 0 {
			t.maxWait = maxWait
		}
	}
}

// WithLogger sets the tracker's logger
func WithLogger(l hclog.Logger) TrackerOption {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates a tracker over store
func NewTracker(store cdc.OffsetStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:    store,
		log:      hclog.NewNullLogger(),
		attempts: defaultCommitAttempts,
		initial:  defaultRetryInitial,
		maxWait:  defaultRetryMax,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load returns the last committed offset, or nil on a fresh start
func (t *Tracker) Load(ctx context.Context) (*cdc.Offset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	off, err := t.store.Load(ctx)
	if err != nil {
		return nil, cerrors.NewOffsetPersistenceError("failed to load offset", err)
	}
	t.committed = off
	t.pending = nil
	if off == nil {
		t.log.Info("No committed offset, starting fresh")
	} else {
		t.log.Info("Loaded committed offset", "offset", off.String())
	}
	return off, nil
}

// Commit durably records offset. Offsets at or before the last committed one are ignored.
func (t *Tracker) Commit(ctx context.Context, offset cdc.Offset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset.IsZero() {
		return nil
	}
	if t.committed != nil && offset.Compare(*t.committed) <= 0 {
		t.log.Debug("Ignoring stale offset", "offset", offset.String(), "committed", t.committed.String())
		return nil
	}
	t.pending = &offset
	return t.persistLocked(ctx)
}

// Flush persists an acknowledged offset whose commit failed earlier
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return nil
	}
	return t.persistLocked(ctx)
}

// Restart forgets the committed offset so a new snapshot can commit offsets that sort
// before the previous streaming position
func (t *Tracker) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = nil
}

// Committed returns the last durable offset
func (t *Tracker) Committed() *cdc.Offset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Pending reports whether an acknowledged offset is not yet durable
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	off := *t.pending
	err := utils.Retry(ctx, t.attempts, t.initial, t.maxWait, func(attempt int) error {
		err := t.store.Save(ctx, off)
		if err != nil {
			t.log.Warn("Offset commit failed", "attempt", attempt, "of", t.attempts, "error", err)
		}
		return err
	})
	if err != nil {
		return cerrors.NewOffsetPersistenceError("failed to persist offset "+off.String(), err)
	}
	t.committed = &off
	t.pending = nil
	t.log.Debug("Committed offset", "offset", off.String())
	return nil
}
