package utils

import (
	"context"
	"time"
)

// BackoffManager manages exponential backoff for polling and reconnect intervals
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
	attempts        int
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// A maxInterval below initialInterval is raised to it.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if initialInterval <= 0 {
		initialInterval = time.Millisecond
	}
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// Attempts returns how many times the interval was increased since the last reset
func (b *BackoffManager) Attempts() int {
	return b.attempts
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	b.attempts++
	next := b.currentInterval * 2
	if next > b.maxInterval {
		next = b.maxInterval
	}
	b.currentInterval = next
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
	b.attempts = 0
}

// Wait sleeps for the current interval, then increases it. It returns early with
// the context's error when ctx is done.
func (b *BackoffManager) Wait(ctx context.Context) error {
	t := time.NewTimer(b.currentInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	b.IncreaseInterval()
	return nil
}

// Retry calls fn until it succeeds, attempts calls were made, or ctx is done, waiting
// with exponential backoff in between. It returns the last error from fn.
func Retry(ctx context.Context, attempts int, initial, maxInterval time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := NewBackoffManager(initial, maxInterval)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(i); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		if werr := b.Wait(ctx); werr != nil {
			return err
		}
	}
	return err
}
