package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour

	DefaultBatchSize = 100
	MinBatchSize     = 50
	MaxBatchSize     = 1000

	// Message broker size limits
	StandardSKULimit = 256 * 1024  // 256KB
	PremiumSKULimit  = 1024 * 1024 // 1MB
)

// Sampler returns up to n representative rows of the data being read
type Sampler func(ctx context.Context, n int) ([]map[string]any, error)

// BatchSizer derives how many rows to read at once so a batch serialized as JSON
// stays within a byte budget
type BatchSizer struct {
	batchSize        atomic.Int32
	sample           Sampler
	name             string
	maxMessageSize   int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration
	log              hclog.Logger

	// For monitoring/metrics
	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// NewBatchSizer creates a BatchSizer for the data named name, sampled by sample
func NewBatchSizer(name string, sample Sampler, maxMessageSize int, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		sample:           sample,
		name:             name,
		maxMessageSize:   maxMessageSize,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
		log:              hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// WithSampleSize sets the number of records to sample
func WithSampleSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.sampleSize = size
	}
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// WithResampleInterval sets how often to recalculate batch size
func WithResampleInterval(interval time.Duration) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.resampleInterval = interval
	}
}

// WithSizerLogger sets the logger used for sampling reports
func WithSizerLogger(l hclog.Logger) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.log = l
	}
}

// Start samples once and keeps resampling in the background until ctx is done
func (bs *BatchSizer) Start(ctx context.Context) error {
	if err := bs.Update(ctx); err != nil {
		return fmt.Errorf("initial batch size calculation failed: %w", err)
	}
	go bs.monitor(ctx)
	return nil
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int32 {
	size := bs.batchSize.Load()
	if size <= 0 {
		return DefaultBatchSize
	}
	return size
}

// Store updates the current batch size atomically
func (bs *BatchSizer) Store(size int32) {
	bs.batchSize.Store(size)
	bs.log.Debug("Batch size updated", "name", bs.name, "newSize", size)
}

// Update samples rows and recalculates the batch size. Sampling failures fall back
// to the default size rather than failing the read.
func (bs *BatchSizer) Update(ctx context.Context) error {
	rows, err := bs.sample(ctx, bs.sampleSize)
	if err != nil {
		bs.log.Info("Failed to sample rows, using default size estimation", "name", bs.name, "error", err)
		bs.Store(DefaultBatchSize)
		return nil
	}

	var totalSize int64
	var count int32
	for _, record := range rows {
		jsonData, err := json.Marshal(record)
		if err != nil {
			bs.log.Info("Failed to marshal record, skipping", "name", bs.name, "error", err)
			continue
		}
		totalSize += int64(len(jsonData))
		count++
	}

	if count == 0 {
		bs.Store(DefaultBatchSize)
		bs.log.Debug("No records found for sampling, using default batch size", "name", bs.name, "defaultBatchSize", DefaultBatchSize)
		return nil
	}

	avgSize := float64(totalSize) / float64(count)
	effectiveSize := avgSize * (1 + bs.bufferFactor)
	newBatchSize := clampBatchSize(int32(float64(bs.maxMessageSize) / effectiveSize))
	bs.Store(newBatchSize)

	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avgSize))

	bs.log.Info("Sample metrics",
		"name", bs.name,
		"sampleSize", count,
		"avgSize", avgSize,
		"effectiveSize", effectiveSize,
		"newBatchSize", newBatchSize)
	return nil
}

func clampBatchSize(n int32) int32 {
	switch {
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

// monitor periodically updates the batch size
func (bs *BatchSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.Update(ctx); err != nil {
				bs.log.Error("Failed to update batch size", "name", bs.name, "error", err)
			}
		}
	}
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int32
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxMessageSize   int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.batchSize.Load(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxMessageSize:   bs.maxMessageSize,
		BufferFactor:     bs.bufferFactor,
	}
}
