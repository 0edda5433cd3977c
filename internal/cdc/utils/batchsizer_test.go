package utils

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsOf(n, width int) Sampler {
	return func(_ context.Context, limit int) ([]map[string]any, error) {
		if n > limit {
			n = limit
		}
		rows := make([]map[string]any, n)
		for i := range rows {
			rows[i] = map[string]any{"v": strings.Repeat("x", width)}
		}
		return rows, nil
	}
}

func TestBatchSizerDefaultsBeforeSampling(t *testing.T) {
	bs := NewBatchSizer("t", rowsOf(0, 0), StandardSKULimit)
	assert.Equal(t, int32(DefaultBatchSize), bs.GetBatchSize())
}

func TestBatchSizerBoundsByMessageSize(t *testing.T) {
	// each row marshals to {"v":"xxx..."} = width+8 bytes
	bs := NewBatchSizer("t", rowsOf(10, 992), 100*1000, WithBufferFactor(0))
	require.NoError(t, bs.Update(context.Background()))
	assert.Equal(t, int32(100), bs.GetBatchSize())

	m := bs.GetMetrics()
	assert.Equal(t, int32(10), m.LastSampleSize)
	assert.Equal(t, int32(1000), m.AvgRowSize)
}

func TestBatchSizerClamps(t *testing.T) {
	small := NewBatchSizer("t", rowsOf(5, 1), StandardSKULimit)
	require.NoError(t, small.Update(context.Background()))
	assert.Equal(t, int32(MaxBatchSize), small.GetBatchSize())

	huge := NewBatchSizer("t", rowsOf(5, 100000), StandardSKULimit)
	require.NoError(t, huge.Update(context.Background()))
	assert.Equal(t, int32(MinBatchSize), huge.GetBatchSize())
}

func TestBatchSizerFallsBackOnSampleError(t *testing.T) {
	bs := NewBatchSizer("t", func(context.Context, int) ([]map[string]any, error) {
		return nil, errors.New("no access")
	}, StandardSKULimit)
	require.NoError(t, bs.Update(context.Background()))
	assert.Equal(t, int32(DefaultBatchSize), bs.GetBatchSize())
}

func TestBatchSizerRespectsSampleSize(t *testing.T) {
	var asked int
	bs := NewBatchSizer("t", func(_ context.Context, n int) ([]map[string]any, error) {
		asked = n
		return nil, nil
	}, StandardSKULimit, WithSampleSize(7))
	require.NoError(t, bs.Update(context.Background()))
	assert.Equal(t, 7, asked)
}
