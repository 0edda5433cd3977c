package offset

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

func streaming(offset uint64, emitted bool) cdc.Offset {
	return cdc.Offset{Streaming: &cdc.StreamingOffset{
		Position: cdc.Position{Log: "mysql-bin.000003", Offset: offset},
		Emitted:  emitted,
	}}
}

func snapshotAt(table string, rows int64, cursor ...any) cdc.Offset {
	return cdc.Offset{Snapshot: &cdc.SnapshotOffset{
		Start:  cdc.Position{Log: "mysql-bin.000003", Offset: 154},
		Table:  cdc.NewTableID("inventory", table),
		Cursor: cursor,
		Rows:   rows,
	}}
}

// flakyStore fails the first failures saves
type flakyStore struct {
	mu       sync.Mutex
	failures int
	saves    int
	saved    *cdc.Offset
}

func (s *flakyStore) Load(context.Context) (*cdc.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, nil
}

func (s *flakyStore) Save(_ context.Context, o cdc.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failures > 0 {
		s.failures--
		return errors.New("disk unavailable")
	}
	s.saved = &o
	return nil
}

func (s *flakyStore) Close() error { return nil }

func fastRetry(attempts int) TrackerOption {
	return WithCommitRetry(attempts, time.Millisecond, 2*time.Millisecond)
}

func TestTrackerCommitAndLoad(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{}
	tr := NewTracker(store, fastRetry(3))

	off, err := tr.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, off)

	require.NoError(t, tr.Commit(ctx, streaming(200, true)))
	require.NotNil(t, store.saved)
	assert.Equal(t, uint64(200), store.saved.Streaming.Position.Offset)

	again := NewTracker(store)
	off, err = again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, streaming(200, true), *off)
}

func TestTrackerIgnoresOlderOffsets(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{}
	tr := NewTracker(store, fastRetry(3))

	require.NoError(t, tr.Commit(ctx, streaming(300, false)))
	require.NoError(t, tr.Commit(ctx, streaming(200, true)))
	require.NoError(t, tr.Commit(ctx, streaming(300, false)))
	assert.Equal(t, 1, store.saves)

	require.NoError(t, tr.Commit(ctx, streaming(300, true)))
	assert.Equal(t, 2, store.saves)
	assert.True(t, store.saved.Streaming.Emitted)
}

func TestTrackerRestartAllowsNewSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{}
	tr := NewTracker(store, fastRetry(1))

	require.NoError(t, tr.Commit(ctx, streaming(154, true)))
	require.NoError(t, tr.Commit(ctx, snapshotAt("customers", 2, int64(1002))))
	assert.Equal(t, 1, store.saves)

	tr.Restart()
	require.NoError(t, tr.Commit(ctx, snapshotAt("customers", 2, int64(1002))))
	assert.Equal(t, 2, store.saves)
	assert.NotNil(t, store.saved.Snapshot)
}

func TestTrackerRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{failures: 10}
	tr := NewTracker(store, fastRetry(3))

	err := tr.Commit(ctx, streaming(200, true))
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrOffsetPersistence)
	assert.True(t, cerrors.IsRetryable(err))
	assert.Equal(t, 3, store.saves)
	assert.True(t, tr.Pending())
	assert.Nil(t, tr.Committed())
}

func TestTrackerRecoversWithinRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{failures: 2}
	tr := NewTracker(store, fastRetry(3))

	require.NoError(t, tr.Commit(ctx, streaming(200, true)))
	assert.Equal(t, 3, store.saves)
	assert.False(t, tr.Pending())
}

func TestTrackerFlushPersistsPending(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{failures: 1}
	tr := NewTracker(store, fastRetry(1))

	require.Error(t, tr.Commit(ctx, streaming(500, true)))
	require.True(t, tr.Pending())

	require.NoError(t, tr.Flush(ctx))
	assert.False(t, tr.Pending())
	assert.Equal(t, uint64(500), store.saved.Streaming.Position.Offset)

	saves := store.saves
	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, saves, store.saves)
}

func storeRoundTrip(t *testing.T, store cdc.OffsetStore) {
	t.Helper()
	ctx := context.Background()

	off, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, off)

	require.NoError(t, store.Save(ctx, snapshotAt("orders", 3, int64(10003), "b")))
	off, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, off.Snapshot)
	assert.Equal(t, []any{int64(10003), "b"}, off.Snapshot.Cursor)
	assert.Equal(t, int64(3), off.Snapshot.Rows)

	require.NoError(t, store.Save(ctx, streaming(900, true)))
	off, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, streaming(900, true), *off)
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", "offset.json"))
	require.NoError(t, err)
	defer store.Close()
	storeRoundTrip(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", "dbserver1")
	require.NoError(t, err)
	defer store.Close()
	storeRoundTrip(t, store)
}

func TestSQLiteStoreIsScopedByServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.db")
	ctx := context.Background()

	a, err := NewSQLiteStore(path, "a")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, streaming(1, true)))
	require.NoError(t, a.Close())

	b, err := NewSQLiteStore(path, "b")
	require.NoError(t, err)
	defer b.Close()
	off, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, off)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(RedisOptions{Address: mr.Addr()}, "dbserver1")
	require.NoError(t, err)
	defer store.Close()
	storeRoundTrip(t, store)

	assert.True(t, mr.Exists(defaultRedisKeyPrefix+"dbserver1"))
	assert.Equal(t, time.Duration(0), mr.TTL(defaultRedisKeyPrefix+"dbserver1"))
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(RedisOptions{Address: addr}, "dbserver1")
	assert.Error(t, err)
}

func TestLSNColumns(t *testing.T) {
	lsn, seq := lsnColumns(cdc.Position{Log: "0000002a000001f00003", Seq: "0000002a000001f00002"})
	assert.Len(t, lsn, 10)
	assert.Len(t, seq, 10)

	lsn, seq = lsnColumns(cdc.Position{Log: "mysql-bin.000003", Offset: 154})
	assert.Nil(t, lsn)
	assert.Nil(t, seq)
}
