package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// fakeConnector records calls and answers with canned values
type fakeConnector struct {
	mu        sync.Mutex
	started   map[string]any
	committed []cdc.Offset
	stopped   bool
	batch     *cdc.Batch
	pollErr   error
	overrides []string
}

func (f *fakeConnector) Start(_ context.Context, cfg *structpb.Struct) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = cfg.AsMap()
	return nil
}

func (f *fakeConnector) Poll(context.Context) (*cdc.Batch, error) {
	return f.batch, f.pollErr
}

func (f *fakeConnector) Commit(_ context.Context, off cdc.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, off)
	return nil
}

func (f *fakeConnector) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeConnector) GetSchema(ctx context.Context) ([]*FieldSchema, error) {
	return (&Plugin{}).GetSchema(ctx)
}

func (f *fakeConnector) OverrideSchema(_ context.Context, ddl string) (*schema.TableSchema, error) {
	f.overrides = append(f.overrides, ddl)
	if ddl == "" {
		return nil, cerrors.NewSchemaParseError("inventory.orders", ddl, errors.New("empty statement"))
	}
	return schema.NewTableSchema(cdc.NewTableID("inventory", "orders"),
		[]schema.Column{{Name: "id", Type: "int"}, {Name: "total", Type: "decimal(10,2)", Nullable: true}},
		[]string{"id"}), nil
}

func dispense(t *testing.T, impl Connector) Connector {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{PluginName: &ConnectorPlugin{Impl: impl}}, nil)
	t.Cleanup(func() { client.Close() })
	raw, err := client.Dispense(PluginName)
	require.NoError(t, err)
	return raw.(*RPCClient)
}

func TestRPCStartPassesConfig(t *testing.T) {
	fake := &fakeConnector{}
	c := dispense(t, fake)

	require.NoError(t, c.Start(t.Context(), mustStruct(t, minimalConfig())))
	assert.Equal(t, "mysql", fake.started["source"].(map[string]any)["type"])
}

func TestRPCPollRoundTrip(t *testing.T) {
	snap := cdc.Offset{Snapshot: &cdc.SnapshotOffset{
		Start:  cdc.Position{Log: "mysql-bin.000003", Offset: 154},
		Table:  cdc.NewTableID("inventory", "customers"),
		Cursor: []any{int64(1004)},
		Rows:   4,
	}}
	stream := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: cdc.Position{Log: "mysql-bin.000003", Offset: 154}}}
	fake := &fakeConnector{batch: &cdc.Batch{
		Events: []cdc.ChangeEvent{{
			Table:  cdc.NewTableID("inventory", "customers"),
			Op:     cdc.OpInsert,
			After:  map[string]any{"id": int64(9007199254740993), "email": "********"},
			Key:    map[string]any{"id": int64(9007199254740993)},
			Source: cdc.Source{Server: "inventory", Database: "inventory", Table: "customers", Timestamp: 1700000000000, Snapshot: true},
			Offset: snap,
		}},
		Offset: &stream,
		Errors: []error{cerrors.NewUnresolvedSchemaError("inventory.orders", "table definition unknown", nil)},
	}}
	c := dispense(t, fake)

	batch, err := c.Poll(t.Context())
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)

	e := batch.Events[0]
	assert.Equal(t, cdc.NewTableID("inventory", "customers"), e.Table)
	assert.Equal(t, cdc.OpInsert, e.Op)
	assert.Equal(t, json.Number("9007199254740993"), e.After["id"])
	assert.Equal(t, "********", e.After["email"])
	assert.True(t, e.Source.Snapshot)
	assert.Equal(t, snap, e.Offset)
	assert.Equal(t, &stream, batch.Offset)

	require.Len(t, batch.Errors, 1)
	assert.True(t, errors.Is(batch.Errors[0], cerrors.ErrUnresolvedSchema))
	assert.Equal(t, "inventory.orders", cerrors.GetTable(batch.Errors[0]))
}

func TestRPCPollErrorKeepsCategory(t *testing.T) {
	fake := &fakeConnector{pollErr: cerrors.NewTailerDisconnectedError("giving up", errors.New("connection refused"))}
	c := dispense(t, fake)

	_, err := c.Poll(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.ErrTailerDisconnect))
	assert.True(t, cerrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRPCPollHonoursContext(t *testing.T) {
	c := dispense(t, &blockingConnector{release: make(chan struct{})})
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRPCPollReturnsBatchOfAbandonedCall(t *testing.T) {
	off := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: cdc.Position{Log: "mysql-bin.000003", Offset: 2210}, Emitted: true}}
	b := &blockingConnector{release: make(chan struct{})}
	b.batch = &cdc.Batch{
		Events: []cdc.ChangeEvent{{
			Table:  cdc.NewTableID("inventory", "customers"),
			Op:     cdc.OpDelete,
			Before: map[string]any{"email": "anne@example.com"},
			Offset: off,
		}},
		Offset: &off,
	}
	c := dispense(t, b)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(b.release)
	batch, err := c.Poll(t.Context())
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "anne@example.com", batch.Events[0].Before["email"])
	assert.Equal(t, &off, batch.Offset)
	assert.Equal(t, 1, b.polled())
}

// blockingConnector answers a poll once released, or after a while
type blockingConnector struct {
	fakeConnector
	release chan struct{}
	polls   int
}

func (b *blockingConnector) Poll(ctx context.Context) (*cdc.Batch, error) {
	b.mu.Lock()
	b.polls++
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-time.After(200 * time.Millisecond):
	}
	if b.batch != nil {
		return b.batch, nil
	}
	return &cdc.Batch{}, nil
}

func (b *blockingConnector) polled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func TestRPCCommitStopAndOverride(t *testing.T) {
	fake := &fakeConnector{}
	c := dispense(t, fake)

	off := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: cdc.Position{Log: "0000002a000000100003", Seq: "0000002a000000100002"}, Emitted: true}}
	require.NoError(t, c.Commit(t.Context(), off))

	ts, err := c.OverrideSchema(t.Context(), "CREATE TABLE orders (id INT PRIMARY KEY, total DECIMAL(10,2))")
	require.NoError(t, err)
	assert.Equal(t, cdc.NewTableID("inventory", "orders"), ts.ID)
	assert.Equal(t, []string{"id"}, ts.PrimaryKey)
	require.Len(t, ts.Columns, 2)
	assert.Equal(t, 2, ts.Columns[1].Position)

	_, err = c.OverrideSchema(t.Context(), "")
	assert.True(t, errors.Is(err, cerrors.ErrSchemaParse))

	fields, err := c.GetSchema(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, fields)

	require.NoError(t, c.Stop())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []cdc.Offset{off}, fake.committed)
	assert.True(t, fake.stopped)
}
