package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTableID(t *testing.T) {
	tests := []struct {
		in        string
		defaultDB string
		want      TableID
		wantErr   bool
	}{
		{"inventory.products", "", TableID{"inventory", "products"}, false},
		{"products", "inventory", TableID{"inventory", "products"}, false},
		{"", "inventory", TableID{}, true},
		{".products", "", TableID{}, true},
		{"a.b.c", "", TableID{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTableID(tt.in, tt.defaultDB)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPositionCompare(t *testing.T) {
	a := Position{Log: "mysql-bin.000001", Offset: 154}
	b := Position{Log: "mysql-bin.000001", Offset: 400}
	c := Position{Log: "mysql-bin.000002", Offset: 4}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Before(Position{Log: a.Log, Offset: a.Offset, Row: 1}))
	assert.True(t, Position{Log: "0000002a", Seq: "0001"}.Before(Position{Log: "0000002a", Seq: "0002"}))
	assert.True(t, Position{}.IsZero())
	assert.False(t, a.IsZero())

	// the restart offset is only a reopening hint
	withRestart := Position{Log: a.Log, Offset: a.Offset, Restart: 120}
	assert.Equal(t, 0, a.Compare(withRestart))
}

func TestStreamingOffsetKeepsRestart(t *testing.T) {
	in := Offset{Streaming: &StreamingOffset{Position: Position{Log: "mysql-bin.000003", Offset: 560, Row: 1, Restart: 440}, Emitted: true}}
	data, err := EncodeOffset(in)
	require.NoError(t, err)
	out, err := DecodeOffset(data)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestOffsetRoundTripKeepsIntegerCursor(t *testing.T) {
	in := Offset{Snapshot: &SnapshotOffset{
		Start:  Position{Log: "mysql-bin.000003", Offset: 1543},
		Table:  NewTableID("inventory", "orders"),
		Cursor: []any{int64(9007199254740993), "abc"},
		Rows:   12,
	}}

	data, err := EncodeOffset(in)
	require.NoError(t, err)
	out, err := DecodeOffset(data)
	require.NoError(t, err)

	require.NotNil(t, out.Snapshot)
	assert.Equal(t, in.Snapshot.Table, out.Snapshot.Table)
	assert.Equal(t, []any{int64(9007199254740993), "abc"}, out.Snapshot.Cursor)
	assert.Nil(t, out.Streaming)
}

func TestOffsetCompare(t *testing.T) {
	start := Position{Log: "mysql-bin.000003", Offset: 100}
	snapA := Offset{Snapshot: &SnapshotOffset{Start: start, Table: NewTableID("db", "a"), Rows: 5}}
	snapB := Offset{Snapshot: &SnapshotOffset{Start: start, Table: NewTableID("db", "b"), Rows: 1}}
	done := Offset{Streaming: &StreamingOffset{Position: start}}
	emitted := Offset{Streaming: &StreamingOffset{Position: start, Emitted: true}}
	later := Offset{Streaming: &StreamingOffset{Position: Position{Log: "mysql-bin.000003", Offset: 200}}}

	ordered := []Offset{{}, snapA, snapB, done, emitted, later}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, ordered[i].Compare(ordered[i+1]), "%s < %s", ordered[i], ordered[i+1])
		assert.Equal(t, 1, ordered[i+1].Compare(ordered[i]))
	}
}

func TestRecordPosition(t *testing.T) {
	pos := Position{Log: "mysql-bin.000001", Offset: 10}
	assert.Equal(t, pos, RowRecord(RawRowChange{Position: pos}).Position())
	assert.Equal(t, pos, DDLRecord(DDLStatement{Position: pos}).Position())
	assert.True(t, EndRecord().Position().IsZero())
	assert.Equal(t, "ddl", RecordDDL.String())
}
