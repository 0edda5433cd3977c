package cdc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// SnapshotOffset marks progress through an in-flight snapshot
type SnapshotOffset struct {
	// Start is the log position captured before the snapshot began
	Start Position `json:"start"`
	Table TableID  `json:"table"`
	// Cursor holds the key of the last emitted row of Table
	Cursor []any `json:"cursor,omitempty"`
	Rows   int64 `json:"rows"`
}

// StreamingOffset marks progress through the change log
type StreamingOffset struct {
	Position Position `json:"position"`
	// Emitted reports whether the record at Position was already delivered
	Emitted bool `json:"emitted"`
}

// Offset is exactly one of a snapshot or a streaming offset
type Offset struct {
	Snapshot  *SnapshotOffset  `json:"snapshot,omitempty"`
	Streaming *StreamingOffset `json:"streaming,omitempty"`
}

// IsZero reports whether neither variant is set
func (o Offset) IsZero() bool { return o.Snapshot == nil && o.Streaming == nil }

// Position returns the log position the offset refers to
func (o Offset) Position() Position {
	switch {
	case o.Streaming != nil:
		return o.Streaming.Position
	case o.Snapshot != nil:
		return o.Snapshot.Start
	default:
		return Position{}
	}
}

// Compare orders offsets: any snapshot offset sorts before the streaming offsets of the
// same snapshot, snapshot offsets order by table then row count, streaming offsets by
// position then emission.
func (o Offset) Compare(other Offset) int {
	switch {
	case o.IsZero() && other.IsZero():
		return 0
	case o.IsZero():
		return -1
	case other.IsZero():
		return 1
	}
	if c := o.Position().Compare(other.Position()); c != 0 {
		return c
	}
	switch {
	case o.Snapshot != nil && other.Streaming != nil:
		return -1
	case o.Streaming != nil && other.Snapshot != nil:
		return 1
	case o.Snapshot != nil:
		a, b := o.Snapshot, other.Snapshot
		if c := compareStrings(a.Table.String(), b.Table.String()); c != 0 {
			return c
		}
		switch {
		case a.Rows < b.Rows:
			return -1
		case a.Rows > b.Rows:
			return 1
		}
		return 0
	default:
		a, b := o.Streaming.Emitted, other.Streaming.Emitted
		switch {
		case a == b:
			return 0
		case !a:
			return -1
		default:
			return 1
		}
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (o Offset) String() string {
	switch {
	case o.Streaming != nil:
		return fmt.Sprintf("streaming(%s emitted=%t)", o.Streaming.Position, o.Streaming.Emitted)
	case o.Snapshot != nil:
		return fmt.Sprintf("snapshot(%s %s rows=%d)", o.Snapshot.Start, o.Snapshot.Table, o.Snapshot.Rows)
	default:
		return "none"
	}
}

// EncodeOffset serializes an offset for an OffsetStore
func EncodeOffset(o Offset) ([]byte, error) {
	return json.Marshal(o)
}

// DecodeOffset parses an offset written by EncodeOffset. Cursor values keep integer
// precision: whole numbers decode to int64.
func DecodeOffset(data []byte) (*Offset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var o Offset
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("failed to decode offset: %w", err)
	}
	if o.Snapshot != nil {
		for i, v := range o.Snapshot.Cursor {
			o.Snapshot.Cursor[i] = normalizeNumber(v)
		}
	}
	return &o, nil
}

func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}
