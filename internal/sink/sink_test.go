package sink

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-capture/internal/config"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

var customers = cdc.NewTableID("inventory", "customers")

// primaryKeyChange is what an UPDATE of customers.id from 1004 to 1005 emits
func primaryKeyChange() []cdc.ChangeEvent {
	pos := cdc.Position{Log: "mysql-bin.000003", Offset: 2210}
	off := cdc.Offset{Streaming: &cdc.StreamingOffset{Position: pos, Emitted: true}}
	src := cdc.Source{Server: "inventory", Database: "inventory", Table: "customers", Position: pos, Timestamp: 1700000000000}
	return []cdc.ChangeEvent{
		{Table: customers, Op: cdc.OpInsert, After: map[string]any{"id": 1005, "email": "anne@example.com"}, Key: map[string]any{"id": 1005}, Source: src, Offset: off},
		{Table: customers, Op: cdc.OpDelete, Before: map[string]any{"id": 1004, "email": "anne@example.com"}, Key: map[string]any{"id": 1004}, Source: src, Offset: off},
		{Table: customers, Op: cdc.OpTombstone, Key: map[string]any{"id": 1004}, Source: src, Offset: off},
	}
}

func schemaChange() cdc.ChangeEvent {
	return cdc.ChangeEvent{
		Table:  cdc.TableID{Database: "inventory"},
		Op:     cdc.OpSchemaChange,
		Source: cdc.Source{Server: "inventory", Database: "inventory"},
		DDL:    "CREATE DATABASE inventory",
	}
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "dstream.inventory.customers", destination("dstream", primaryKeyChange()[0]))
	assert.Equal(t, "dstream", destination("dstream", schemaChange()))
	assert.Equal(t, "cdc.sales.order_lines_2024", destination("cdc", cdc.ChangeEvent{
		Table: cdc.NewTableID("sales", "order lines.2024"),
		Op:    cdc.OpInsert,
	}))
}

func TestKafkaMessages(t *testing.T) {
	events := append(primaryKeyChange(), schemaChange())
	msgs, err := kafkaMessages("dstream", events)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	insert, del, tombstone, ddl := msgs[0], msgs[1], msgs[2], msgs[3]
	assert.Equal(t, "dstream.inventory.customers", insert.Topic)
	assert.JSONEq(t, `{"id":1005}`, string(insert.Key))
	assert.JSONEq(t, `{"id":1004}`, string(del.Key))
	assert.Equal(t, del.Key, tombstone.Key)
	assert.Nil(t, tombstone.Value)
	assert.Equal(t, int64(1700000000000), insert.Time.UnixMilli())

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(insert.Value, &decoded))
	assert.Equal(t, "insert", decoded["op"])
	assert.Equal(t, "inventory.customers", decoded["table"])
	assert.NotContains(t, decoded, "before")

	assert.Equal(t, "dstream", ddl.Topic)
	assert.Equal(t, []byte("inventory"), ddl.Key)
	require.NoError(t, json.Unmarshal(ddl.Value, &decoded))
	assert.Equal(t, "CREATE DATABASE inventory", decoded["ddl"])
}

func TestNATSMessagesCarryDistinctIDs(t *testing.T) {
	msgs, err := natsMessages("dstream", primaryKeyChange())
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	ids := map[string]bool{}
	for _, m := range msgs {
		assert.Equal(t, "dstream.inventory.customers", m.Subject)
		id := m.Header.Get(nats.MsgIdHdr)
		require.NotEmpty(t, id)
		ids[id] = true
	}
	assert.Len(t, ids, 3)

	// the same events published again keep their ids
	again, err := natsMessages("dstream", primaryKeyChange())
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Header.Get(nats.MsgIdHdr), again[0].Header.Get(nats.MsgIdHdr))
}

func TestStdoutPublisherLogsEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, JSONFormat: true})
	p := NewStdoutPublisher(logger)

	ch, err := p.PublishChanges(t.Context(), append(primaryKeyChange(), schemaChange()))
	require.NoError(t, err)
	assert.True(t, <-ch)
	require.NoError(t, p.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "CDC Event", first["@message"])
	assert.Equal(t, "insert", first["operation"])
	assert.Contains(t, first["data"], "anne@example.com")

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[3], &last))
	assert.Equal(t, "Schema Change", last["@message"])
	assert.Equal(t, "CREATE DATABASE inventory", last["ddl"])
}

func TestNewRejectsUnknownSink(t *testing.T) {
	_, err := New(t.Context(), config.SinkConfig{Type: "pulsar"}, hclog.NewNullLogger())
	assert.Error(t, err)

	_, err = New(t.Context(), config.SinkConfig{Type: "kafka"}, hclog.NewNullLogger())
	assert.Error(t, err)

	p, err := New(t.Context(), config.SinkConfig{Type: "stdout"}, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.IsType(t, &StdoutPublisher{}, p)
}
