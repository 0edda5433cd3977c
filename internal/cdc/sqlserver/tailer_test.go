package sqlserver

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

var persons = cdc.NewTableID("dbo", "Persons")

func lsn(n byte) []byte { return []byte{0, 0, 0, 0x2a, 0, 0, 0, 0, 0, n} }

func row(l, s byte, op int, values ...any) changeRow {
	return changeRow{lsn: lsn(l), seq: lsn(s), operation: op, values: values}
}

func TestAssemblePairsUpdates(t *testing.T) {
	changes, consumed := assemble(persons, []changeRow{
		row(1, 1, opInsert, 1, "Ann"),
		row(2, 1, opUpdateBefore, 1, "Ann"),
		row(2, 1, opUpdateAfter, 1, "Anne"),
		row(3, 1, opDelete, 1, "Anne"),
	})
	assert.Equal(t, 4, consumed)
	require.Len(t, changes, 3)

	assert.Equal(t, cdc.OpInsert, changes[0].Op)
	assert.Equal(t, []any{1, "Ann"}, changes[0].After)

	assert.Equal(t, cdc.OpUpdate, changes[1].Op)
	assert.Equal(t, []any{1, "Ann"}, changes[1].Before)
	assert.Equal(t, []any{1, "Anne"}, changes[1].After)
	assert.Equal(t, lsnPosition(lsn(2), lsn(1)), changes[1].Position)

	assert.Equal(t, cdc.OpDelete, changes[2].Op)
	assert.Nil(t, changes[2].After)
}

func TestAssembleLeavesTrailingBeforeImage(t *testing.T) {
	changes, consumed := assemble(persons, []changeRow{
		row(1, 1, opInsert, 1),
		row(2, 1, opUpdateBefore, 1),
	})
	assert.Equal(t, 1, consumed)
	require.Len(t, changes, 1)
	assert.Equal(t, cdc.OpInsert, changes[0].Op)
}

func TestAssembleSkipsUnknownOperations(t *testing.T) {
	changes, consumed := assemble(persons, []changeRow{
		row(1, 1, 9, 1),
		row(1, 2, opUpdateBefore, 1),
		row(1, 3, opInsert, 2),
	})
	assert.Equal(t, 3, consumed)
	require.Len(t, changes, 1)
	assert.Equal(t, []any{2}, changes[0].After)
}

func TestPopMergesByLSN(t *testing.T) {
	orders := cdc.NewTableID("dbo", "Orders")
	a := &TableMonitor{table: persons, buffer: []cdc.RawRowChange{
		{Table: persons, Op: cdc.OpInsert, Position: lsnPosition(lsn(1), lsn(1))},
		{Table: persons, Op: cdc.OpInsert, Position: lsnPosition(lsn(4), lsn(1))},
	}}
	b := &TableMonitor{table: orders, buffer: []cdc.RawRowChange{
		{Table: orders, Op: cdc.OpInsert, Position: lsnPosition(lsn(2), lsn(1))},
		{Table: orders, Op: cdc.OpInsert, Position: lsnPosition(lsn(3), lsn(2))},
	}}
	tl := &Tailer{log: hclog.NewNullLogger(), monitors: []*TableMonitor{a, b}, ddlBuffer: []cdc.DDLStatement{
		{Database: "dbo", Statement: "ALTER TABLE dbo.Orders ADD note NVARCHAR(50)", Position: lsnPosition(lsn(3), nil)},
	}}

	var order []string
	for {
		rec, ok := tl.pop()
		if !ok {
			break
		}
		switch rec.Kind {
		case cdc.RecordDDL:
			order = append(order, "ddl")
		case cdc.RecordRow:
			order = append(order, rec.Row.Table.Table)
		}
	}
	assert.Equal(t, []string{"Persons", "Orders", "ddl", "Orders", "Persons"}, order)
}

func TestPositionLSNRoundTrip(t *testing.T) {
	p := lsnPosition(lsn(7), lsn(9))
	assert.Equal(t, "0000002a000000000007", p.Log)
	assert.Equal(t, "0000002a000000000009", p.Seq)

	l, s, err := positionLSN(p)
	require.NoError(t, err)
	assert.Equal(t, lsn(7), l)
	assert.Equal(t, lsn(9), s)

	l, s, err = positionLSN(cdc.Position{})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, lsnWidth), l)
	assert.Equal(t, make([]byte, lsnWidth), s)

	_, _, err = positionLSN(cdc.Position{Log: "mysql-bin.000001"})
	assert.Error(t, err)
}

func TestLSNPositionsOrderLikeBinary(t *testing.T) {
	assert.True(t, lsnPosition(lsn(1), lsn(200)).Before(lsnPosition(lsn(2), lsn(1))))
	assert.True(t, lsnPosition(lsn(2), nil).Before(lsnPosition(lsn(2), lsn(0))))
}

func TestNewRequiresConnectionString(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeMissingOption, cerrors.GetCode(err))

	tl, err := New(Config{ConnectionString: "sqlserver://sa:pw@localhost?database=inventory"})
	require.NoError(t, err)
	assert.Equal(t, defaultPollInterval, tl.cfg.PollInterval)

	_, err = tl.Next(context.Background())
	assert.ErrorIs(t, err, cerrors.ErrTailerDisconnect)
}
