package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

func pos(offset uint64) cdc.Position {
	return cdc.Position{Log: "mysql-bin.000003", Offset: offset}
}

func ddl(offset uint64, db, stmt string) cdc.DDLStatement {
	return cdc.DDLStatement{Database: db, Statement: stmt, Position: pos(offset)}
}

var products = cdc.NewTableID("inventory", "products")

func newProductsRegistry(t *testing.T) (*Registry, *MemoryHistory) {
	t.Helper()
	store := &MemoryHistory{}
	r := NewRegistry(store, nil)
	_, err := r.ApplyDDL(context.Background(), ddl(100, "inventory",
		"CREATE TABLE products (id INTEGER NOT NULL AUTO_INCREMENT PRIMARY KEY, name VARCHAR(255) NOT NULL, description VARCHAR(512), weight FLOAT)"))
	require.NoError(t, err)
	return r, store
}

func TestApplyDDLAddsColumnsAndKeepsHistory(t *testing.T) {
	r, _ := newProductsRegistry(t)
	ctx := context.Background()

	applied, err := r.ApplyDDL(ctx, ddl(200, "inventory", "ALTER TABLE products ADD COLUMN volume FLOAT, ADD COLUMN alias VARCHAR(30) NOT NULL AFTER description"))
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, []cdc.TableID{products}, applied.Entry.Affected)

	cur, err := r.Resolve(products)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "description", "alias", "weight", "volume"}, cur.ColumnNames())
	assert.Equal(t, 2, cur.Version)

	old, err := r.ResolveAt(products, pos(150))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "description", "weight"}, old.ColumnNames())
	assert.Equal(t, 1, old.Version)

	_, err = r.ResolveAt(products, pos(50))
	assert.ErrorIs(t, err, cerrors.ErrUnknownTable)
}

func TestApplyDDLFullyQualifiedNameFromOtherDatabase(t *testing.T) {
	r, _ := newProductsRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyDDL(ctx, ddl(200, "emptydb", "CREATE TABLE inventory.extra (id INT PRIMARY KEY)"))
	require.NoError(t, err)
	_, err = r.ApplyDDL(ctx, ddl(300, "emptydb", "ALTER TABLE inventory.products DROP COLUMN weight"))
	require.NoError(t, err)

	_, err = r.Resolve(cdc.NewTableID("inventory", "extra"))
	require.NoError(t, err)
	_, err = r.Resolve(cdc.NewTableID("emptydb", "extra"))
	assert.ErrorIs(t, err, cerrors.ErrUnknownTable)

	cur, err := r.Resolve(products)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "description"}, cur.ColumnNames())
}

func TestApplyDDLIgnoresNonDDLAndDuplicates(t *testing.T) {
	r, store := newProductsRegistry(t)
	ctx := context.Background()

	applied, err := r.ApplyDDL(ctx, ddl(150, "inventory", "BEGIN"))
	require.NoError(t, err)
	assert.Nil(t, applied)

	alter := ddl(200, "inventory", "ALTER TABLE products ADD COLUMN volume FLOAT")
	_, err = r.ApplyDDL(ctx, alter)
	require.NoError(t, err)
	applied, err = r.ApplyDDL(ctx, alter)
	require.NoError(t, err)
	assert.True(t, applied.Skipped)

	applied, err = r.ApplyDDL(ctx, ddl(120, "inventory", "ALTER TABLE products ADD COLUMN late INT"))
	require.NoError(t, err)
	assert.True(t, applied.Skipped)

	entries, _ := store.Load(ctx)
	assert.Len(t, entries, 2)
	cur, _ := r.Resolve(products)
	assert.Equal(t, 2, cur.Version)
}

func TestUnparseableDDLMarksTableUntilOverride(t *testing.T) {
	r, _ := newProductsRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyDDL(ctx, ddl(200, "inventory", "ALTER TABLE products FROBNICATE everything"))
	require.ErrorIs(t, err, cerrors.ErrSchemaParse)
	assert.Equal(t, "inventory.products", cerrors.GetTable(err))

	_, err = r.ResolveAt(products, pos(250))
	assert.ErrorIs(t, err, cerrors.ErrUnresolvedSchema)
	_, err = r.ResolveAt(products, pos(150))
	assert.NoError(t, err, "changes before the failing DDL stay interpretable")

	_, err = r.ApplyDDL(ctx, ddl(300, "inventory", "ALTER TABLE products ADD COLUMN volume FLOAT"))
	assert.ErrorIs(t, err, cerrors.ErrSchemaParse)

	s, err := r.Override(ctx, cdc.Position{}, "CREATE TABLE inventory.products (id INT PRIMARY KEY, name VARCHAR(255), volume FLOAT)")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "volume"}, s.ColumnNames())

	cur, err := r.ResolveAt(products, pos(400))
	require.NoError(t, err)
	assert.Equal(t, s, cur)
}

func TestParseErrorWithoutTableIsNotRecorded(t *testing.T) {
	r, store := newProductsRegistry(t)
	_, err := r.ApplyDDL(context.Background(), ddl(200, "inventory", "ALTER TABLE `unterminated"))
	require.ErrorIs(t, err, cerrors.ErrSchemaParse)

	entries, _ := store.Load(context.Background())
	assert.Len(t, entries, 1)
}

func TestRenameAndDropTables(t *testing.T) {
	r, _ := newProductsRegistry(t)
	ctx := context.Background()

	_, err := r.ApplyDDL(ctx, ddl(200, "inventory", "RENAME TABLE products TO items"))
	require.NoError(t, err)
	_, err = r.Resolve(products)
	assert.ErrorIs(t, err, cerrors.ErrUnknownTable)
	items, err := r.Resolve(cdc.NewTableID("inventory", "items"))
	require.NoError(t, err)
	assert.Equal(t, 1, items.Version)

	_, err = r.ApplyDDL(ctx, ddl(300, "inventory", "ALTER TABLE items RENAME TO goods"))
	require.NoError(t, err)
	assert.Equal(t, []cdc.TableID{cdc.NewTableID("inventory", "goods")}, r.Tables())

	_, err = r.ApplyDDL(ctx, ddl(400, "inventory", "DROP DATABASE inventory"))
	require.NoError(t, err)
	assert.Empty(t, r.Tables())

	// the old name is still interpretable in the past
	_, err = r.ResolveAt(products, pos(150))
	assert.NoError(t, err)
}

func TestCreateTableLike(t *testing.T) {
	r, _ := newProductsRegistry(t)
	_, err := r.ApplyDDL(context.Background(), ddl(200, "inventory", "CREATE TABLE products_copy LIKE products"))
	require.NoError(t, err)
	cp, err := r.Resolve(cdc.NewTableID("inventory", "products_copy"))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "description", "weight"}, cp.ColumnNames())
	assert.Equal(t, []string{"id"}, cp.PrimaryKey)
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	r, store := newProductsRegistry(t)
	ctx := context.Background()
	statements := []cdc.DDLStatement{
		ddl(200, "inventory", "ALTER TABLE products ADD COLUMN volume FLOAT"),
		ddl(300, "inventory", "CREATE TABLE orders (order_number INT PRIMARY KEY, purchaser INT, quantity INT)"),
		ddl(400, "inventory", "ALTER TABLE orders FROBNICATE"),
		ddl(500, "inventory", "ALTER TABLE products DROP PRIMARY KEY, ADD PRIMARY KEY (id, name)"),
	}
	for _, s := range statements {
		_, _ = r.ApplyDDL(ctx, s)
	}

	rebuilt := NewRegistry(store, nil)
	n, err := rebuilt.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, r.Tables(), rebuilt.Tables())
	for _, at := range []uint64{150, 250, 350, 450, 550} {
		want, wantErr := r.ResolveAt(products, pos(at))
		got, gotErr := rebuilt.ResolveAt(products, pos(at))
		assert.Equal(t, want, got, "products at %d", at)
		assert.Equal(t, wantErr == nil, gotErr == nil)

		_, wantErr = r.ResolveAt(cdc.NewTableID("inventory", "orders"), pos(at))
		_, gotErr = rebuilt.ResolveAt(cdc.NewTableID("inventory", "orders"), pos(at))
		assert.Equal(t, cerrors.GetCode(wantErr), cerrors.GetCode(gotErr), "orders at %d", at)
	}
	assert.Equal(t, r.LastPosition(), rebuilt.LastPosition())

	// rebuilding twice gives the same answer
	_, err = rebuilt.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.Tables(), rebuilt.Tables())
}

func TestRecordSnapshotSkipsIdenticalDefinitions(t *testing.T) {
	store := &MemoryHistory{}
	r := NewRegistry(store, nil)
	ctx := context.Background()
	customers := NewTableSchema(cdc.NewTableID("inventory", "customers"), []Column{
		{Name: "id", Type: "INT"},
		{Name: "email", Type: "VARCHAR(255)", Nullable: true},
	}, []string{"id"})

	require.NoError(t, r.RecordSnapshot(ctx, pos(100), []*TableSchema{customers}))
	require.NoError(t, r.RecordSnapshot(ctx, pos(100), []*TableSchema{customers}))

	entries, _ := store.Load(ctx)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Snapshot)
	assert.Contains(t, entries[0].DDL, "CREATE TABLE `inventory`.`customers`")

	got, err := r.ResolveAt(customers.ID, pos(100))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}
