package index_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/index"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := dbpkg.Open(context.Background(), dbpkg.BackendSQLite, "file:"+t.TempDir()+"/test.db?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func insertObject(t *testing.T, sqlDB *sql.DB, id string, nodeSize int64, children ...string) {
	t.Helper()
	_, err := sqlDB.Exec(`
		INSERT INTO objects (id, kind, node_size, touched_at, transaction_id)
		VALUES (?, 'fil', ?, 0, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM objects))
	`, id, nodeSize)
	require.NoError(t, err)
	for i, c := range children {
		_, err := sqlDB.Exec(`INSERT INTO object_children (parent, position, child) VALUES (?, ?, ?)`, id, i, c)
		require.NoError(t, err)
	}
	_, err = sqlDB.Exec(`
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('object', ?, (SELECT transaction_id FROM objects WHERE id = ?))
	`, id, id)
	require.NoError(t, err)
}

// subtree_count = 1 + sum(child.subtree_count) once every
// child is subtree_stored; subtree_size is absent otherwise.
func TestIndexerAggregatesBottomUp(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()

	insertObject(t, sqlDB, "leaf-a", 10)
	insertObject(t, sqlDB, "leaf-b", 20)
	insertObject(t, sqlDB, "parent", 5, "leaf-a", "leaf-b")

	ix := index.New(sqlDB)
	require.NoError(t, ix.Drain(ctx))

	var count, size sql.NullInt64
	var stored bool
	require.NoError(t, sqlDB.QueryRow(`SELECT subtree_count, subtree_size, subtree_stored FROM objects WHERE id = ?`, "parent").
		Scan(&count, &size, &stored))
	require.True(t, count.Valid)
	require.EqualValues(t, 3, count.Int64) // parent + 2 leaves
	require.EqualValues(t, 35, size.Int64) // 5 + 10 + 20
	require.True(t, stored)
}

func TestIndexerLeavesSubtreeAbsentWhenChildMissing(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()

	insertObject(t, sqlDB, "parent", 5, "missing-child")

	ix := index.New(sqlDB)
	require.NoError(t, ix.Drain(ctx))

	var count sql.NullInt64
	var stored bool
	require.NoError(t, sqlDB.QueryRow(`SELECT subtree_count, subtree_stored FROM objects WHERE id = ?`, "parent").
		Scan(&count, &stored))
	require.False(t, count.Valid, "subtree_count must be absent, not zero, when a child is missing")
	require.False(t, stored)
}

func TestIndexerPropagatesToParentsOnLateArrival(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()

	insertObject(t, sqlDB, "parent", 5, "child")
	ix := index.New(sqlDB)
	require.NoError(t, ix.Drain(ctx))

	var count sql.NullInt64
	require.NoError(t, sqlDB.QueryRow(`SELECT subtree_count FROM objects WHERE id = ?`, "parent").Scan(&count))
	require.False(t, count.Valid)

	// The missing child arrives later.
	insertObject(t, sqlDB, "child", 1)
	require.NoError(t, ix.Drain(ctx))

	require.NoError(t, sqlDB.QueryRow(`SELECT subtree_count FROM objects WHERE id = ?`, "parent").Scan(&count))
	require.True(t, count.Valid)
	require.EqualValues(t, 2, count.Int64)
}

// A finished process is not subtree-stored until the objects its
// command and output columns name are themselves stored; the arrival of
// a missing output object re-aggregates the process.
func TestProcessSubtreeFoldsInResultObjects(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()

	insertObject(t, sqlDB, "cmd_1", 4)
	_, err := sqlDB.Exec(`
		INSERT INTO processes (id, command_id, status, output_id, created_at, depth, transaction_id, touched_at)
		VALUES ('pcs_1', 'cmd_1', 'finished', 'blb_out', 0, 0, 1, 0)
	`)
	require.NoError(t, err)
	_, err = sqlDB.Exec(`INSERT INTO index_queue (kind, target_id, transaction_id) VALUES ('process', 'pcs_1', 2)`)
	require.NoError(t, err)

	ix := index.New(sqlDB)
	require.NoError(t, ix.Drain(ctx))

	m, ok, err := ix.ProcessMetrics(ctx, "pcs_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, m.CommandStored)
	require.False(t, m.OutputStored, "the output object has not been put yet")
	require.False(t, m.SubtreeStored)
	require.True(t, m.LogStored, "a finished process with no log body is vacuously log-stored")

	// The missing output object arrives; indexing it must re-aggregate
	// the process that points at it.
	insertObject(t, sqlDB, "blb_out", 16)
	require.NoError(t, ix.Drain(ctx))

	m, _, err = ix.ProcessMetrics(ctx, "pcs_1")
	require.NoError(t, err)
	require.True(t, m.OutputStored)
	require.True(t, m.SubtreeStored)
}
