package tagcache_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/tagcache"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := dbpkg.Open(context.Background(), dbpkg.BackendSQLite, "file:"+t.TempDir()+"/test.db?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestPutAndGetLocalLeaf(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	var clock int64 = 1000
	c := tagcache.New(sqlDB, func() int64 { return clock }, nil)

	require.NoError(t, c.Put(ctx, "a/b", "obj-1", false))
	entry, err := c.Get(ctx, "a/b", -1)
	require.NoError(t, err)
	require.True(t, entry.IsLeaf())
	require.Equal(t, "obj-1", entry.Item)
}

func TestPutWithoutForceRefusesOverwrite(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	c := tagcache.New(sqlDB, func() int64 { return 0 }, nil)

	require.NoError(t, c.Put(ctx, "a/b", "obj-1", false))
	require.Error(t, c.Put(ctx, "a/b", "obj-1-overwrite", false))
	// an existing tag, local or cached, is only overwritten with force,
	// so the original binding is still in place.
	entry, err := c.Get(ctx, "a/b", -1)
	require.NoError(t, err)
	require.Equal(t, "obj-1", entry.Item)
}

type fakeRemote struct {
	name    string
	entries map[string]tagcache.Entry
	ttl     int64
}

func (f *fakeRemote) Name() string     { return f.name }
func (f *fakeRemote) CacheTTL() int64  { return f.ttl }
func (f *fakeRemote) GetTag(ctx context.Context, tag string) (tagcache.Entry, bool, error) {
	e, ok := f.entries[tag]
	return e, ok, nil
}

// With cache_ttl=100, after priming from remote, overwriting the
// remote and immediately reading locally returns the old item; reading
// with explicit ttl=0 returns the new item.
func TestTagCacheTTLServesStaleUntilExplicitRefresh(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	var clock int64 = 1000
	remote := &fakeRemote{name: "origin", ttl: 100, entries: map[string]tagcache.Entry{
		"a/b": {Tag: "a/b", Item: "old"},
	}}
	c := tagcache.New(sqlDB, func() int64 { return clock }, []tagcache.Remote{remote})

	entry, err := c.Get(ctx, "a/b", 100)
	require.NoError(t, err)
	require.Equal(t, "old", entry.Item)

	remote.entries["a/b"] = tagcache.Entry{Tag: "a/b", Item: "new"}
	clock += 10

	entry, err = c.Get(ctx, "a/b", 100)
	require.NoError(t, err)
	require.Equal(t, "old", entry.Item, "within ttl, the cached value must be served without consulting the remote")

	entry, err = c.Get(ctx, "a/b", 0)
	require.NoError(t, err)
	require.Equal(t, "new", entry.Item, "ttl=0 must force a refresh")
}

// A remote branch a/n with children o, p is replaced by a leaf a/n.
// After a ttl=0 refresh, the cache holds only the leaf.
func TestBranchToLeafRefreshClearsChildren(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	remote := &fakeRemote{name: "origin", ttl: 0, entries: map[string]tagcache.Entry{
		"a/n": {Tag: "a/n", Children: []string{"o", "p"}},
	}}
	c := tagcache.New(sqlDB, func() int64 { return 1000 }, []tagcache.Remote{remote})

	entry, err := c.Get(ctx, "a/n", 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"o", "p"}, entry.Children)

	remote.entries["a/n"] = tagcache.Entry{Tag: "a/n", Item: "leaf-obj"}
	entry, err = c.Get(ctx, "a/n", 0)
	require.NoError(t, err)
	require.True(t, entry.IsLeaf())

	_, err = c.Get(ctx, "a/n/o", 0)
	require.Error(t, err, "a/n/o must no longer be reachable once a/n became a leaf")
}

func TestCleanDeletesExpiredLeavesAndChildlessBranches(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	var clock int64 = 1000
	remote := &fakeRemote{name: "origin", ttl: 0, entries: map[string]tagcache.Entry{
		"a/b": {Tag: "a/b", Item: "obj-1"},
	}}
	c := tagcache.New(sqlDB, func() int64 { return clock }, []tagcache.Remote{remote})

	_, err := c.Get(ctx, "a/b", 0)
	require.NoError(t, err)

	var countBefore int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&countBefore))
	require.Equal(t, 2, countBefore, "branch a and leaf a/b should both be cached")

	clock += 1000
	require.NoError(t, c.Clean(ctx, 100))

	var countAfter int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&countAfter))
	require.Zero(t, countAfter, "both the expired leaf and its now-childless branch must be gone after clean")
}

// A tag binding retains the object it names against the store's
// cleaner; deleting the tag releases it again.
func TestPutAndDeleteAdjustObjectReferenceCount(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	c := tagcache.New(sqlDB, func() int64 { return 0 }, nil)

	_, err := sqlDB.Exec(`
		INSERT INTO objects (id, kind, node_size, touched_at, transaction_id) VALUES ('fil_tagged', 'fil', 1, 0, 1)
	`)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "pkg/1.0.0", "fil_tagged", false))
	var count int64
	require.NoError(t, sqlDB.QueryRow(`SELECT reference_count FROM objects WHERE id = 'fil_tagged'`).Scan(&count))
	require.EqualValues(t, 1, count)

	require.NoError(t, c.Delete(ctx, "pkg/1.0.0"))
	require.NoError(t, sqlDB.QueryRow(`SELECT reference_count FROM objects WHERE id = 'fil_tagged'`).Scan(&count))
	require.Zero(t, count)
}

func TestCleanPreservesLocalTags(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	var clock int64 = 1000
	c := tagcache.New(sqlDB, func() int64 { return clock }, nil)

	require.NoError(t, c.Put(ctx, "local/tag", "obj-1", false))
	clock += 100000
	require.NoError(t, c.Clean(ctx, 1))

	entry, err := c.Get(ctx, "local/tag", -1)
	require.NoError(t, err)
	require.Equal(t, "obj-1", entry.Item)
}
