package resolve_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/resolve"
	"github.com/tangramdotdev/tangram/internal/tagcache"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := dbpkg.Open(context.Background(), dbpkg.BackendSQLite, "file:"+t.TempDir()+"/test.db?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestTarjanDetectsMutualImportCycle(t *testing.T) {
	edges := map[string][]string{
		"a.js": {"b.js"},
		"b.js": {"a.js"},
		"c.js": {},
	}
	edgesOf := func(n string) []string { return edges[n] }
	components := resolve.Tarjan([]string{"a.js", "b.js", "c.js"}, edgesOf)

	var sawCycle, sawSingle bool
	for _, comp := range components {
		if len(comp) == 2 {
			sawCycle = true
			require.ElementsMatch(t, []string{"a.js", "b.js"}, comp)
		}
		if len(comp) == 1 && comp[0] == "c.js" {
			sawSingle = true
		}
	}
	require.True(t, sawCycle, "expected a.js/b.js to form one SCC")
	require.True(t, sawSingle, "expected c.js in its own singleton component")
}

func TestHasSelfLoop(t *testing.T) {
	edgesOf := func(n string) []string { return []string{n} }
	require.True(t, resolve.HasSelfLoop("x", edgesOf))
	require.False(t, resolve.HasSelfLoop("y", func(string) []string { return nil }))
}

func TestSolvePicksHighestSatisfyingVersion(t *testing.T) {
	list := func(name string) ([]string, error) { return []string{"1.0.0", "1.2.0", "2.0.0"}, nil }
	sol, unsolved, err := resolve.Solve([]resolve.PackageRequest{
		{PackageName: "foo", Constraint: "^1", RequestedBy: "root"},
	}, list, false)
	require.NoError(t, err)
	require.Empty(t, unsolved)
	require.Equal(t, "1.2.0", sol["foo"])
}

func TestSolveUnsatisfiableRecordsUnsolvedWhenAllowed(t *testing.T) {
	list := func(name string) ([]string, error) { return []string{"1.0.0"}, nil }
	sol, unsolved, err := resolve.Solve([]resolve.PackageRequest{
		{PackageName: "foo", Constraint: "^2", RequestedBy: "root"},
	}, list, true)
	require.NoError(t, err)
	require.Empty(t, sol["foo"])
	require.Len(t, unsolved, 1)
	require.Equal(t, "foo", unsolved[0].PackageName)
}

func TestSolveUnsatisfiableFailsWhenNotAllowed(t *testing.T) {
	list := func(name string) ([]string, error) { return []string{"1.0.0"}, nil }
	_, _, err := resolve.Solve([]resolve.PackageRequest{
		{PackageName: "foo", Constraint: "^2", RequestedBy: "root"},
	}, list, false)
	require.Error(t, err)
}

// A mutual import between two local files must be
// emitted as a single graph object with internal indices, never a direct
// cycle.
func TestCheckinEmitsGraphForMutualImport(t *testing.T) {
	ctx := context.Background()
	tags := tagcache.New(openTestDB(t), func() int64 { return 0 }, nil)

	nodes := []resolve.FileNode{
		{
			Path:     "a.js",
			Contents: object.NewID(object.KindLeaf, []byte("a")),
			Imports:  []resolve.Import{{Reference: "./b.js", Kind: resolve.ImportPath, Path: "./b.js"}},
		},
		{
			Path:     "b.js",
			Contents: object.NewID(object.KindLeaf, []byte("b")),
			Imports:  []resolve.Import{{Reference: "./a.js", Kind: resolve.ImportPath, Path: "./a.js"}},
		},
	}

	result, err := resolve.Checkin(ctx, nodes, "a.js", tags, resolve.CheckinOptions{})
	require.NoError(t, err)
	require.True(t, result.RootArtifact.IsGraphBacked(), "mutual import must be graph-backed, not a direct cycle")

	g, ok := result.Objects[result.RootArtifact.Graph].(*object.Graph)
	require.True(t, ok)
	require.Len(t, g.Nodes, 2)

	// The dependency between the two nodes must be represented as an
	// internal index, never an external id, since both ends are in the
	// same component.
	for _, n := range g.Nodes {
		require.Len(t, n.Dependencies, 1)
		require.True(t, n.Dependencies[0].Item.IsInternal)
	}
}

// A non-cyclic path import must resolve to a direct (non-graph) artifact
// whose dependency names the other file by resolved object id.
func TestCheckinResolvesPathImportDirectly(t *testing.T) {
	ctx := context.Background()
	tags := tagcache.New(openTestDB(t), func() int64 { return 0 }, nil)

	nodes := []resolve.FileNode{
		{
			Path:     "root.js",
			Contents: object.NewID(object.KindLeaf, []byte("root")),
			Imports:  []resolve.Import{{Reference: "./lib.js", Kind: resolve.ImportPath, Path: "./lib.js"}},
		},
		{
			Path:     "lib.js",
			Contents: object.NewID(object.KindLeaf, []byte("lib")),
		},
	}

	result, err := resolve.Checkin(ctx, nodes, "root.js", tags, resolve.CheckinOptions{})
	require.NoError(t, err)
	require.False(t, result.RootArtifact.IsGraphBacked())

	f, ok := result.RootArtifact.Direct.(*object.File)
	require.True(t, ok)
	require.Len(t, f.Dependencies, 1)
	require.Equal(t, "./lib.js", f.Dependencies[0].Item.Options.Path)
}

// Tagged imports with a version constraint resolve through the tag cache,
// and the lockfile records the resolved {id, tag} pair.
func TestCheckinResolvesTaggedImportAndBuildsLockfile(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	tags := tagcache.New(sqlDB, func() int64 { return 0 }, nil)

	depID := string(object.NewID(object.KindFile, []byte("dep")))
	require.NoError(t, tags.Put(ctx, "foo/1.0.0", depID, false))
	require.NoError(t, tags.Put(ctx, "foo/1.2.0", depID, false))

	nodes := []resolve.FileNode{
		{
			Path:     "root.js",
			Contents: object.NewID(object.KindLeaf, []byte("root")),
			Imports:  []resolve.Import{{Reference: "foo/^1", Kind: resolve.ImportTag, Tag: "foo/^1"}},
		},
	}

	result, err := resolve.Checkin(ctx, nodes, "root.js", tags, resolve.CheckinOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Unsolved)

	opts, ok := result.Lockfile.Entries["root.js|foo/^1"]
	require.True(t, ok)
	require.Equal(t, depID, opts.ID)
	require.Equal(t, "foo/1.2.0", opts.Tag)
}
