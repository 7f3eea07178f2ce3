package object

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripEncoding(t *testing.T) {
	f := &File{
		Contents:   NewID(KindLeaf, []byte("hello")),
		Executable: true,
		Dependencies: []FileDependency{
			{Reference: "./b", Item: Reference{Item: NewID(KindFile, []byte("b")), Options: ReferenceOptions{Path: "./b"}}},
			{Reference: "a/^1", Item: Reference{Item: NewID(KindFile, []byte("a")), Options: ReferenceOptions{Tag: "a/1.2.0"}}},
		},
	}
	encoded := f.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, encoded, decoded.Encode())

	df, ok := decoded.(*File)
	require.True(t, ok)
	require.Equal(t, f.Contents, df.Contents)
	require.Equal(t, f.Executable, df.Executable)
	require.Len(t, df.Dependencies, 2)
	// Insertion order preserved, not sorted.
	require.Equal(t, "./b", df.Dependencies[0].Reference)
	require.Equal(t, "a/^1", df.Dependencies[1].Reference)
}

func TestDirectoryEncodingSortsEntriesLexicographically(t *testing.T) {
	dir := &Directory{Entries: []DirectoryEntry{
		{Name: "z", Artifact: NewID(KindFile, []byte("z"))},
		{Name: "a", Artifact: NewID(KindFile, []byte("a"))},
	}}
	decoded, err := Decode(dir.Encode())
	require.NoError(t, err)
	dd := decoded.(*Directory)
	require.Equal(t, "a", dd.Entries[0].Name)
	require.Equal(t, "z", dd.Entries[1].Name)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := &Symlink{Path: "../x"}
	b := &Symlink{Path: "../x"}
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintMatchesVerify(t *testing.T) {
	sym := &Symlink{Path: "target"}
	id := Fingerprint(sym)
	require.True(t, Verify(id, KindSymlink, sym.Encode()))
	require.False(t, Verify(id, KindSymlink, []byte("tampered")))
}

func TestChildrenOfReturnsFileContents(t *testing.T) {
	child := NewID(KindFile, []byte("child"))
	f := &File{Contents: child}
	ids, err := ChildrenOf(f.Encode())
	require.NoError(t, err)
	require.Equal(t, []ID{child}, ids)
}

// Six files with max_leaf_entries=4, max_branch_children=2 must
// produce a stable branch directory whose lookup reproduces every file.
func TestDirectoryBranchingThreshold(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f"}
	store := map[ID]*Directory{}
	put := func(o Object) ID {
		id := Fingerprint(o)
		store[id] = o.(*Directory)
		return id
	}
	get := func(id ID) (*Directory, error) { return store[id], nil }

	build := func() *Directory {
		var entries []DirectoryEntry
		for _, n := range names {
			entries = append(entries, DirectoryEntry{Name: n, Artifact: NewID(KindFile, []byte(n))})
		}
		limits := DirectoryLimits{MaxLeafEntries: 4, MaxBranchChildren: 2}
		return BuildDirectory(entries, limits, put)
	}

	d1 := build()
	require.False(t, d1.IsLeaf(), "expected branch directory above max_leaf_entries")
	id1 := Fingerprint(d1)

	// Rebuild from scratch; the id must be stable across runs.
	store2 := map[ID]*Directory{}
	put2 := func(o Object) ID {
		id := Fingerprint(o)
		store2[id] = o.(*Directory)
		return id
	}
	var entries2 []DirectoryEntry
	for _, n := range names {
		entries2 = append(entries2, DirectoryEntry{Name: n, Artifact: NewID(KindFile, []byte(n))})
	}
	d2 := BuildDirectory(entries2, DirectoryLimits{MaxLeafEntries: 4, MaxBranchChildren: 2}, put2)
	require.Equal(t, id1, Fingerprint(d2))

	// Checkout must reproduce the exact six files via Lookup.
	for _, n := range names {
		id, ok, err := Lookup(d1, n, get)
		require.NoError(t, err)
		require.True(t, ok, "missing entry %q", n)
		require.Equal(t, NewID(KindFile, []byte(n)), id)
	}
}

func TestNoDirectCycle(t *testing.T) {
	a := NewID(KindFile, []byte("a"))
	b := NewID(KindFile, []byte("b"))
	objs := map[ID]Object{
		a: &File{Contents: b},
		b: &File{Contents: a},
	}
	resolve := func(id ID) (Object, bool) { o, ok := objs[id]; return o, ok }
	require.True(t, HasCycle(a, resolve))
}

func TestSharedChildUnderTwoKeysIsNotACycle(t *testing.T) {
	// A sibling object shared under two keys ({a: x, b: x}) must
	// succeed — this is not a cycle, just a diamond.
	x := NewID(KindFile, []byte("x"))
	dirID := NewID(KindDirectory, []byte("dir"))
	objs := map[ID]Object{
		x: &File{},
		dirID: &Directory{Entries: []DirectoryEntry{
			{Name: "a", Artifact: x},
			{Name: "b", Artifact: x},
		}},
	}
	resolve := func(id ID) (Object, bool) { o, ok := objs[id]; return o, ok }
	require.False(t, HasCycle(dirID, resolve))
}
