package store_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := dbpkg.Open(context.Background(), dbpkg.BackendSQLite, "file:"+t.TempDir()+"/test.db?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func newTestStore(t *testing.T, now func() int64) *store.DiskStore {
	t.Helper()
	s, err := store.New(t.TempDir(), openTestDB(t), now)
	require.NoError(t, err)
	return s
}

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func() int64 { return 0 })

	id, err := s.Put(ctx, object.KindLeaf, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, object.KindLeaf, id.Kind())

	// Putting the same bytes twice returns the same id and does not error.
	id2, err := s.Put(ctx, object.KindLeaf, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, id, id2)

	body, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
}

func TestPutWithIDRejectsMismatchedFingerprint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func() int64 { return 0 })

	wrongID := object.NewID(object.KindLeaf, []byte("something else"))
	err := s.PutWithID(ctx, wrongID, object.KindLeaf, []byte("hello"))
	require.Error(t, err)
}

func TestGetMissingObjectReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func() int64 { return 0 })

	missing := object.NewID(object.KindLeaf, []byte("never stored"))
	_, err := s.Get(ctx, missing)
	require.Error(t, err)
}

func TestExistsReflectsPuts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func() int64 { return 0 })

	id := object.NewID(object.KindLeaf, []byte("exists-probe"))
	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Put(ctx, object.KindLeaf, []byte("exists-probe"))
	require.NoError(t, err)

	ok, err = s.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestChildrenReflectsDirectoryEncoding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func() int64 { return 0 })

	leafID, err := s.Put(ctx, object.KindLeaf, []byte("leaf"))
	require.NoError(t, err)

	dir := &object.Directory{Entries: []object.DirectoryEntry{
		{Name: "leaf.txt", Artifact: leafID},
	}}
	body := dir.Encode()

	dirID, err := s.Put(ctx, object.KindDirectory, body)
	require.NoError(t, err)

	children, err := s.Children(ctx, dirID)
	require.NoError(t, err)
	require.Equal(t, []object.ID{leafID}, children)
}

// The cleaner's grace period is compared against touched_at, which is
// stamped in milliseconds by the same now() the store uses: a
// day-long grace period must actually hold back same-day objects.
func TestCleanerHonorsGraceWindowInMilliseconds(t *testing.T) {
	ctx := context.Background()
	var clock int64
	now := func() int64 { return clock }
	s := newTestStore(t, now)

	id, err := s.Put(ctx, object.KindLeaf, []byte("fresh"))
	require.NoError(t, err)

	cleaner := store.NewCleaner(s, 24*time.Hour, now, slog.Default())
	require.NoError(t, cleaner.Sweep(ctx))

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok, "an object touched moments ago must survive a 24h grace sweep")

	// Advance the clock well past the grace window and re-run the sweep.
	clock += (25 * time.Hour).Milliseconds()
	require.NoError(t, cleaner.Sweep(ctx))

	ok, err = s.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "an object older than the grace window with no referrer must be removed")
}

// An object referenced by another object's child edge must survive a
// sweep, however old; once the last referrer is itself collected, the
// released object drains out on a later sweep.
func TestCleanerPreservesReferencedObjects(t *testing.T) {
	ctx := context.Background()
	var clock int64
	now := func() int64 { return clock }
	s := newTestStore(t, now)

	leafID, err := s.Put(ctx, object.KindLeaf, []byte("pinned by a directory"))
	require.NoError(t, err)
	dir := &object.Directory{Entries: []object.DirectoryEntry{
		{Name: "pinned", Artifact: leafID},
	}}
	dirID, err := s.Put(ctx, object.KindDirectory, dir.Encode())
	require.NoError(t, err)

	cleaner := store.NewCleaner(s, 24*time.Hour, now, slog.Default())
	clock += (25 * time.Hour).Milliseconds()
	require.NoError(t, cleaner.Sweep(ctx))

	ok, err := s.Exists(ctx, dirID)
	require.NoError(t, err)
	require.False(t, ok, "the unreferenced directory must be collected")
	ok, err = s.Exists(ctx, leafID)
	require.NoError(t, err)
	require.True(t, ok, "the leaf was still referenced when the sweep ran")

	// The directory's removal released the leaf; a later sweep drains it.
	clock += (25 * time.Hour).Milliseconds()
	require.NoError(t, cleaner.Sweep(ctx))
	ok, err = s.Exists(ctx, leafID)
	require.NoError(t, err)
	require.False(t, ok, "the released leaf must drain on the next sweep")
}

// Re-putting an object must not inflate its children's reference
// counts: the edges already exist, so nothing new is retained.
func TestPutIdempotencyKeepsReferenceCountsStable(t *testing.T) {
	ctx := context.Background()
	sqlDB := openTestDB(t)
	s, err := store.New(t.TempDir(), sqlDB, func() int64 { return 0 })
	require.NoError(t, err)

	leafID, err := s.Put(ctx, object.KindLeaf, []byte("child"))
	require.NoError(t, err)
	dir := &object.Directory{Entries: []object.DirectoryEntry{
		{Name: "child", Artifact: leafID},
	}}
	_, err = s.Put(ctx, object.KindDirectory, dir.Encode())
	require.NoError(t, err)
	_, err = s.Put(ctx, object.KindDirectory, dir.Encode())
	require.NoError(t, err)

	var count int64
	require.NoError(t, sqlDB.QueryRow(`SELECT reference_count FROM objects WHERE id = ?`, string(leafID)).Scan(&count))
	require.EqualValues(t, 1, count)
}
