package process_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/process"
	"github.com/tangramdotdev/tangram/internal/terror"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := dbpkg.Open(context.Background(), dbpkg.BackendSQLite, "file:"+t.TempDir()+"/test.db?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func fixedClock(ms int64) func() int64 { return func() int64 { return ms } }

func TestSpawnRootProcessIssuesToken(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	cmd := &process.Command{Host: "js", Executable: "/bin/echo", Args: []string{"hi"}}
	id, token, err := e.Spawn(ctx, cmd, process.SpawnOptions{Cacheable: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)

	p, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, process.StatusEnqueued, p.Status)
	require.EqualValues(t, 1, p.TokenCount, "the spawn caller's token must be counted on the row")
}

func TestSpawnReusesCachedFinishedProcess(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	cmd := &process.Command{Host: "js", Executable: "/bin/echo", Args: []string{"hi"}}
	firstID, _, err := e.Spawn(ctx, cmd, process.SpawnOptions{Cacheable: true})
	require.NoError(t, err)
	require.NoError(t, e.Finish(ctx, firstID, process.Result{ExitCode: 0, OutputID: "out1"}))

	secondID, secondToken, err := e.Spawn(ctx, cmd, process.SpawnOptions{Cacheable: true})
	require.NoError(t, err)
	require.Equal(t, firstID, secondID, "an identical cacheable command must reuse the finished process")
	require.NotEmpty(t, secondToken)
}

func TestAddChildRejectsCycle(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	parentID, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/parent"}, process.SpawnOptions{})
	require.NoError(t, err)
	childID, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/child"}, process.SpawnOptions{Parent: parentID})
	require.NoError(t, err)

	_, err = e.AddChild(ctx, childID, parentID, process.ChildOptions{})
	require.Error(t, err)
	require.Equal(t, terror.Cycle, terror.KindOf(err))
}

func TestAddChildRejectsSelfLoop(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	id, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/a"}, process.SpawnOptions{})
	require.NoError(t, err)

	_, err = e.AddChild(ctx, id, id, process.ChildOptions{})
	require.Error(t, err)
	require.Equal(t, terror.Cycle, terror.KindOf(err))
}

func TestDropLastTokenCancelsProcess(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	cmd := &process.Command{Host: "js", Executable: "/bin/sleep"}
	id, token, err := e.Spawn(ctx, cmd, process.SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, e.DropToken(ctx, token))
	p, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, process.StatusFinished, p.Status)
	require.Equal(t, string(terror.Cancelled), p.ErrorKind)
	require.Zero(t, p.TokenCount)
}

func TestRetryRespawnsWithParentLinkage(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	parentID, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/parent"}, process.SpawnOptions{})
	require.NoError(t, err)
	childID, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/flaky"}, process.SpawnOptions{
		Parent: parentID,
		Retry:  true,
	})
	require.NoError(t, err)
	require.NoError(t, e.Finish(ctx, childID, process.Result{
		Err: terror.New(terror.IO, "sandbox scratch disk went away"),
	}))

	newID, token, err := e.Retry(ctx, childID)
	require.NoError(t, err)
	require.NotEqual(t, childID, newID, "a retry must be a new process, not a mutation of the failed one")
	require.NotEmpty(t, token)

	p, err := e.Get(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, process.StatusEnqueued, p.Status)
	require.True(t, p.Retry)

	var linked int
	require.NoError(t, sqlDB.QueryRow(`
		SELECT COUNT(*) FROM process_children WHERE parent = ? AND child = ?
	`, parentID, newID).Scan(&linked))
	require.Equal(t, 1, linked, "the retry must inherit the failed process's parent linkage")
}

func TestRetryRejectsNonRetryableFailure(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	id, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/a"}, process.SpawnOptions{Retry: true})
	require.NoError(t, err)
	require.NoError(t, e.Finish(ctx, id, process.Result{
		Err: terror.New(terror.Cycle, "process graph cycle"),
	}))

	_, _, err = e.Retry(ctx, id)
	require.Error(t, err)
}

func TestRetryRequiresRetryFlag(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	id, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/a"}, process.SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Finish(ctx, id, process.Result{
		Err: terror.New(terror.IO, "transient failure"),
	}))

	_, _, err = e.Retry(ctx, id)
	require.Error(t, err)
}

func TestDequeueClaimsOldestEnqueued(t *testing.T) {
	sqlDB := openTestDB(t)
	ctx := context.Background()
	e := process.New(sqlDB, fixedClock(1000))

	id, _, err := e.Spawn(ctx, &process.Command{Host: "js", Executable: "/bin/a"}, process.SpawnOptions{})
	require.NoError(t, err)

	p, err := e.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, id, p.ID)
	require.Equal(t, process.StatusStarted, p.Status)

	again, err := e.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, again, "a started process must not be dequeued twice")
}
