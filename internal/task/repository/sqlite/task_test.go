package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camdev/cam/internal/task/models"
	"github.com/camdev/cam/internal/task/repository"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New("sqlite3", filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTask(userID string, status models.Status) *models.Task {
	return &models.Task{
		UserID:      userID,
		Title:       "implement feature",
		Description: "do the thing",
		AgentID:     "claude-code",
		Status:      status,
		Source:      models.SourceTerminal,
	}
}

func TestInsertAndGetTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("u1", models.StatusRunning)
	require.NoError(t, repo.InsertTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, models.SourceTerminal, got.Source)

	exists, err := repo.TaskExists(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.TaskExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPromoteToRunning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("u1", models.StatusDraft)
	require.NoError(t, repo.InsertTask(ctx, task))

	rows, err := repo.PromoteToRunning(ctx, task.ID, models.PendingStatuses)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	// Second promotion misses its precondition: zero rows, no error.
	rows, err = repo.PromoteToRunning(ctx, task.ID, models.PendingStatuses)
	require.NoError(t, err)
	assert.Zero(t, rows)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestUpdateStatusConditionalRace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("u1", models.StatusRunning)
	require.NoError(t, repo.InsertTask(ctx, task))

	now := time.Now().UTC()
	rows, err := repo.UpdateStatusConditional(ctx, task.ID, models.StatusCompleted, []models.Status{models.StatusRunning}, &now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	// A racing cancel loses: the success transition already happened.
	rows, err = repo.UpdateStatusConditional(ctx, task.ID, models.StatusCancelled, []models.Status{models.StatusRunning}, &now)
	require.NoError(t, err)
	assert.Zero(t, rows)

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestInsertTasksTxRollsBackTogether(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	good := newTask("u1", models.StatusRunning)
	dup := newTask("u1", models.StatusDraft)
	require.NoError(t, repo.InsertTask(ctx, dup))

	// Reusing an existing id forces the bulk insert to fail wholesale.
	clash := newTask("u1", models.StatusDraft)
	clash.ID = dup.ID

	err := repo.InsertTasksTx(ctx, []*models.Task{good, clash})
	require.Error(t, err)

	exists, err := repo.TaskExists(ctx, good.ID)
	require.NoError(t, err)
	assert.False(t, exists, "no row from a failed bulk insert may survive")
}

func TestInsertLogLinesOrderAndFK(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("u1", models.StatusRunning)
	require.NoError(t, repo.InsertTask(ctx, task))

	lines := []*models.TaskLogLine{
		{TaskID: task.ID, Line: "first"},
		{TaskID: task.ID, Line: "second"},
		{TaskID: task.ID, Line: "third"},
	}
	require.NoError(t, repo.InsertLogLines(ctx, lines))
	require.NoError(t, repo.InsertLogLines(ctx, nil))

	got, err := repo.GetLogLines(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Line)
	assert.Equal(t, "second", got[1].Line)
	assert.Equal(t, "third", got[2].Line)

	err = repo.InsertLogLines(ctx, []*models.TaskLogLine{{TaskID: "gone", Line: "orphan"}})
	assert.ErrorIs(t, err, repository.ErrForeignKey)
}

func TestListTasksByGroup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := newTask("u1", models.StatusRunning)
	a.GroupID = "pipe-1"
	b := newTask("u1", models.StatusDraft)
	b.GroupID = "pipe-1"
	other := newTask("u1", models.StatusDraft)
	require.NoError(t, repo.InsertTasksTx(ctx, []*models.Task{a, b, other}))

	got, err := repo.ListTasksByGroup(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
