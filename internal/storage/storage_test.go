package storage_test

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/testutil"
	"github.com/ashita-ai/tasuki/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("skipping integration test: no database")
	}
}

// createTestUser inserts a user row so tasks can reference it.
func createTestUser(t *testing.T) model.User {
	t.Helper()
	user, err := testDB.CreateUser(t.Context(), model.User{
		Username: "user-" + uuid.NewString()[:8],
		Role:     model.RoleUser,
	})
	require.NoError(t, err)
	return user
}

func TestSaveTaskInsertAndUpdate(t *testing.T) {
	requireDB(t)
	user := createTestUser(t)

	task := model.Task{
		ID:       uuid.New(),
		UserID:   user.ID,
		Title:    "initial",
		Status:   model.StatusTodo,
		Priority: model.PriorityMedium,
	}
	saved, err := testDB.SaveTask(t.Context(), task)
	require.NoError(t, err)
	require.False(t, saved.UpdatedAt.IsZero())

	// Upsert path: same id, changed fields.
	conf := 0.85
	saved.Title = "renamed"
	saved.Status = model.StatusInProgress
	saved.ConfidenceScore = &conf
	saved.ReasoningLog = []model.StepRecord{{Action: "analyze", Reasoning: "looked at inputs"}}
	updated, err := testDB.SaveTask(t.Context(), saved)
	require.NoError(t, err)

	got, err := testDB.GetTask(t.Context(), user.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, model.StatusInProgress, got.Status)
	require.NotNil(t, got.ConfidenceScore)
	assert.InDelta(t, 0.85, *got.ConfidenceScore, 1e-9)
	require.Len(t, got.ReasoningLog, 1)
	assert.Equal(t, "analyze", got.ReasoningLog[0].Action)
	assert.False(t, updated.UpdatedAt.Before(saved.CreatedAt))
}

func TestSaveTaskCrossOwnerCollision(t *testing.T) {
	requireDB(t)
	owner := createTestUser(t)
	attacker := createTestUser(t)

	task := model.Task{
		ID:       uuid.New(),
		UserID:   owner.ID,
		Title:    "mine",
		Status:   model.StatusTodo,
		Priority: model.PriorityMedium,
	}
	_, err := testDB.SaveTask(t.Context(), task)
	require.NoError(t, err)

	// Same task id under another owner must not overwrite the row.
	task.UserID = attacker.ID
	task.Title = "hijacked"
	_, err = testDB.SaveTask(t.Context(), task)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := testDB.GetTask(t.Context(), owner.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
}

func TestGetTaskScopedToOwner(t *testing.T) {
	requireDB(t)
	owner := createTestUser(t)
	other := createTestUser(t)

	task := model.Task{
		ID:       uuid.New(),
		UserID:   owner.ID,
		Title:    "private",
		Status:   model.StatusTodo,
		Priority: model.PriorityLow,
	}
	_, err := testDB.SaveTask(t.Context(), task)
	require.NoError(t, err)

	_, err = testDB.GetTask(t.Context(), other.ID, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.GetTask(t.Context(), owner.ID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	requireDB(t)
	owner := createTestUser(t)
	other := createTestUser(t)

	task := model.Task{
		ID:       uuid.New(),
		UserID:   owner.ID,
		Title:    "doomed",
		Status:   model.StatusTodo,
		Priority: model.PriorityMedium,
	}
	_, err := testDB.SaveTask(t.Context(), task)
	require.NoError(t, err)

	assert.ErrorIs(t, testDB.DeleteTask(t.Context(), other.ID, task.ID), storage.ErrNotFound)
	require.NoError(t, testDB.DeleteTask(t.Context(), owner.ID, task.ID))
	assert.ErrorIs(t, testDB.DeleteTask(t.Context(), owner.ID, task.ID), storage.ErrNotFound)
}

func TestListTasksByOwnerFilters(t *testing.T) {
	requireDB(t)
	user := createTestUser(t)
	agent := "scout"

	mk := func(status model.TaskStatus, priority model.TaskPriority, agentID *string) model.Task {
		task := model.Task{
			ID:       uuid.New(),
			UserID:   user.ID,
			Title:    "t",
			Status:   status,
			Priority: priority,
			AgentID:  agentID,
		}
		saved, err := testDB.SaveTask(t.Context(), task)
		require.NoError(t, err)
		return saved
	}

	inProgress := mk(model.StatusInProgress, model.PriorityHigh, &agent)
	mk(model.StatusTodo, model.PriorityMedium, nil)
	mk(model.StatusDone, model.PriorityHigh, nil)

	all, err := testDB.ListTasksByOwner(t.Context(), user.ID, model.TaskListFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	status := model.StatusInProgress
	byStatus, err := testDB.ListTasksByOwner(t.Context(), user.ID, model.TaskListFilters{Status: &status})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, inProgress.ID, byStatus[0].ID)

	byAgent, err := testDB.ListTasksByOwner(t.Context(), user.ID, model.TaskListFilters{AgentID: &agent})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)

	priority := model.PriorityHigh
	byPriority, err := testDB.ListTasksByOwner(t.Context(), user.ID, model.TaskListFilters{Priority: &priority})
	require.NoError(t, err)
	assert.Len(t, byPriority, 2)
}

func TestUserRoundTrip(t *testing.T) {
	requireDB(t)

	hash := "argon2id-hash"
	created, err := testDB.CreateUser(t.Context(), model.User{
		Username:   "roundtrip-" + uuid.NewString()[:8],
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	})
	require.NoError(t, err)

	got, err := testDB.GetUserByUsername(t.Context(), created.Username)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.RoleAdmin, got.Role)
	require.NotNil(t, got.APIKeyHash)
	assert.Equal(t, hash, *got.APIKeyHash)

	_, err = testDB.GetUserByUsername(t.Context(), "nobody-here")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := testDB.CountUsers(t.Context())
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	requireDB(t)
	// Running the migration set a second time must be a no-op.
	require.NoError(t, testDB.RunMigrations(t.Context(), migrations.FS))
}
