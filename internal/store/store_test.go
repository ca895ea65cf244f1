package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/momentum-sync/internal/errors"
	"github.com/alexjbarnes/momentum-sync/internal/reconcile"
	"github.com/alexjbarnes/momentum-sync/internal/record"
)

var storeNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.now = func() time.Time { return storeNow }

	return s
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "records.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSaveUser_GetUser_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	u := User{Name: "alice", PasswordHash: "$2a$10$hash", CreatedAt: storeNow}
	require.NoError(t, s.SaveUser(u))

	got, err := s.GetUser("alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u, *got)
}

func TestGetUser_Unknown_ReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetUser("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTasks_EmptyOwner(t *testing.T) {
	s := openTestStore(t)

	tasks, err := s.GetTasks("alice")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestApplyMerge_CreatesAndAssignsIDs(t *testing.T) {
	s := openTestStore(t)

	incoming := reconcile.Batch{
		Tasks: []record.Task{
			{Title: "A", CreatedAt: storeNow.Add(-time.Hour)},
			{Title: "B", CreatedAt: storeNow.Add(-2 * time.Hour)},
		},
		Sessions: []record.Session{
			{DurationMinutes: 25, Timestamp: storeNow.Add(-30 * time.Minute)},
		},
	}

	res, err := s.ApplyMerge("alice", incoming)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, 3, res.Created)

	for _, tk := range res.Tasks {
		assert.True(t, tk.ID.Assigned())
		assert.Equal(t, "alice", tk.Owner)
	}

	assert.True(t, res.Sessions[0].ID.Assigned())

	// Persisted state matches the returned result.
	stored, err := s.GetTasks("alice")
	require.NoError(t, err)
	assert.Equal(t, res.Tasks, stored)
}

func TestApplyMerge_SecondSyncIsStable(t *testing.T) {
	s := openTestStore(t)

	incoming := reconcile.Batch{
		Sessions: []record.Session{{DurationMinutes: 25, Timestamp: storeNow.Add(-time.Hour)}},
	}

	first, err := s.ApplyMerge("alice", incoming)
	require.NoError(t, err)
	require.Len(t, first.Sessions, 1)

	// Re-submitting the now-identified canonical list changes nothing.
	second, err := s.ApplyMerge("alice", reconcile.Batch{Sessions: first.Sessions})
	require.NoError(t, err)
	assert.Equal(t, first.Sessions, second.Sessions)
	assert.Equal(t, 0, second.Created)
}

func TestApplyMerge_OfflineResubmit_NoDuplicate(t *testing.T) {
	s := openTestStore(t)

	created := storeNow.Add(-time.Hour)
	first, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Buy milk", CreatedAt: created}},
	})
	require.NoError(t, err)
	require.Len(t, first.Tasks, 1)

	// The same record again, still without its server id, now completed.
	second, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Buy milk", Completed: true, CreatedAt: created}},
	})
	require.NoError(t, err)
	require.Len(t, second.Tasks, 1)
	assert.Equal(t, first.Tasks[0].ID, second.Tasks[0].ID)
	assert.True(t, second.Tasks[0].Completed)
}

func TestApplyMerge_CollectsErrorsWithoutAborting(t *testing.T) {
	s := openTestStore(t)

	res, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{
			{Title: "Good", CreatedAt: storeNow},
			{ID: "ghost", Title: "Phantom", CreatedAt: storeNow},
		},
		Sessions: []record.Session{{DurationMinutes: 0, Timestamp: storeNow}},
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Empty(t, res.Sessions)
	require.Len(t, res.Errors, 2)
}

// Two reconciliations racing for the same owner must not lose either
// record. Update transactions serialize, so each merge sees the other's
// committed result.
func TestApplyMerge_ConcurrentMerges_BothRecordsSurvive(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup

	batches := []reconcile.Batch{
		{Tasks: []record.Task{{Title: "From device A", CreatedAt: storeNow.Add(-time.Hour)}}},
		{Tasks: []record.Task{{Title: "From device B", CreatedAt: storeNow.Add(-2 * time.Hour)}}},
	}

	errs := make([]error, len(batches))

	for i, batch := range batches {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = s.ApplyMerge("alice", batch)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	tasks, err := s.GetTasks("alice")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestReplaceTasks_DiscardsExistingRecords(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{
			{Title: "Old A", CreatedAt: storeNow.Add(-time.Hour)},
			{Title: "Old B", CreatedAt: storeNow.Add(-2 * time.Hour)},
		},
	})
	require.NoError(t, err)

	replaced, rejected, err := s.ReplaceTasks("alice", []record.Task{
		{Title: "Only survivor", CreatedAt: storeNow},
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, replaced, 1)
	assert.True(t, replaced[0].ID.Assigned())

	stored, err := s.GetTasks("alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Only survivor", stored[0].Title)
}

func TestReplaceTasks_EmptyList_ClearsOwner(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Doomed", CreatedAt: storeNow}},
	})
	require.NoError(t, err)

	replaced, rejected, err := s.ReplaceTasks("alice", nil)
	require.NoError(t, err)
	assert.Empty(t, replaced)
	assert.Empty(t, rejected)

	stored, err := s.GetTasks("alice")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReplaceTasks_DoesNotTouchOtherOwners(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ApplyMerge("bob", reconcile.Batch{
		Tasks: []record.Task{{Title: "Bob's task", CreatedAt: storeNow}},
	})
	require.NoError(t, err)

	_, _, err = s.ReplaceTasks("alice", nil)
	require.NoError(t, err)

	bobs, err := s.GetTasks("bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 1)
}

func TestCreateSession_AssignsIdentityAndDefaults(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("alice", record.Session{DurationMinutes: 25})
	require.NoError(t, err)
	assert.True(t, sess.ID.Assigned())
	assert.Equal(t, "alice", sess.Owner)
	assert.Equal(t, storeNow, sess.Timestamp)

	stored, err := s.GetSessions("alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, sess, stored[0])
}

func TestCreateSession_RejectsInvalid(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSession("alice", record.Session{DurationMinutes: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord, "validation failures carry the sentinel so handlers can tell them from storage errors")
}

func TestUpdateTask_MutableFieldsOnly(t *testing.T) {
	s := openTestStore(t)

	created := storeNow.Add(-time.Hour)
	res, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Before", CreatedAt: created}},
	})
	require.NoError(t, err)
	id := res.Tasks[0].ID

	updated, err := s.UpdateTask("alice", record.Task{
		ID:               id,
		Title:            "After",
		Completed:        true,
		EstimatedMinutes: 30,
		CreatedAt:        storeNow, // must be ignored
	})
	require.NoError(t, err)
	assert.Equal(t, "After", updated.Title)
	assert.True(t, updated.Completed)
	assert.Equal(t, 30, updated.EstimatedMinutes)
	assert.Equal(t, created, updated.CreatedAt)
}

func TestUpdateTask_InvalidFields(t *testing.T) {
	s := openTestStore(t)

	res, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Fine", CreatedAt: storeNow}},
	})
	require.NoError(t, err)

	_, err = s.UpdateTask("alice", record.Task{
		ID:               res.Tasks[0].ID,
		Title:            "Fine",
		EstimatedMinutes: -1,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRecord)
}

func TestUpdateTask_UnknownID(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpdateTask("alice", record.Task{ID: "missing", Title: "X"})
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)
}

func TestDeleteTask(t *testing.T) {
	s := openTestStore(t)

	res, err := s.ApplyMerge("alice", reconcile.Batch{
		Tasks: []record.Task{{Title: "Doomed", CreatedAt: storeNow}},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask("alice", res.Tasks[0].ID))

	tasks, err := s.GetTasks("alice")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.ErrorIs(t, s.DeleteTask("alice", res.Tasks[0].ID), apperrors.ErrRecordNotFound)
}
