package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duewatch/internal/engine"
	"duewatch/internal/jobqueue"
	logx "duewatch/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "duewatch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestItemRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	due := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	item := engine.WorkItem{
		ID:                   "t1",
		Kind:                 engine.KindTask,
		Title:                "Write report",
		ProjectID:            "p1",
		RecipientID:          "r1",
		CreatedAt:            time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		DueAt:                &due,
		PercentComplete:      40,
		EstimatedEffortHours: 6,
		Status:               engine.StatusInProgress,
		SubtaskCount:         2,
	}
	require.NoError(t, st.PutItem(ctx, item))

	got, err := st.GetItem(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, item.Kind, got.Kind)
	assert.Equal(t, item.Status, got.Status)
	assert.Equal(t, item.PercentComplete, got.PercentComplete)
	assert.Equal(t, item.SubtaskCount, got.SubtaskCount)
	require.NotNil(t, got.DueAt)
	assert.True(t, got.DueAt.Equal(due))

	_, err = st.GetItem(ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestActiveItemsForRecipient(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	due := time.Now().UTC().Add(48 * time.Hour)

	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "active", Title: "a", RecipientID: "r1", DueAt: &due, Status: engine.StatusInProgress}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "done", Title: "b", RecipientID: "r1", DueAt: &due, Status: engine.StatusCompleted}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "nodue", Title: "c", RecipientID: "r1", Status: engine.StatusPending}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "other", Title: "d", RecipientID: "r2", DueAt: &due, Status: engine.StatusPending}))

	items, err := st.ActiveItemsForRecipient(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "active", items[0].ID)
}

func TestActiveItemsDueWithin(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(3 * 24 * time.Hour)
	far := time.Now().UTC().Add(30 * 24 * time.Hour)
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "p-soon", Kind: engine.KindProject, Title: "a", DueAt: &soon, Status: engine.StatusInProgress}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "p-far", Kind: engine.KindProject, Title: "b", DueAt: &far, Status: engine.StatusInProgress}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "p-past", Kind: engine.KindProject, Title: "c", DueAt: &past, Status: engine.StatusInProgress}))
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "task", Kind: engine.KindTask, Title: "d", DueAt: &soon, Status: engine.StatusInProgress}))

	items, err := st.ActiveItemsDueWithin(ctx, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p-soon", items[0].ID)
}

func TestApplyProgressTransitions(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "t1", Title: "x", Status: engine.StatusPending}))

	got, err := st.ApplyProgress(ctx, "t1", 30)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInProgress, got.Status)
	assert.Equal(t, 30, got.PercentComplete)
	assert.False(t, got.LastProgressUpdateAt.IsZero())

	got, err = st.ApplyProgress(ctx, "t1", 250)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.PercentComplete)

	got, err = st.ApplyProgress(ctx, "t1", -5)
	require.NoError(t, err)
	assert.Equal(t, 0, got.PercentComplete)
	// Regressing progress does not resurrect a completed item.
	assert.Equal(t, engine.StatusCompleted, got.Status)

	_, err = st.ApplyProgress(ctx, "missing", 10)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestSetDeadline(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, engine.WorkItem{ID: "t1", Title: "x"}))

	due := time.Now().UTC().Add(72 * time.Hour)
	require.NoError(t, st.SetDeadline(ctx, "t1", &due))
	got, err := st.GetItem(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.DueAt)

	require.NoError(t, st.SetDeadline(ctx, "t1", nil))
	got, err = st.GetItem(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.DueAt)

	err = st.SetDeadline(ctx, "missing", &due)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestRecipientsAndMembership(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	r1 := engine.Recipient{ID: "r1", Name: "Ann", Email: "ann@example.com", EmailEnabled: true, InAppEnabled: true, ReminderLeadHours: 4}
	r2 := engine.Recipient{ID: "r2", Name: "Ben", InAppEnabled: true}
	require.NoError(t, st.PutRecipient(ctx, r1))
	require.NoError(t, st.PutRecipient(ctx, r2))

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r1, got)

	all, err := st.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st.AddProjectMember(ctx, "p1", "r1"))
	require.NoError(t, st.AddProjectMember(ctx, "p1", "r2"))
	// Adding twice is a no-op.
	require.NoError(t, st.AddProjectMember(ctx, "p1", "r1"))

	members, err := st.MembersOfProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, st.RemoveProjectMember(ctx, "p1", "r2"))
	members, err = st.MembersOfProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "r1", members[0].ID)
}

func TestNotificationsAndRecentMatching(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.Create(ctx, engine.NotificationRecord{
		ID:          "n1",
		RecipientID: "r1",
		WorkItemID:  "t1",
		Message:     "WARNING: Task 'Write report' may miss its deadline based on current progress.",
		CreatedAt:   now.Add(-time.Hour),
	}))

	ok, err := st.RecentMatching(ctx, "r1", "Task 'Write report'", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	// Outside the window.
	ok, err = st.RecentMatching(ctx, "r1", "Task 'Write report'", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// Different recipient.
	ok, err = st.RecentMatching(ctx, "r2", "Task 'Write report'", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	// Percent signs in titles are matched literally.
	require.NoError(t, st.Create(ctx, engine.NotificationRecord{
		ID:          "n2",
		RecipientID: "r1",
		Message:     "WARNING: Task '50% done' may miss its deadline based on current progress.",
		CreatedAt:   now,
	}))
	ok, err = st.RecentMatching(ctx, "r1", "Task '50% done'", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.RecentMatching(ctx, "r1", "Task '50x done'", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := st.ListNotifications(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n2", list[0].ID)

	pruned, err := st.PruneNotifications(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}

func TestQueueJobs(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	fire := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.UpsertJob(ctx, jobqueue.Job{Key: "k1", FireAt: fire, Payload: []byte("a")}))
	require.NoError(t, st.UpsertJob(ctx, jobqueue.Job{Key: "k2", FireAt: fire.Add(time.Hour), Payload: []byte("b")}))
	// Replacing by key.
	require.NoError(t, st.UpsertJob(ctx, jobqueue.Job{Key: "k1", FireAt: fire.Add(2 * time.Hour), Payload: []byte("c")}))

	jobs, err := st.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "k2", jobs[0].Key)
	assert.Equal(t, []byte("c"), jobs[1].Payload)

	require.NoError(t, st.DeleteJob(ctx, "k2"))
	require.NoError(t, st.DeleteJob(ctx, "ghost"))
	jobs, err = st.PendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "k1", jobs[0].Key)
}
