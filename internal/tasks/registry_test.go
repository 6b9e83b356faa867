package tasks

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-audit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// assertStatus asserts task status
func assertStatus(t *testing.T, r *Registry, taskID string, want types.TaskStatus) {
	t.Helper()
	task, ok := r.Get(taskID)
	if !ok {
		t.Errorf("task %s not found", taskID)
		return
	}
	if task.Status != want {
		t.Errorf("task %s status: got %s, want %s", taskID, task.Status, want)
	}
}

// fixedClock returns the same instant on every call
func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestStart(t *testing.T) {
	r := NewRegistry()
	id := r.Start(types.FamilyReviews, "biz-1", "Joe's Pizza")

	task, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.Equal(t, types.FamilyReviews, task.Family)
	assert.Equal(t, types.SubjectID("biz-1"), task.SubjectID)
	assert.Equal(t, "Joe's Pizza", task.SubjectLabel)
	assert.Nil(t, task.CompletedAt)
	assert.Contains(t, id, "reviews-biz-1-")
}

func TestStart_RapidStartsGetDistinctIDs(t *testing.T) {
	// A frozen clock is the worst case for timestamp-derived ids.
	r := NewRegistry(withClock(fixedClock()))

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.Start(types.FamilyScrape, "biz-1", "")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, r.List(), 100)
}

func TestStart_ConcurrentSubjects(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	ids := make([]string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Start(types.FamilyRankCheck, types.SubjectID(fmt.Sprintf("biz-%d", i)), "")
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.List(), 50)
	for i, id := range ids {
		task, ok := r.Get(id)
		require.True(t, ok)
		assert.Equal(t, types.SubjectID(fmt.Sprintf("biz-%d", i)), task.SubjectID)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		act     func(r *Registry, id string) error
		want    types.TaskStatus
		wantErr string
	}{
		{
			name: "complete",
			act:  func(r *Registry, id string) error { return r.Complete(id) },
			want: types.TaskCompleted,
		},
		{
			name:    "fail",
			act:     func(r *Registry, id string) error { return r.Fail(id, "No results found") },
			want:    types.TaskFailed,
			wantErr: "No results found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			id := r.Start(types.FamilyReviews, "biz-1", "")
			require.NoError(t, tt.act(r, id))

			assertStatus(t, r, id, tt.want)
			task, _ := r.Get(id)
			assert.NotNil(t, task.CompletedAt)
			assert.Equal(t, tt.wantErr, task.Error)

			// Terminal tasks accept no further transitions.
			assert.True(t, errors.Is(r.Complete(id), ErrNotRunning))
			assert.True(t, errors.Is(r.Fail(id, "x"), ErrNotRunning))
		})
	}
}

func TestUnknownTask(t *testing.T) {
	r := NewRegistry()
	assert.True(t, errors.Is(r.Complete("nope"), ErrTaskNotFound))
	assert.True(t, errors.Is(r.Fail("nope", "x"), ErrTaskNotFound))
}

func TestCompletedTaskIsPruned(t *testing.T) {
	r := NewRegistry(WithPruneDelay(20 * time.Millisecond))
	done := r.Start(types.FamilyReviews, "biz-1", "")
	failed := r.Start(types.FamilyScrape, "biz-1", "")

	require.NoError(t, r.Complete(done))
	require.NoError(t, r.Fail(failed, "page unreachable"))

	_, ok := r.Get(done)
	assert.True(t, ok, "completed task is visible before the prune delay")

	assert.Eventually(t, func() bool {
		_, ok := r.Get(done)
		return !ok
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assertStatus(t, r, failed, types.TaskFailed)
}

func TestClearCompleted(t *testing.T) {
	r := NewRegistry(WithPruneDelay(time.Hour))
	running := r.Start(types.FamilyReviews, "biz-1", "")
	done := r.Start(types.FamilyReviews, "biz-2", "")
	failed := r.Start(types.FamilyScrape, "biz-3", "")
	require.NoError(t, r.Complete(done))
	require.NoError(t, r.Fail(failed, "boom"))

	assert.Equal(t, 2, r.ClearCompleted())

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, running, list[0].ID)
}

func TestClearSubject(t *testing.T) {
	r := NewRegistry()
	a1 := r.Start(types.FamilyReviews, "a", "")
	a2 := r.Start(types.FamilyScrape, "a", "")
	b1 := r.Start(types.FamilyScrape, "b", "")
	require.NoError(t, r.Fail(a1, "x"))
	require.NoError(t, r.Fail(b1, "y"))

	assert.Equal(t, 1, r.ClearSubject("a"))

	_, ok := r.Get(a1)
	assert.False(t, ok)
	assertStatus(t, r, a2, types.TaskRunning)
	assertStatus(t, r, b1, types.TaskFailed)
	assert.Len(t, r.ListBySubject("a"), 1)
}

func TestListIsACopy(t *testing.T) {
	r := NewRegistry()
	id := r.Start(types.FamilyReviews, "biz-1", "")

	list := r.List()
	list[0].Status = types.TaskFailed

	assertStatus(t, r, id, types.TaskRunning)
}

func TestStats(t *testing.T) {
	r := NewRegistry(WithPruneDelay(time.Hour))
	r.Start(types.FamilyReviews, "a", "")
	require.NoError(t, r.Complete(r.Start(types.FamilyReviews, "b", "")))
	require.NoError(t, r.Fail(r.Start(types.FamilyReviews, "c", ""), "x"))

	assert.Equal(t, map[string]int{"running": 1, "completed": 1, "failed": 1}, r.Stats())
}

type recordingListener struct {
	mu       sync.Mutex
	started  []string
	finished []types.TaskStatus
}

func (l *recordingListener) TaskStarted(task types.BackgroundTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, task.ID)
}

func (l *recordingListener) TaskFinished(task types.BackgroundTask) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, task.Status)
}

func TestListener(t *testing.T) {
	l := &recordingListener{}
	r := NewRegistry(WithListener(l))

	id := r.Start(types.FamilyReviews, "a", "")
	require.NoError(t, r.Fail(id, "x"))

	assert.Equal(t, []string{id}, l.started)
	assert.Equal(t, []types.TaskStatus{types.TaskFailed}, l.finished)
}
