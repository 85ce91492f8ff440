package watchdog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"forgeline/internal/watchdog"
)

type memStore struct {
	mu        sync.Mutex
	deadlines map[string]watchdog.Pending
}

func newMemStore() *memStore {
	return &memStore{deadlines: map[string]watchdog.Pending{}}
}

func (s *memStore) SetDeadline(_ context.Context, runID string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[runID] = watchdog.Pending{RunID: runID, At: at, Reason: reason}
	return nil
}

func (s *memStore) ClearDeadline(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, runID)
	return nil
}

func (s *memStore) Pending(_ context.Context, dueBy time.Time) ([]watchdog.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []watchdog.Pending
	for _, p := range s.deadlines {
		if dueBy.IsZero() || !p.At.After(dueBy) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) has(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deadlines[runID]
	return ok
}

// recorder applies decisions by clearing the deadline, like the engine does.
type recorder struct {
	mu    sync.Mutex
	calls []string
	store *memStore
}

func (r *recorder) AutoDecide(ctx context.Context, runID, reason string) error {
	r.mu.Lock()
	r.calls = append(r.calls, runID+":"+reason)
	r.mu.Unlock()
	return r.store.ClearDeadline(ctx, runID)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newWatchdog(t *testing.T, delay time.Duration) (*watchdog.Watchdog, *memStore, *recorder) {
	store := newMemStore()
	rec := &recorder{store: store}
	w := watchdog.New(store, rec, watchdog.Options{Delay: delay, Logger: zaptest.NewLogger(t)})
	t.Cleanup(w.Stop)
	return w, store, rec
}

func TestScheduleFiresOnce(t *testing.T) {
	w, store, rec := newWatchdog(t, 20*time.Millisecond)
	_, err := w.Schedule(context.Background(), "r1", "blocked at BUILD")
	require.NoError(t, err)
	assert.True(t, store.has("r1"))
	assert.True(t, w.Armed("r1"))

	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"r1:blocked at BUILD"}, rec.Calls())
	assert.False(t, w.Armed("r1"))
	assert.False(t, store.has("r1"))
}

func TestRescheduleReplacesPending(t *testing.T) {
	w, _, rec := newWatchdog(t, 40*time.Millisecond)
	ctx := context.Background()
	_, err := w.Schedule(ctx, "r1", "first")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = w.Schedule(ctx, "r1", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{"r1:second"}, rec.Calls())
}

func TestCancelBeforeAndAfterFire(t *testing.T) {
	w, store, rec := newWatchdog(t, 30*time.Millisecond)
	ctx := context.Background()
	_, err := w.Schedule(ctx, "r1", "x")
	require.NoError(t, err)
	require.NoError(t, w.Cancel(ctx, "r1"))
	assert.False(t, store.has("r1"))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.Calls())

	_, err = w.Schedule(ctx, "r2", "y")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Cancel(ctx, "r2"))
	require.NoError(t, w.Cancel(ctx, "never-scheduled"))
	assert.Len(t, rec.Calls(), 1)
}

func TestSweepAppliesDueDeadlines(t *testing.T) {
	store := newMemStore()
	rec := &recorder{store: store}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := watchdog.New(store, rec, watchdog.Options{Delay: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()
	require.NoError(t, store.SetDeadline(ctx, "due", now.Add(-time.Minute), "old"))
	require.NoError(t, store.SetDeadline(ctx, "later", now.Add(time.Minute), "new"))

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"due:old"}, rec.Calls())
	assert.True(t, store.has("later"))
}

func TestRecoverRearmsFutureDeadlines(t *testing.T) {
	store := newMemStore()
	rec := &recorder{store: store}
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SetDeadline(ctx, "overdue", now.Add(-time.Hour), "a"))
	require.NoError(t, store.SetDeadline(ctx, "soon", now.Add(30*time.Millisecond), "b"))
	w := watchdog.New(store, rec, watchdog.Options{Delay: time.Hour})
	defer w.Stop()

	require.NoError(t, w.Recover(ctx))
	assert.Equal(t, []string{"overdue:a"}, rec.Calls())
	assert.True(t, w.Armed("soon"))
	require.Eventually(t, func() bool { return len(rec.Calls()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRunSweepsOnSchedule(t *testing.T) {
	store := newMemStore()
	rec := &recorder{store: store}
	ctx, cancel := context.WithCancel(context.Background())
	w := watchdog.New(store, rec, watchdog.Options{Delay: time.Hour, Logger: zaptest.NewLogger(t)})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, time.Second) }()
	// Written after Recover so only the cron sweep can pick it up.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.SetDeadline(ctx, "r1", time.Now().Add(-time.Second), "stalled"))

	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
	require.Error(t, w.Run(context.Background(), 0))
}
