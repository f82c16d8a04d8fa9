package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/internal/store/snapshot"
	"github.com/kueuedb/kueue/internal/store/wal"
	"github.com/kueuedb/kueue/pkg/types"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, store.Store) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.NewWAL(filepath.Join(dir, "kueue.wal"), 1, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	snap := snapshot.NewManager(filepath.Join(dir, "snapshot.json"))
	st := store.NewMemStore(w, snap)
	return New(st, st, cfg), st
}

func TestPromoteDuePromotesEligibleWaitingJobs(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting, After: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	require.NoError(t, s.PromoteDue(ctx))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusReady, got.Status)
}

func TestPromoteDueSkipsJobsNotYetDue(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting, After: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.PromoteDue(ctx))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, got.Status)
}

func TestPromoteDueSkipsJobsWithUnresolvedDependencies(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{
		Type:    "email",
		Status:  types.StatusWaiting,
		After:   time.Now().Add(-time.Minute),
		Depends: []types.JobID{"some-other-job"},
	})
	require.NoError(t, err)

	require.NoError(t, s.PromoteDue(ctx))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, got.Status)
}

func TestGetWorkDispatchesInTieBreakOrder(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	now := time.Now()
	lowPriority, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusReady, Priority: types.PriorityLow, After: now})
	require.NoError(t, err)
	_ = lowPriority
	criticalID, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusReady, Priority: types.PriorityCritical, After: now})
	require.NoError(t, err)

	dispatched, err := s.GetWork(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	assert.Equal(t, criticalID, dispatched[0].ID)
	assert.Equal(t, types.StatusRunning, dispatched[0].Status)
	assert.NotEmpty(t, dispatched[0].RunID)
}

func TestGetWorkReturnsNilWhenStopped(t *testing.T) {
	s, _ := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	require.NoError(t, s.Stop(context.Background(), 0))

	dispatched, err := s.GetWork(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Nil(t, dispatched)
}

func TestStartRecoversJobsLeftRunningFromUncleanShutdown(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusRunning, RunID: "stale-run"})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx, 0)

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Empty(t, got.RunID)
}

func TestStopForceFailsStillRunningJobsAfterTimeout(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusReady, After: time.Now()})
	require.NoError(t, err)
	dispatched, err := s.GetWork(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)

	require.NoError(t, s.Stop(ctx, time.Millisecond))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestStartResumesAfterStopWithoutForceFailingRunningJobs(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx, 0))

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusRunning, RunID: "live-run"})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx, 0)

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status, "resuming via Start must not force-fail jobs legitimately running")
}

func TestStartResumesPromotionLoopAfterStop(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx, 0))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx, 0)

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusWaiting, After: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.FindOne(ctx, store.ByID(id))
		return err == nil && got.Status == types.StatusReady
	}, time.Second, 5*time.Millisecond, "promotion loop should resume promoting after a stop/start cycle")
}

func TestStartIsIdempotentWhileAlreadyRunning(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx, 0)

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusRunning, RunID: "live-run"})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status, "calling Start while already running must not re-run the recovery sweep")
}

func TestRemoveDeletesOnlyTerminalJobs(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	completedID, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusCompleted})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, completedID))
	_, err = st.FindOne(ctx, store.ByID(completedID))
	assert.ErrorIs(t, err, store.ErrNotFound)

	runningID, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusRunning, RunID: "live-run"})
	require.NoError(t, err)
	err = s.Remove(ctx, runningID)
	require.Error(t, err)

	still, err := st.FindOne(ctx, store.ByID(runningID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, still.Status, "a running job must survive a rejected Remove")
}

func TestDoneResolvesDependentsAndSpawnsRepeatSibling(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	upstreamID, err := st.Insert(ctx, &types.Job{Type: "build", Status: types.StatusReady, After: time.Now(), RepeatWait: 1000, Repeats: 2})
	require.NoError(t, err)
	dispatched, err := s.GetWork(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
	runID := dispatched[0].RunID

	downstreamID, err := st.Insert(ctx, &types.Job{Type: "deploy", Status: types.StatusWaiting, Depends: []types.JobID{upstreamID}})
	require.NoError(t, err)

	require.NoError(t, s.Done(ctx, upstreamID, runID, map[string]interface{}{"ok": true}))

	downstream, err := st.FindOne(ctx, store.ByID(downstreamID))
	require.NoError(t, err)
	assert.Empty(t, downstream.Depends)
	assert.Contains(t, downstream.Resolved, upstreamID)

	siblings, err := st.Find(ctx, store.Query{Type: "build"}.WithStatus(types.StatusWaiting))
	require.NoError(t, err)
	require.Len(t, siblings, 1)
	assert.Equal(t, int64(1), siblings[0].Repeated)
	assert.Equal(t, int64(1), siblings[0].Repeats)
}

func TestFailRetriesBeforeFailing(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	id, err := st.Insert(ctx, &types.Job{Type: "email", Status: types.StatusReady, After: time.Now(), Retries: 1, RetryWait: 1})
	require.NoError(t, err)
	dispatched, err := s.GetWork(ctx, nil, 1)
	require.NoError(t, err)
	runID := dispatched[0].RunID

	require.NoError(t, s.Fail(ctx, id, runID, "boom", false))

	got, err := st.FindOne(ctx, store.ByID(id))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, got.Status)
	assert.Equal(t, int64(1), got.Retried)
}

func TestCancelCascadesToDependents(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	rootID, err := st.Insert(ctx, &types.Job{Type: "build", Status: types.StatusWaiting})
	require.NoError(t, err)
	leafID, err := st.Insert(ctx, &types.Job{Type: "deploy", Status: types.StatusWaiting, Depends: []types.JobID{rootID}})
	require.NoError(t, err)

	n, err := s.Cancel(ctx, rootID, DefaultCancelDirection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	root, err := st.FindOne(ctx, store.ByID(rootID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, root.Status)

	leaf, err := st.FindOne(ctx, store.ByID(leafID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, leaf.Status)
}

func TestRestartCascadesToAntecedents(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	rootID, err := st.Insert(ctx, &types.Job{Type: "build", Status: types.StatusFailed})
	require.NoError(t, err)
	leafID, err := st.Insert(ctx, &types.Job{Type: "deploy", Status: types.StatusCancelled, Depends: []types.JobID{rootID}})
	require.NoError(t, err)

	n, err := s.Restart(ctx, leafID, DefaultRestartDirection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	root, err := st.FindOne(ctx, store.ByID(rootID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, root.Status)

	leaf, err := st.FindOne(ctx, store.ByID(leafID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, leaf.Status)
}

func TestSaveWithCancelRepeatsCancelsStandingRepeat(t *testing.T) {
	s, st := newTestScheduler(t, Config{PromotionPeriod: time.Hour})
	ctx := context.Background()

	standingID, err := st.Insert(ctx, &types.Job{Type: "cron", Status: types.StatusWaiting, Repeats: types.Forever})
	require.NoError(t, err)

	_, err = s.Save(ctx, &types.Job{Type: "cron", Status: types.StatusWaiting, Repeats: types.Forever}, true)
	require.NoError(t, err)

	standing, err := st.FindOne(ctx, store.ByID(standingID))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, standing.Status)
}
