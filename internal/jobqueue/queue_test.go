package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kueuedb/kueue/pkg/types"
)

// fakeSource is an in-memory Source double: jobs to hand out live in
// ready, and every reported outcome is recorded for assertions.
type fakeSource struct {
	mu    sync.Mutex
	ready []*types.Job
	done  map[types.JobID]map[string]interface{}
	fail  map[types.JobID]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{done: map[types.JobID]map[string]interface{}{}, fail: map[types.JobID]string{}}
}

func (f *fakeSource) GetWork(ctx context.Context, jobTypes []string, maxJobs int) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := maxJobs
	if n > len(f.ready) {
		n = len(f.ready)
	}
	out := f.ready[:n]
	f.ready = f.ready[n:]
	return out, nil
}

func (f *fakeSource) Progress(ctx context.Context, id types.JobID, runID types.RunID, completed, total float64) error {
	return nil
}

func (f *fakeSource) Log(ctx context.Context, id types.JobID, runID types.RunID, level types.LogLevel, message string) error {
	return nil
}

func (f *fakeSource) Done(ctx context.Context, id types.JobID, runID types.RunID, result map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = result
	return nil
}

func (f *fakeSource) Fail(ctx context.Context, id types.JobID, runID types.RunID, reason string, fatal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[id] = reason
	return nil
}

func (f *fakeSource) addReady(ids ...types.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.ready = append(f.ready, &types.Job{ID: id, Type: "email", Status: types.StatusRunning, RunID: types.RunID(id) + "-run"})
	}
}

func succeedHandler(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome {
	out := make([]Outcome, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Outcome{JobID: j.ID, Result: map[string]interface{}{"ok": true}})
	}
	return out
}

func TestQueuePullsAndCompletesJobs(t *testing.T) {
	src := newFakeSource()
	src.addReady("a", "b")

	q := New(src, succeedHandler, Config{Concurrency: 2, Cargo: 1, PollInterval: 5 * time.Millisecond})
	q.Start(context.Background())

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.done) == 2
	}, time.Second, 5*time.Millisecond)

	<-q.Shutdown(context.Background(), ShutdownSoft)
}

func TestQueueCargoBatchesMultipleJobsPerInvocation(t *testing.T) {
	src := newFakeSource()
	src.addReady("a", "b", "c")

	var maxBatch int
	var mu sync.Mutex
	handler := func(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome {
		mu.Lock()
		if len(jobs) > maxBatch {
			maxBatch = len(jobs)
		}
		mu.Unlock()
		out := make([]Outcome, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, Outcome{JobID: j.ID, Result: nil})
		}
		return out
	}

	q := New(src, handler, Config{Concurrency: 1, Cargo: 3, PollInterval: 5 * time.Millisecond})
	q.Start(context.Background())

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.done) == 3
	}, time.Second, 5*time.Millisecond)

	<-q.Shutdown(context.Background(), ShutdownSoft)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, maxBatch)
}

func TestQueueFatalOutcomeReportsFail(t *testing.T) {
	src := newFakeSource()
	src.addReady("a")

	handler := func(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome {
		return []Outcome{{JobID: jobs[0].ID, Err: &FatalError{Err: errors.New("boom")}}}
	}

	q := New(src, handler, Config{PollInterval: 5 * time.Millisecond})
	q.Start(context.Background())

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		_, ok := src.fail["a"]
		return ok
	}, time.Second, 5*time.Millisecond)

	<-q.Shutdown(context.Background(), ShutdownSoft)
}

func TestShutdownNormalFailsBufferedButNotRunning(t *testing.T) {
	src := newFakeSource()
	src.addReady("running-job", "buffered-job")

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	handler := func(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome {
		started.Done()
		<-release
		out := make([]Outcome, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, Outcome{JobID: j.ID, Result: nil})
		}
		return out
	}

	q := New(src, handler, Config{Concurrency: 1, Cargo: 1, Prefetch: 1, PollInterval: 5 * time.Millisecond})
	q.Start(context.Background())

	started.Wait()
	// by now one job is mid-invocation (blocked on release) and the
	// second is still sitting in the buffer, never picked up.

	doneCh := q.Shutdown(context.Background(), ShutdownNormal)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		_, failed := src.fail["buffered-job"]
		return failed
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-doneCh

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Contains(t, src.done, types.JobID("running-job"))
	assert.Contains(t, src.fail, types.JobID("buffered-job"))
}

func TestShutdownHardFailsRunningJobsWithoutWaiting(t *testing.T) {
	src := newFakeSource()
	src.addReady("stuck-job")

	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	handler := func(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome {
		started.Done()
		<-block // never released within the test
		return nil
	}

	q := New(src, handler, Config{Concurrency: 1, Cargo: 1, PollInterval: 5 * time.Millisecond})
	q.Start(context.Background())
	started.Wait()

	doneCh := q.Shutdown(context.Background(), ShutdownHard)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("hard shutdown did not return promptly")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Contains(t, src.fail, types.JobID("stuck-job"))
}
