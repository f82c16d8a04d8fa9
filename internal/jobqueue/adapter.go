package jobqueue

import (
	"context"

	"github.com/kueuedb/kueue/internal/scheduler"
	"github.com/kueuedb/kueue/internal/statemachine"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/pkg/types"
)

// SchedulerSource adapts an in-process *scheduler.Scheduler to Source,
// for a worker running embedded in the same process as the server (the
// common case in tests, and for single-binary deployments). A
// network-backed Source (internal/rpc client) implements the same
// interface without this adapter.
type SchedulerSource struct {
	Scheduler *scheduler.Scheduler
}

func (a *SchedulerSource) GetWork(ctx context.Context, jobTypes []string, maxJobs int) ([]*types.Job, error) {
	return a.Scheduler.GetWork(ctx, jobTypes, maxJobs)
}

func (a *SchedulerSource) Progress(ctx context.Context, id types.JobID, runID types.RunID, completed, total float64) error {
	return translateCancellation(a.Scheduler.Progress(ctx, id, runID, completed, total))
}

func (a *SchedulerSource) Log(ctx context.Context, id types.JobID, runID types.RunID, level types.LogLevel, message string) error {
	return translateCancellation(a.Scheduler.Log(ctx, id, runID, level, message))
}

func (a *SchedulerSource) Done(ctx context.Context, id types.JobID, runID types.RunID, result map[string]interface{}) error {
	return translateCancellation(a.Scheduler.Done(ctx, id, runID, result))
}

func (a *SchedulerSource) Fail(ctx context.Context, id types.JobID, runID types.RunID, reason string, fatal bool) error {
	return translateCancellation(a.Scheduler.Fail(ctx, id, runID, reason, fatal))
}

// translateCancellation turns the statemachine's "this job isn't
// running under that run id anymore" rejection into ErrCancelled: the
// only reason a worker-reported event can be rejected mid-run is that
// the server already moved the job elsewhere, which for a running job
// only ever happens via cancel.
func translateCancellation(err error) error {
	if err == nil {
		return nil
	}
	if err == store.ErrPrecondition || err == store.ErrNotFound {
		return ErrCancelled
	}
	if _, ok := err.(*statemachine.TransitionError); ok {
		return ErrCancelled
	}
	return err
}
