package scheduler

import (
	"context"
	"time"

	"github.com/kueuedb/kueue/internal/statemachine"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/pkg/types"
)

// CascadeDirection selects which side of the depends graph a cancel or
// restart walks (§4.2 "cancel accepts flags antecedents/dependents").
type CascadeDirection struct {
	Antecedents bool // jobs this one depends on
	Dependents  bool // jobs that depend on this one
}

// DefaultCancelDirection cancels everything that depends on the target,
// leaving whatever it depends on alone — cancelling a job shouldn't
// reach backward into work that doesn't care it was cancelled.
var DefaultCancelDirection = CascadeDirection{Antecedents: false, Dependents: true}

// DefaultRestartDirection restarts everything the target depends on,
// since a restarted job will re-block on those dependencies again.
var DefaultRestartDirection = CascadeDirection{Antecedents: true, Dependents: false}

// Cancel cancels id and, per dir, every job transitively reachable from
// it across the depends graph, restricted to the cancellable set
// (§3.2 {running, ready, waiting, paused}). A job outside that set is
// left untouched rather than erroring — cancelling a tree whose leaves
// already finished is a normal, not an exceptional, outcome.
func (s *Scheduler) Cancel(ctx context.Context, id types.JobID, dir CascadeDirection) (int, error) {
	n, err := s.cascade(ctx, id, dir, func(j *types.Job, now time.Time) (*types.Job, error) {
		return statemachine.Cancel(j, now)
	})
	if err == nil && s.config.Metrics != nil {
		for i := 0; i < n; i++ {
			s.config.Metrics.RecordCancelled()
		}
	}
	return n, err
}

// Restart restarts id and, per dir, every transitively reachable job,
// restricted to the restartable set ({cancelled, failed}).
func (s *Scheduler) Restart(ctx context.Context, id types.JobID, dir CascadeDirection) (int, error) {
	return s.cascade(ctx, id, dir, func(j *types.Job, now time.Time) (*types.Job, error) {
		return statemachine.Restart(j, now)
	})
}

func (s *Scheduler) cascade(ctx context.Context, id types.JobID, dir CascadeDirection, transition store.Mutation) (int, error) {
	all, err := s.store.Find(ctx, store.Query{})
	if err != nil {
		return 0, err
	}

	forward := make(map[types.JobID][]types.JobID, len(all)) // id -> jobs it depends on
	backward := make(map[types.JobID][]types.JobID, len(all)) // id -> jobs that depend on it
	for _, job := range all {
		for _, dep := range job.Depends {
			forward[job.ID] = append(forward[job.ID], dep)
			backward[dep] = append(backward[dep], job.ID)
		}
	}

	closure := map[types.JobID]bool{id: true}
	queue := []types.JobID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var next []types.JobID
		if dir.Antecedents {
			next = append(next, forward[cur]...)
		}
		if dir.Dependents {
			next = append(next, backward[cur]...)
		}
		for _, n := range next {
			if !closure[n] {
				closure[n] = true
				queue = append(queue, n)
			}
		}
	}

	now := time.Now()
	count := 0
	for jobID := range closure {
		_, err := s.store.FindAndModify(ctx, store.ByID(jobID), func(j *types.Job) (*types.Job, error) {
			return transition(j, now)
		})
		switch {
		case err == nil:
			count++
		case err == store.ErrPrecondition, err == store.ErrNotFound:
		default:
			if _, ok := err.(*statemachine.TransitionError); ok {
				// job isn't in a state this cascade applies to; skip it.
				continue
			}
			log.Error("cascade transition failed", "jobId", jobID, "error", err)
		}
	}
	return count, nil
}
