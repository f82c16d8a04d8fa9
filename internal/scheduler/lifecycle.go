package scheduler

import (
	"context"
	"time"

	"github.com/kueuedb/kueue/internal/statemachine"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/pkg/types"
)

// Save inserts a new job. When cancelRepeats is true and job is an
// infinitely repeating job, every existing cancellable job of the same
// type with repeats=forever is cancelled first (§6.1) — the common
// "only one standing cron-like job of this type" pattern.
func (s *Scheduler) Save(ctx context.Context, job *types.Job, cancelRepeats bool) (types.JobID, error) {
	if cancelRepeats && job.Repeats == types.Forever {
		if err := s.cancelStandingRepeats(ctx, job.Type); err != nil {
			return "", err
		}
	}
	return s.store.Insert(ctx, job)
}

func (s *Scheduler) cancelStandingRepeats(ctx context.Context, jobType string) error {
	existing, err := s.store.Find(ctx, store.Query{Type: jobType})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range existing {
		if job.Repeats != types.Forever || !job.Status.Cancellable() {
			continue
		}
		_, err := s.store.FindAndModify(ctx, store.ByID(job.ID).WithStatus(job.Status), func(j *types.Job) (*types.Job, error) {
			return statemachine.Cancel(j, now)
		})
		if err != nil && err != store.ErrPrecondition {
			log.Error("could not cancel standing repeat", "jobId", job.ID, "error", err)
		}
	}
	return nil
}

// Progress records a worker-reported progress update.
func (s *Scheduler) Progress(ctx context.Context, id types.JobID, runID types.RunID, completed, total float64) error {
	_, err := s.store.FindAndModify(ctx, store.ByID(id).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
		return statemachine.Progress(j, runID, completed, total, time.Now())
	})
	return err
}

// Log appends a worker-reported log line.
func (s *Scheduler) Log(ctx context.Context, id types.JobID, runID types.RunID, level types.LogLevel, message string) error {
	_, err := s.store.FindAndModify(ctx, store.ByID(id).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
		return statemachine.Log(j, runID, level, message, time.Now())
	})
	return err
}

// Done completes a running job and applies the completion cascade
// (§4.2): every job depending on it has the dependency resolved, and if
// the job repeats, a fresh waiting sibling is spawned.
func (s *Scheduler) Done(ctx context.Context, id types.JobID, runID types.RunID, result map[string]interface{}) error {
	now := time.Now()
	before, err := s.store.FindAndModify(ctx, store.ByID(id).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
		return statemachine.Done(j, runID, result, now)
	})
	if err != nil {
		return err
	}

	if err := s.resolveDependents(ctx, id, now); err != nil {
		log.Error("dependency cascade failed", "jobId", id, "error", err)
	}

	if s.config.Metrics != nil {
		// Dispatch appends the run's first log entry, so its time is the
		// dispatch time even after later progress/log updates.
		dispatched := before.Updated
		for _, e := range before.Log {
			if e.RunID == runID {
				dispatched = e.Time
				break
			}
		}
		s.config.Metrics.RecordCompleted(now.Sub(dispatched).Seconds())
	}

	if before.Repeats > 0 || before.Repeats == types.Forever {
		completed, err := s.store.FindOne(ctx, store.ByID(id))
		if err != nil {
			log.Error("could not reload completed job for repeat cascade", "jobId", id, "error", err)
			return nil
		}
		sibling := statemachine.Repeat(completed, now)
		if _, err := s.store.Insert(ctx, sibling); err != nil {
			log.Error("could not insert repeat sibling", "jobId", id, "error", err)
		} else if s.config.Metrics != nil {
			s.config.Metrics.RecordRepeated()
		}
	}
	return nil
}

// resolveDependents moves id from Depends to Resolved on every job that
// names it as a dependency. Each move is idempotent (§5: "a duplicate
// dependency-cascade write is a no-op"), so losing a race here and
// retrying is always safe.
func (s *Scheduler) resolveDependents(ctx context.Context, id types.JobID, now time.Time) error {
	all, err := s.store.Find(ctx, store.Query{})
	if err != nil {
		return err
	}

	for _, candidate := range all {
		dependsOnUs := false
		for _, d := range candidate.Depends {
			if d == id {
				dependsOnUs = true
				break
			}
		}
		if !dependsOnUs {
			continue
		}
		_, err := s.store.FindAndModify(ctx, store.ByID(candidate.ID), func(j *types.Job) (*types.Job, error) {
			return statemachine.ResolveDependency(j, id, now), nil
		})
		if err != nil && err != store.ErrPrecondition {
			log.Error("could not resolve dependency", "jobId", candidate.ID, "dependsOn", id, "error", err)
		}
	}
	return nil
}

// Fail records a worker-reported failure, retrying or terminally
// failing the job per the retry budget (§4.2).
func (s *Scheduler) Fail(ctx context.Context, id types.JobID, runID types.RunID, reason string, fatal bool) error {
	before, err := s.store.FindAndModify(ctx, store.ByID(id).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
		return statemachine.Fail(j, runID, reason, fatal, time.Now())
	})
	if err == nil && s.config.Metrics != nil {
		if !fatal && before.Retries > 0 {
			s.config.Metrics.RecordRetried()
		} else {
			s.config.Metrics.RecordFailed()
		}
	}
	return err
}

// Rerun clones a completed job as a fresh standalone waiting job,
// leaving the original untouched (§3.3).
func (s *Scheduler) Rerun(ctx context.Context, id types.JobID, repeats int64, wait time.Duration) (types.JobID, error) {
	job, err := s.store.FindOne(ctx, store.ByID(id).WithStatus(types.StatusCompleted))
	if err != nil {
		return "", err
	}
	clone := statemachine.Rerun(job, repeats, wait, time.Now())
	return s.store.Insert(ctx, clone)
}

// Pause moves a waiting or ready job to paused.
func (s *Scheduler) Pause(ctx context.Context, id types.JobID) error {
	_, err := s.store.FindAndModify(ctx, store.ByID(id), func(j *types.Job) (*types.Job, error) {
		return statemachine.Pause(j, time.Now())
	})
	return err
}

// Resume moves a paused job back to waiting.
func (s *Scheduler) Resume(ctx context.Context, id types.JobID) error {
	_, err := s.store.FindAndModify(ctx, store.ByID(id).WithStatus(types.StatusPaused), func(j *types.Job) (*types.Job, error) {
		return statemachine.Resume(j, time.Now())
	})
	return err
}

// Remove deletes a job document outright (administrative cleanup, not
// part of the normal lifecycle). Legal only in a terminal state (§3.3):
// a running/ready/waiting/paused job is left alone rather than deleted
// out from under an active or pending run. The status check and the
// delete aren't one atomic CAS (Store.Remove has no preconditioned
// variant), so this can race a concurrent transition away from the
// terminal state; that window is the same administrative-cleanup risk
// the teacher's own Remove left open, just narrowed to terminal jobs.
func (s *Scheduler) Remove(ctx context.Context, id types.JobID) error {
	job, err := s.store.FindOne(ctx, store.ByID(id))
	if err != nil {
		return err
	}
	if !job.Status.Removable() {
		return &statemachine.TransitionError{From: job.Status, Why: "only a job in a terminal state may be removed"}
	}
	return s.store.Remove(ctx, id)
}

// GetJob returns the documents for the given ids, in whatever order the
// store returns them.
func (s *Scheduler) GetJob(ctx context.Context, ids []types.JobID) ([]*types.Job, error) {
	return s.store.Find(ctx, store.Query{IDs: ids})
}
