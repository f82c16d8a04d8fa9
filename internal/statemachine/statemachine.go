// Package statemachine is the semantic heart of kueue: every legal
// mutation a job document can undergo, and nothing else. Every function
// here is pure — it takes a cloned job and either returns the mutated
// clone or an error — so that internal/store's per-document CAS is the
// only place state actually changes. The caller (internal/scheduler)
// threads these through store.FindAndModify with a Query precondition on
// the expected current status.
package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kueuedb/kueue/pkg/types"
)

// TransitionError reports an attempted move the state machine refuses to
// make. It is distinct from store.ErrPrecondition: a precondition
// failure means "the document changed under us"; a TransitionError means
// "even the document we have doesn't allow this".
type TransitionError struct {
	From types.Status
	To   types.Status
	Why  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statemachine: %s -> %s: %s", e.From, e.To, e.Why)
}

var ErrNotDue = errors.New("statemachine: job is not yet eligible")

func appendLog(job *types.Job, runID types.RunID, level types.LogLevel, message string, now time.Time) {
	job.Log = append(job.Log, types.LogEntry{Time: now, RunID: runID, Level: level, Message: message})
	job.Updated = now
}

// Promote moves a waiting job to ready, per I2: only legal once
// depends is empty and after has passed.
func Promote(job *types.Job, now time.Time) (*types.Job, error) {
	if job.Status != types.StatusWaiting {
		return nil, &TransitionError{job.Status, types.StatusReady, "only a waiting job may be promoted"}
	}
	if len(job.Depends) > 0 {
		return nil, ErrNotDue
	}
	if job.After.After(now) {
		return nil, ErrNotDue
	}
	job.Status = types.StatusReady
	appendLog(job, "", types.LevelInfo, "Promoted to ready", now)
	return job, nil
}

// Pause moves a waiting or ready job to paused.
func Pause(job *types.Job, now time.Time) (*types.Job, error) {
	if job.Status != types.StatusWaiting && job.Status != types.StatusReady {
		return nil, &TransitionError{job.Status, types.StatusPaused, "only waiting or ready jobs may be paused"}
	}
	job.Status = types.StatusPaused
	appendLog(job, "", types.LevelInfo, "Paused", now)
	return job, nil
}

// Resume moves a paused job back to waiting, where it re-enters the
// normal promotion path.
func Resume(job *types.Job, now time.Time) (*types.Job, error) {
	if job.Status != types.StatusPaused {
		return nil, &TransitionError{job.Status, types.StatusWaiting, "only a paused job may resume"}
	}
	job.Status = types.StatusWaiting
	appendLog(job, "", types.LevelInfo, "Resumed", now)
	return job, nil
}

// Cancel moves a job in any of the cancellable states to cancelled.
func Cancel(job *types.Job, now time.Time) (*types.Job, error) {
	if !job.Status.Cancellable() {
		return nil, &TransitionError{job.Status, types.StatusCancelled, "job is not in a cancellable state"}
	}
	job.Status = types.StatusCancelled
	job.RunID = ""
	appendLog(job, "", types.LevelWarning, "Cancelled", now)
	return job, nil
}

// Restart moves a cancelled or failed job back to waiting, reviving it
// with a fresh dispatch life.
func Restart(job *types.Job, now time.Time) (*types.Job, error) {
	if !job.Status.Restartable() {
		return nil, &TransitionError{job.Status, types.StatusWaiting, "only a cancelled or failed job may restart"}
	}
	job.Status = types.StatusWaiting
	job.After = now
	appendLog(job, "", types.LevelInfo, "Restarted", now)
	return job, nil
}

// Dispatch moves a ready job to running, minting a fresh run id (I1, I7).
func Dispatch(job *types.Job, now time.Time) (*types.Job, error) {
	if job.Status != types.StatusReady {
		return nil, &TransitionError{job.Status, types.StatusRunning, "only a ready job may be dispatched"}
	}
	job.Status = types.StatusRunning
	job.RunID = types.RunID(uuid.NewString())
	appendLog(job, job.RunID, types.LevelInfo, "Running", now)
	return job, nil
}

// CheckRun returns an error unless job is running under exactly runID —
// the precondition every worker-reported event (progress, log, done,
// fail) must satisfy before statemachine touches the document.
func CheckRun(job *types.Job, runID types.RunID) error {
	if job.Status != types.StatusRunning {
		return &TransitionError{job.Status, types.StatusRunning, "job is not running"}
	}
	if job.RunID != runID {
		return &TransitionError{job.Status, types.StatusRunning, "runId does not match the current run"}
	}
	return nil
}

// Progress records a progress update against the current run.
func Progress(job *types.Job, runID types.RunID, completed, total float64, now time.Time) (*types.Job, error) {
	if err := CheckRun(job, runID); err != nil {
		return nil, err
	}
	job.Progress = types.Progress{Completed: completed, Total: total}
	job.Updated = now
	return job, nil
}

// Log appends a worker-reported log line against the current run.
func Log(job *types.Job, runID types.RunID, level types.LogLevel, message string, now time.Time) (*types.Job, error) {
	if err := CheckRun(job, runID); err != nil {
		return nil, err
	}
	appendLog(job, runID, level, message, now)
	return job, nil
}

// Done moves a running job to completed and records its result.
func Done(job *types.Job, runID types.RunID, result map[string]interface{}, now time.Time) (*types.Job, error) {
	if err := CheckRun(job, runID); err != nil {
		return nil, err
	}
	job.Status = types.StatusCompleted
	job.Result = result
	appendLog(job, runID, types.LevelSuccess, "Completed", now)
	job.RunID = ""
	return job, nil
}

// Fail moves a running job either back to waiting (retry budget
// remains and fatal is false) or to failed (fatal, or retries
// exhausted). retryWait is consumed as the delay before the job is
// eligible for promotion again.
func Fail(job *types.Job, runID types.RunID, reason string, fatal bool, now time.Time) (*types.Job, error) {
	if err := CheckRun(job, runID); err != nil {
		return nil, err
	}

	appendLog(job, runID, types.LevelDanger, reason, now)

	if !fatal && job.Retries > 0 {
		job.Status = types.StatusWaiting
		job.After = now.Add(time.Duration(job.RetryWait) * time.Millisecond)
		job.Retried++
		if job.Retries != types.Forever {
			job.Retries--
		}
		job.RunID = ""
		return job, nil
	}

	job.Status = types.StatusFailed
	job.RunID = ""
	return job, nil
}

// ForceFail is used by the recovery sweep and by stopJobs' shutdown
// timeout: it unconditionally fails a running job without consuming its
// retry budget, since the job never actually got to report what
// happened to it.
func ForceFail(job *types.Job, reason string, now time.Time) (*types.Job, error) {
	if job.Status != types.StatusRunning {
		return nil, &TransitionError{job.Status, types.StatusFailed, "only a running job can be force-failed"}
	}
	job.Status = types.StatusFailed
	job.RunID = ""
	appendLog(job, "", types.LevelDanger, reason, now)
	return job, nil
}

// Rerun builds a brand-new waiting sibling of a completed job. The
// original document is left untouched; the caller inserts the returned
// job as a new document (spec §3.3 "rerun emits a new job").
func Rerun(job *types.Job, repeats int64, wait time.Duration, now time.Time) *types.Job {
	clone := job.Clone()
	clone.ID = ""
	clone.Status = types.StatusWaiting
	clone.RunID = ""
	clone.After = now.Add(wait)
	clone.Created = now
	clone.Updated = now
	clone.Result = nil
	clone.Log = nil
	clone.Depends = nil
	clone.Resolved = nil
	if repeats > 0 {
		clone.Repeats = repeats
	}
	return clone
}

// Repeat builds the sibling spawned automatically when a repeating job
// completes (§4.2): repeated+1, repeats-1 (saturating at forever),
// after = now+repeatWait.
func Repeat(job *types.Job, now time.Time) *types.Job {
	clone := job.Clone()
	clone.ID = ""
	clone.Status = types.StatusWaiting
	clone.RunID = ""
	clone.After = now.Add(time.Duration(job.RepeatWait) * time.Millisecond)
	clone.Created = now
	clone.Updated = now
	clone.Result = nil
	clone.Log = nil
	clone.Depends = nil
	clone.Resolved = nil
	clone.Repeated = job.Repeated + 1
	if job.Repeats != types.Forever {
		clone.Repeats = job.Repeats - 1
	}
	return clone
}

// ResolveDependency moves depID from job.Depends to job.Resolved. It is
// idempotent: calling it again once depID is already resolved is a
// no-op, which is what lets the dependency cascade be safely retried
// without per-job coordination (§5).
func ResolveDependency(job *types.Job, depID types.JobID, now time.Time) *types.Job {
	idx := -1
	for i, d := range job.Depends {
		if d == depID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return job
	}
	job.Depends = append(job.Depends[:idx], job.Depends[idx+1:]...)
	job.Resolved = append(job.Resolved, depID)
	job.Updated = now
	return job
}

// Less implements the tie-break order from §4.1: ascending priority,
// then ascending after, then ascending updated.
func Less(a, b *types.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.After.Equal(b.After) {
		return a.After.Before(b.After)
	}
	return a.Updated.Before(b.Updated)
}
