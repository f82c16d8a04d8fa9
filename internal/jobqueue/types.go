package jobqueue

import (
	"context"

	"github.com/kueuedb/kueue/pkg/types"
)

// Reporter lets a running Handler invocation report progress, emit log
// lines, and learn whether the server has already cancelled it — the
// only communication channel back to the queue while a worker invocation
// is in flight (§5 "the worker observes the cancel when it next calls
// progress, log, done, or fail").
type Reporter interface {
	Progress(ctx context.Context, jobID types.JobID, runID types.RunID, completed, total float64) error
	Log(ctx context.Context, jobID types.JobID, runID types.RunID, level types.LogLevel, message string) error
}

// Outcome is what a Handler invocation reports for one job in its batch.
// Err nil means success (Result is stored via jobDone); a non-nil Err
// that satisfies FatalError skips the retry budget entirely, matching
// the state machine's own fatal/non-fatal distinction.
type Outcome struct {
	JobID  types.JobID
	Result map[string]interface{}
	Err    error
}

// FatalError marks an Outcome.Err as non-retryable regardless of the
// job's remaining retry budget.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func isFatal(err error) bool {
	_, ok := err.(*FatalError)
	return ok
}

// Handler is user-supplied business logic. It receives one cargo-sized
// batch of jobs of the types the JobQueue was configured for, and a
// Reporter shared by the whole batch (each call names its job and run). It
// MUST return exactly one Outcome per job in jobs, in any order; the
// queue matches outcomes back to jobs by JobID.
type Handler func(ctx context.Context, jobs []*types.Job, report Reporter) []Outcome
