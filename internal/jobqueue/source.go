// Package jobqueue is the worker-side JobQueue of spec §4.4: a
// client-resident scheduler that pulls work from a Source, bounds how
// many worker invocations run concurrently, batches jobs per invocation,
// and drains cleanly on shutdown.
package jobqueue

import (
	"context"

	"github.com/kueuedb/kueue/pkg/types"
)

// Source is everything the JobQueue needs from wherever jobs actually
// live — the in-process Scheduler when a worker runs embedded, or an RPC
// client when it runs standalone. Grounded in the teacher's
// internal/worker.JobSource, generalized from its fixed Poll/Acknowledge/
// Heartbeat trio to the full worker-reported surface (progress, log,
// done, fail) the job lifecycle actually exposes.
type Source interface {
	// GetWork requests up to maxJobs ready jobs of the given types. It
	// never blocks: an empty result just means nothing is ready yet.
	GetWork(ctx context.Context, jobTypes []string, maxJobs int) ([]*types.Job, error)

	Progress(ctx context.Context, id types.JobID, runID types.RunID, completed, total float64) error
	Log(ctx context.Context, id types.JobID, runID types.RunID, level types.LogLevel, message string) error
	Done(ctx context.Context, id types.JobID, runID types.RunID, result map[string]interface{}) error
	Fail(ctx context.Context, id types.JobID, runID types.RunID, reason string, fatal bool) error
}

// ErrCancelled is returned by a Reporter call when the server has
// already cancelled the job out from under the running worker (§5): the
// worker's own code keeps running, but its next progress/log/done/fail
// call surfaces this so the handler can abort.
var ErrCancelled = &cancelledError{}

type cancelledError struct{}

func (*cancelledError) Error() string { return "jobqueue: job was cancelled" }
