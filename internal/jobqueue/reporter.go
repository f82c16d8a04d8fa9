package jobqueue

import (
	"context"

	"github.com/kueuedb/kueue/pkg/types"
)

// sourceReporter is the Reporter handed to every Handler invocation; it
// just forwards to the queue's Source, so a Handler sees whatever error
// (including ErrCancelled) the Source returns.
type sourceReporter struct {
	source Source
}

func (r *sourceReporter) Progress(ctx context.Context, jobID types.JobID, runID types.RunID, completed, total float64) error {
	return r.source.Progress(ctx, jobID, runID, completed, total)
}

func (r *sourceReporter) Log(ctx context.Context, jobID types.JobID, runID types.RunID, level types.LogLevel, message string) error {
	return r.source.Log(ctx, jobID, runID, level, message)
}
