package rpc

import (
	"context"

	"github.com/kueuedb/kueue/internal/jobqueue"
	"github.com/kueuedb/kueue/pkg/types"
)

// ClientSource adapts a Client to jobqueue.Source, the remote-worker
// counterpart to internal/jobqueue.SchedulerSource's in-process one.
// Grounded in the teacher's internal/worker/grpc_source.go
// (GrpcJobSource): a thin Poll/Acknowledge wrapper around the generated
// client, generalized here to the hand-written Envelope/Invoke call and
// the §6.1 method names.
type ClientSource struct {
	client *Client
}

// NewClientSource builds a ClientSource over client.
func NewClientSource(client *Client) *ClientSource {
	return &ClientSource{client: client}
}

func (s *ClientSource) GetWork(ctx context.Context, jobTypes []string, maxJobs int) ([]*types.Job, error) {
	params := map[string]interface{}{"types": jobTypes, "maxJobs": maxJobs}
	var jobs []*types.Job
	if err := s.client.Call(ctx, "getWork", params, &jobs); err != nil {
		if err == ErrUnauthorized {
			return nil, jobqueue.ErrCancelled
		}
		return nil, err
	}
	return jobs, nil
}

func (s *ClientSource) Progress(ctx context.Context, id types.JobID, runID types.RunID, completed, total float64) error {
	params := map[string]interface{}{"id": id, "runId": runID, "completed": completed, "total": total}
	var ok bool
	if err := s.client.Call(ctx, "jobProgress", params, &ok); err != nil {
		return s.translate(err)
	}
	if !ok {
		return jobqueue.ErrCancelled
	}
	return nil
}

func (s *ClientSource) Log(ctx context.Context, id types.JobID, runID types.RunID, level types.LogLevel, message string) error {
	params := map[string]interface{}{"id": id, "runId": runID, "level": level, "message": message}
	var ok bool
	if err := s.client.Call(ctx, "jobLog", params, &ok); err != nil {
		return s.translate(err)
	}
	if !ok {
		return jobqueue.ErrCancelled
	}
	return nil
}

func (s *ClientSource) Done(ctx context.Context, id types.JobID, runID types.RunID, result map[string]interface{}) error {
	params := map[string]interface{}{"id": id, "runId": runID, "result": result}
	var ok bool
	if err := s.client.Call(ctx, "jobDone", params, &ok); err != nil {
		return s.translate(err)
	}
	if !ok {
		return jobqueue.ErrCancelled
	}
	return nil
}

func (s *ClientSource) Fail(ctx context.Context, id types.JobID, runID types.RunID, reason string, fatal bool) error {
	params := map[string]interface{}{"id": id, "runId": runID, "err": reason, "fatal": fatal}
	var ok bool
	if err := s.client.Call(ctx, "jobFail", params, &ok); err != nil {
		return s.translate(err)
	}
	if !ok {
		return jobqueue.ErrCancelled
	}
	return nil
}

func (s *ClientSource) translate(err error) error {
	if err == ErrUnauthorized {
		return jobqueue.ErrCancelled
	}
	return err
}
