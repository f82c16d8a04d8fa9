package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kueuedb/kueue/internal/permission"
	"github.com/kueuedb/kueue/internal/scheduler"
	"github.com/kueuedb/kueue/pkg/types"
)

// requestParams covers every field any §6.1 method's params shape might
// carry. Each handler below decodes only the fields it needs; json tags
// missing from the caller's payload simply stay at their zero value,
// which decodeParams' pointer fields turn into "absent" versus "false".
type requestParams struct {
	Doc           *types.Job    `json:"doc"`
	ID            types.JobID   `json:"id"`
	IDs           []types.JobID `json:"ids"`
	Types         []string      `json:"types"`
	RunID         types.RunID   `json:"runId"`
	Completed     float64       `json:"completed"`
	Total         float64       `json:"total"`
	Message       string        `json:"message"`
	Level         *types.LogLevel `json:"level"`
	Result        map[string]interface{} `json:"result"`
	Err           string        `json:"err"`
	Fatal         *bool         `json:"fatal"`
	MaxJobs       *int          `json:"maxJobs"`
	Repeats       *int64        `json:"repeats"`
	WaitMs        *int64        `json:"wait"`
	TimeoutMs     *int64        `json:"timeout"`
	CancelRepeats *bool         `json:"cancelRepeats"`
	GetLog        *bool         `json:"getLog"`
	Antecedents   *bool         `json:"antecedents"`
	Dependents    *bool         `json:"dependents"`
}

func decodeParams(params interface{}, out *requestParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpc: re-encoding params: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// RegisterTags declares every §6.1 method's authorization tags on gate,
// beyond the method's own implicit name-tag. Allow/deny rules for those
// tags are a deployment concern, configured by the caller (internal/cli).
func RegisterTags(gate *permission.Gate) {
	gate.Tag("startJobs", permission.TagAdmin)
	gate.Tag("stopJobs", permission.TagAdmin)
	gate.Tag("jobSave", permission.TagAdmin, permission.TagCreator)
	gate.Tag("jobRerun", permission.TagAdmin, permission.TagCreator)
	gate.Tag("getJob", permission.TagAdmin, permission.TagWorker)
	gate.Tag("getWork", permission.TagAdmin, permission.TagWorker)
	gate.Tag("jobProgress", permission.TagAdmin, permission.TagWorker)
	gate.Tag("jobLog", permission.TagAdmin, permission.TagWorker)
	gate.Tag("jobDone", permission.TagAdmin, permission.TagWorker)
	gate.Tag("jobFail", permission.TagAdmin, permission.TagWorker)
	for _, m := range []string{"jobPause", "jobResume", "jobCancel", "jobRestart", "jobRemove"} {
		gate.Tag(m, permission.TagAdmin, permission.TagManager)
	}
}

// NewGatewayRegistry builds the Registry backing every §6.1 method,
// wired to s.
func NewGatewayRegistry(s *scheduler.Scheduler) *Registry {
	r := NewRegistry()

	r.Register("startJobs", func(ctx context.Context, _ string, _ interface{}) (interface{}, error) {
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		return true, nil
	})

	r.Register("stopJobs", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		timeout := time.Duration(0)
		if p.TimeoutMs != nil {
			timeout = time.Duration(*p.TimeoutMs) * time.Millisecond
		}
		if err := s.Stop(ctx, timeout); err != nil {
			return nil, err
		}
		return true, nil
	})

	r.Register("jobSave", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Doc == nil {
			return nil, fmt.Errorf("rpc: jobSave requires doc")
		}
		cancelRepeats := true
		if p.CancelRepeats != nil {
			cancelRepeats = *p.CancelRepeats
		}
		if s.Stopped() {
			return nil, nil
		}
		id, err := s.Save(ctx, p.Doc, cancelRepeats)
		if err != nil {
			return nil, err
		}
		return id, nil
	})

	r.Register("jobRerun", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		var repeats int64
		if p.Repeats != nil {
			repeats = *p.Repeats
		}
		wait := time.Duration(0)
		if p.WaitMs != nil {
			wait = time.Duration(*p.WaitMs) * time.Millisecond
		}
		id, err := s.Rerun(ctx, p.ID, repeats, wait)
		if err != nil {
			return nil, err
		}
		return id, nil
	})

	r.Register("getJob", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		jobs, err := s.GetJob(ctx, p.IDs)
		if err != nil {
			return nil, err
		}
		getLog := p.GetLog != nil && *p.GetLog
		if !getLog {
			for _, j := range jobs {
				j.Log = nil
			}
		}
		if len(p.IDs) == 1 {
			if len(jobs) == 0 {
				return nil, nil
			}
			return jobs[0], nil
		}
		return jobs, nil
	})

	r.Register("getWork", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		maxJobs := 1
		if p.MaxJobs != nil {
			maxJobs = *p.MaxJobs
		}
		return s.GetWork(ctx, p.Types, maxJobs)
	})

	r.Register("jobProgress", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if s.Stopped() {
			return nil, nil
		}
		if err := s.Progress(ctx, p.ID, p.RunID, p.Completed, p.Total); err != nil {
			return false, nil
		}
		return true, nil
	})

	r.Register("jobLog", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		level := types.LevelInfo
		if p.Level != nil {
			level = *p.Level
		}
		if err := s.Log(ctx, p.ID, p.RunID, level, p.Message); err != nil {
			return false, nil
		}
		return true, nil
	})

	r.Register("jobDone", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if s.Stopped() {
			return nil, nil
		}
		if err := s.Done(ctx, p.ID, p.RunID, p.Result); err != nil {
			return false, nil
		}
		return true, nil
	})

	r.Register("jobFail", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		fatal := false
		if p.Fatal != nil {
			fatal = *p.Fatal
		}
		if err := s.Fail(ctx, p.ID, p.RunID, p.Err, fatal); err != nil {
			return false, nil
		}
		return true, nil
	})

	r.Register("jobPause", bulkHandler(func(ctx context.Context, id types.JobID) error { return s.Pause(ctx, id) }))
	r.Register("jobResume", bulkHandler(func(ctx context.Context, id types.JobID) error { return s.Resume(ctx, id) }))
	r.Register("jobRemove", bulkHandler(func(ctx context.Context, id types.JobID) error { return s.Remove(ctx, id) }))

	r.Register("jobCancel", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		dir := scheduler.DefaultCancelDirection
		if p.Antecedents != nil {
			dir.Antecedents = *p.Antecedents
		}
		if p.Dependents != nil {
			dir.Dependents = *p.Dependents
		}
		for _, id := range p.IDs {
			if _, err := s.Cancel(ctx, id, dir); err != nil {
				return false, nil
			}
		}
		return true, nil
	})

	r.Register("jobRestart", func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		dir := scheduler.DefaultRestartDirection
		if p.Antecedents != nil {
			dir.Antecedents = *p.Antecedents
		}
		if p.Dependents != nil {
			dir.Dependents = *p.Dependents
		}
		for _, id := range p.IDs {
			if _, err := s.Restart(ctx, id, dir); err != nil {
				return false, nil
			}
		}
		return true, nil
	})

	return r
}

// bulkHandler adapts a single-id operation to the `(ids, options)` shape
// shared by jobPause/jobResume/jobRemove.
func bulkHandler(op func(ctx context.Context, id types.JobID) error) Handler {
	return func(ctx context.Context, _ string, params interface{}) (interface{}, error) {
		var p requestParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		for _, id := range p.IDs {
			if err := op(ctx, id); err != nil {
				return false, nil
			}
		}
		return true, nil
	}
}
