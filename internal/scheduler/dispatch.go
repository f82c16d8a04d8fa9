package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/kueuedb/kueue/internal/statemachine"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/pkg/types"
)

// GetWork implements §4.2 dispatch: it selects up to maxJobs ready jobs
// of the requested types, in tie-break order, and atomically transitions
// each to running. It never blocks on an empty pool — an empty result
// just means the worker polls again later — and losing a CAS race to
// another dispatcher simply skips that candidate rather than failing
// the whole call.
func (s *Scheduler) GetWork(ctx context.Context, jobTypes []string, maxJobs int) ([]*types.Job, error) {
	if s.Stopped() {
		return nil, nil
	}
	if maxJobs <= 0 {
		maxJobs = 1
	}

	var candidates []*types.Job
	if len(jobTypes) == 0 {
		found, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusReady))
		if err != nil {
			return nil, err
		}
		candidates = found
	} else {
		for _, t := range jobTypes {
			found, err := s.store.Find(ctx, store.Query{Type: t}.WithStatus(types.StatusReady))
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, found...)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return statemachine.Less(candidates[i], candidates[j])
	})

	now := time.Now()
	dispatched := make([]*types.Job, 0, maxJobs)
	for _, candidate := range candidates {
		if len(dispatched) >= maxJobs {
			break
		}
		before, err := s.store.FindAndModify(ctx, store.ByID(candidate.ID).WithStatus(types.StatusReady), func(j *types.Job) (*types.Job, error) {
			return statemachine.Dispatch(j, now)
		})
		if err != nil {
			// lost the race to another worker, or the job moved (paused/
			// cancelled) between our read and this CAS; skip it.
			continue
		}
		won, err := s.store.FindOne(ctx, store.ByID(before.ID))
		if err != nil {
			continue
		}
		if s.config.Metrics != nil {
			s.config.Metrics.RecordDispatched()
		}
		dispatched = append(dispatched, won)
	}
	return dispatched, nil
}
