// Package scheduler is the Scheduler of spec §4.2: the promotion loop,
// dispatch (getWork), the dependency/repeat cascade that runs on
// completion, fail handling, cancel/restart cascades, and orderly
// shutdown. It owns no mutable job state of its own — every mutation is
// a statemachine transition applied through a single-document CAS on
// internal/store — so the only process-wide state here is the
// promotion timer handle and the stopped flag (§5).
//
// The loop shape (recovery sweep on Start, a ticker-driven background
// loop, an explicit Stop that drains loops before a final snapshot) is
// carried over from the teacher's internal/controller.Controller, with
// its dispatch loop replaced: dispatch here is request-driven (a worker
// calls getWork), not a background loop, per spec §4.2.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kueuedb/kueue/internal/metrics"
	"github.com/kueuedb/kueue/internal/statemachine"
	"github.com/kueuedb/kueue/internal/store"
	"github.com/kueuedb/kueue/pkg/types"
)

var log = slog.Default()

// DefaultPromotionPeriod is the interval between promotion sweeps, per
// spec §4.2 ("default period 15 000 ms").
const DefaultPromotionPeriod = 15 * time.Second

// Config tunes the Scheduler's background behavior.
type Config struct {
	PromotionPeriod time.Duration
	SnapshotPeriod  time.Duration // 0 disables periodic snapshots

	// Metrics is optional; when set, the Scheduler reports every lifecycle
	// transition and a queue-depth snapshot on each promotion tick.
	Metrics *metrics.Collector
}

// Snapshotter is implemented by internal/store.MemStore; kept as a
// narrow interface so the Scheduler doesn't need the concrete type.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// Scheduler is the runtime singleton coordinating one job collection.
type Scheduler struct {
	store  store.Store
	snap   Snapshotter
	config Config

	mu          sync.Mutex
	everStarted bool
	stopped     bool
	stopCh      chan struct{}
	loopWg      sync.WaitGroup
}

// New builds a Scheduler over st. snap may be nil to disable periodic
// snapshots and the final snapshot on Stop.
func New(st store.Store, snap Snapshotter, config Config) *Scheduler {
	if config.PromotionPeriod <= 0 {
		config.PromotionPeriod = DefaultPromotionPeriod
	}
	return &Scheduler{
		store:  st,
		snap:   snap,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start is both the process-startup entrypoint and the `startJobs` RPC
// handler (§4.2: "the promotion loop ... resumes on startJobs"). The
// recovery sweep (force-failing any job left running from an unclean
// shutdown, restoring I1) runs exactly once, on the very first Start —
// never again on a later resume, since a resume's running jobs are
// legitimately in flight, not crash debris. Calling Start while already
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case !s.everStarted:
		s.everStarted = true
		s.mu.Unlock()

		n, err := s.recoverRunningJobs(ctx)
		if err != nil {
			return fmt.Errorf("scheduler: recovery sweep: %w", err)
		}
		if n > 0 {
			log.Info("recovery sweep force-failed running jobs", "count", n)
		}

		s.startLoops()
		log.Info("scheduler started", "promotionPeriod", s.config.PromotionPeriod)
		return nil

	case s.stopped:
		s.stopped = false
		s.stopCh = make(chan struct{})
		s.mu.Unlock()

		s.startLoops()
		log.Info("scheduler resumed", "promotionPeriod", s.config.PromotionPeriod)
		return nil

	default:
		s.mu.Unlock()
		return nil
	}
}

// startLoops launches the promotion loop and, if configured, the
// periodic snapshot loop against the current stopCh.
func (s *Scheduler) startLoops() {
	s.loopWg.Add(1)
	go s.promotionLoop()

	if s.snap != nil && s.config.SnapshotPeriod > 0 {
		s.loopWg.Add(1)
		go s.snapshotLoop()
	}
}

// recoverRunningJobs force-fails every job found running at startup —
// it never got a chance to call jobDone or jobFail for itself, so I1
// ("running ⟺ runId≠null") would otherwise stay transiently violated
// forever past a crash.
func (s *Scheduler) recoverRunningJobs(ctx context.Context) (int, error) {
	running, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusRunning))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range running {
		_, err := s.store.FindAndModify(ctx, store.ByID(job.ID).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
			return statemachine.ForceFail(j, "Recovered: found running at startup", time.Now())
		})
		if err != nil {
			log.Error("recovery sweep could not force-fail job", "jobId", job.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// promotionLoop is the single promotion actor described in §4.2: on
// each tick, every waiting job whose dependencies are resolved and
// whose after has passed is promoted to ready.
func (s *Scheduler) promotionLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.PromotionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := s.PromoteDue(ctx); err != nil {
				log.Error("promotion sweep failed", "error", err)
			}
			s.reportQueueDepths(ctx)
		}
	}
}

// reportQueueDepths refreshes the waiting/ready/running gauges. A no-op
// when metrics aren't configured.
func (s *Scheduler) reportQueueDepths(ctx context.Context) {
	if s.config.Metrics == nil {
		return
	}
	waiting, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusWaiting))
	if err != nil {
		return
	}
	ready, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusReady))
	if err != nil {
		return
	}
	running, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusRunning))
	if err != nil {
		return
	}
	s.config.Metrics.SetQueueDepths(len(waiting), len(ready), len(running))
}

// PromoteDue runs one promotion sweep immediately; the background loop
// calls it on a timer, but RPC-triggered "poke" paths (e.g. jobSave with
// an immediate after) can call it directly too.
func (s *Scheduler) PromoteDue(ctx context.Context) error {
	candidates, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusWaiting))
	if err != nil {
		return err
	}

	now := time.Now()
	for _, job := range candidates {
		_, err := s.store.FindAndModify(ctx, store.ByID(job.ID).WithStatus(types.StatusWaiting), func(j *types.Job) (*types.Job, error) {
			return statemachine.Promote(j, now)
		})
		switch {
		case err == nil:
			if s.config.Metrics != nil {
				s.config.Metrics.RecordPromoted()
			}
		case err == store.ErrPrecondition:
			// another caller already moved this job; nothing to do
		case err == statemachine.ErrNotDue:
			// expected: after hasn't passed, or depends isn't empty yet
		default:
			log.Error("promotion failed for job", "jobId", job.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) snapshotLoop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.config.SnapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.snap.Snapshot(context.Background()); err != nil {
				log.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// Stop enters the stopped state: the promotion loop halts immediately,
// and after timeout elapses (0 meaning "immediately") every job still
// running is force-failed. A final snapshot is taken before returning.
func (s *Scheduler) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopCh := s.stopCh // snapshot under lock: Start may swap s.stopCh on a later resume
	s.mu.Unlock()

	log.Info("scheduler stopping", "timeout", timeout)
	close(stopCh)
	s.loopWg.Wait()

	if timeout > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
	}

	n, err := s.forceFailAllRunning(context.Background(), "Shutdown timeout exceeded")
	if err != nil {
		log.Error("shutdown force-fail sweep failed", "error", err)
	} else if n > 0 {
		log.Info("shutdown force-failed running jobs", "count", n)
	}

	if s.snap != nil {
		if err := s.snap.Snapshot(context.Background()); err != nil {
			log.Error("final snapshot failed", "error", err)
		}
	}

	log.Info("scheduler stopped")
	return nil
}

// Stopped reports whether the scheduler has entered the stopped state;
// GetWork and the jobSave/jobProgress/jobDone RPC handlers consult this
// (the promotion loop exits on stopCh instead).
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) forceFailAllRunning(ctx context.Context, reason string) (int, error) {
	running, err := s.store.Find(ctx, store.Query{}.WithStatus(types.StatusRunning))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range running {
		_, err := s.store.FindAndModify(ctx, store.ByID(job.ID).WithStatus(types.StatusRunning), func(j *types.Job) (*types.Job, error) {
			return statemachine.ForceFail(j, reason, time.Now())
		})
		if err != nil {
			continue
		}
		count++
	}
	return count, nil
}
