package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler dispatches queued jobs on a fixed interval and whenever a new job
// is queued.
type Scheduler struct {
	db           Db
	orchestrator *Orchestrator
	scheduler    gocron.Scheduler
	trigger      chan struct{}

	mu  sync.Mutex
	ctx context.Context
}

func NewScheduler(db Db, orchestrator *Orchestrator, interval time.Duration) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		db:           db,
		orchestrator: orchestrator,
		scheduler:    s,
		// one pending signal is enough, a dispatch picks up every queued job
		trigger: make(chan struct{}, 1),
		ctx:     context.Background(),
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(scheduler.dispatchQueued),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	return scheduler, nil
}

// Start begins dispatching. Executions started from here run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting job scheduler")
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.scheduler.Start()

	go func() {
		for {
			select {
			case <-s.trigger:
				s.dispatchQueued()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts dispatching. Running executions are not waited for; see
// Orchestrator.Wait.
func (s *Scheduler) Stop() {
	slog.Info("stopping job scheduler")
	if err := s.scheduler.Shutdown(); err != nil {
		slog.Error("error shutting down scheduler", "err", err)
	}
}

// Trigger asks for a dispatch without waiting for the next tick.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchQueued() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	isActive, err := s.db.GetSchedulerStatus()
	if err != nil {
		slog.Error("error checking scheduler status", "err", err)
		return
	}
	if !isActive {
		slog.Debug("scheduler is paused, skipping dispatch")
		return
	}

	started, err := s.orchestrator.Dispatch(s.ctx)
	if err != nil {
		slog.Error("failed to dispatch queued jobs", "err", err)
		return
	}
	if started > 0 {
		slog.Info("dispatched queued jobs", "count", started)
	}
}
