package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateway-fm/cfdi-descarga/internal/job"
)

type stateCounter interface {
	CountJobsByState(ctx context.Context) (map[job.State]int, error)
}

// Updater refreshes the job gauges from the store when triggered and on a
// slow timer.
type Updater struct {
	db       stateCounter
	reporter *PrometheusReporter
	interval time.Duration
	trigger  chan struct{}
}

func NewUpdater(db stateCounter, reporter *PrometheusReporter, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		reporter: reporter,
		interval: interval,
		// buffered channel to avoid blocking and all we need to know is that "something"
		// has happened whilst we were busy
		trigger: make(chan struct{}, 1),
	}
}

func (u *Updater) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()

		u.UpdateMetrics(ctx)
		for {
			select {
			case <-u.trigger:
				u.UpdateMetrics(ctx)
			case <-ticker.C:
				u.UpdateMetrics(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
		// channel is full, so we don't need to do anything
	}
}

func (u *Updater) UpdateMetrics(ctx context.Context) {
	counts, err := u.db.CountJobsByState(ctx)
	if err != nil {
		slog.Error("failed to count jobs for metrics", "err", err)
		return
	}
	u.reporter.ReportStates(counts)
}
