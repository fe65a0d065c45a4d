package pricing

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the periodic aggregation run. afterRun, when set,
// receives every successful report; the caller hooks anchor refresh
// and snapshot archiving there so the engine stays free of delivery
// concerns.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	afterRun func(ctx context.Context, report *Report)
}

func NewScheduler(engine *Engine, interval time.Duration, afterRun func(ctx context.Context, report *Report)) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		afterRun: afterRun,
	}
}

// Start launches the background aggregation job. It returns
// immediately; the job stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.engine.RunAggregation(ctx, nil, 0)
	if err != nil {
		slog.Error("Scheduled aggregation failed",
			slog.String("type", "market"),
			slog.Any("error", err))
		return
	}
	if s.afterRun != nil {
		s.afterRun(ctx, report)
	}
}
