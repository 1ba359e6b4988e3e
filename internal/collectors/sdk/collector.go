package sdk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Collector is one periodic sweep over the fleet (status polling,
// discovery, lease scraping). Collect does a single pass; the runner owns
// the cadence.
type Collector interface {
	Collect(ctx context.Context) error
	Name() string
	Interval() time.Duration
}

// RunPeriodic runs the collector immediately, then on its interval until
// ctx ends. A failed pass is logged and the cadence continues; one bad
// sweep must not stop the loop.
func RunPeriodic(ctx context.Context, c Collector, log *zap.Logger) {
	run := func() {
		if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
			if log != nil {
				log.Warn("collector pass failed", zap.String("collector", c.Name()), zap.Error(err))
			}
		}
	}

	run()
	t := time.NewTicker(c.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
