package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/util"
)

// Sweeper periodically expires stale orders. It is the only path by which an
// order becomes EXPIRED.
type Sweeper struct {
	engine   *Engine
	clock    util.Clock
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewSweeper(engine *Engine, clock util.Clock, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Sweeper{engine: engine, clock: clock, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Infow("sweeper_started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("sweeper_stopped")
			return nil
		case <-s.clock.After(s.interval):
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires everything due at the clock's current time.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.engine.SweepExpired(ctx, s.clock.Now())
	if err != nil && ctx.Err() == nil {
		s.logger.Warnw("sweep_failed", "expired", len(expired), "error", err)
	}
	return len(expired)
}
