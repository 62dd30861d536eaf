package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweeper expires stale engine state on a schedule, whether or not any
// navigation happens.
type Sweeper struct {
	engine  *Engine
	cron    *cron.Cron
	timeout time.Duration

	// test hook: called after each sweep.
	afterSweep func(SweepStats)
}

// NewSweeper schedules e.Sweep using a cron spec such as "@every 1m".
func NewSweeper(e *Engine, schedule string) (*Sweeper, error) {
	s := &Sweeper{engine: e, cron: cron.New(), timeout: 30 * time.Second}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop blocks until a sweep in progress completes.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stats := s.engine.Sweep(ctx)
	if stats != (SweepStats{}) {
		log.Debug().
			Int("activations", stats.Activations).
			Int("cooldowns", stats.Cooldowns).
			Int("pending", stats.Pending).
			Int("fallbacks", stats.Fallbacks).
			Int("offers", stats.Offers).
			Msg("sweep")
	}
	if s.afterSweep != nil {
		s.afterSweep(stats)
	}
}
