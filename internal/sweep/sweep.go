// Package sweep runs the maintenance timers: stale-lock recovery, terminal
// job retention cleanup, and usage-record cleanup. Each timer is
// independent of the dispatcher tick rate; the stale sweep can run on a
// minutes cadence, cleanup typically daily.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"jobflow/internal/queue"
	"jobflow/internal/ratelimit"
)

type Config struct {
	StaleEvery   time.Duration
	CleanupEvery time.Duration
	UsageHorizon time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleEvery:   time.Minute,
		CleanupEvery: 24 * time.Hour,
		UsageHorizon: ratelimit.DefaultUsageHorizon,
	}
}

type Sweeper struct {
	store   queue.Store
	limiter *ratelimit.Limiter
	cfg     Config
	log     zerolog.Logger
}

func New(store queue.Store, limiter *ratelimit.Limiter, cfg Config, logger zerolog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.StaleEvery <= 0 {
		cfg.StaleEvery = def.StaleEvery
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = def.CleanupEvery
	}
	if cfg.UsageHorizon <= 0 {
		cfg.UsageHorizon = def.UsageHorizon
	}
	return &Sweeper{store: store, limiter: limiter, cfg: cfg, log: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	stale := time.NewTicker(s.cfg.StaleEvery)
	defer stale.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupEvery)
	defer cleanup.Stop()

	s.log.Info().Dur("stale_every", s.cfg.StaleEvery).Dur("cleanup_every", s.cfg.CleanupEvery).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-stale.C:
			s.recoverStale(ctx, now.UTC())
		case now := <-cleanup.C:
			s.cleanup(ctx, now.UTC())
		}
	}
}

func (s *Sweeper) recoverStale(ctx context.Context, now time.Time) {
	n, err := s.store.RecoverStale(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("stale recovery failed")
		return
	}
	if n > 0 {
		s.log.Warn().Int("recovered", n).Msg("reclaimed stale processing jobs")
	}
}

func (s *Sweeper) cleanup(ctx context.Context, now time.Time) {
	deleted, err := s.store.Cleanup(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("retention cleanup failed")
	} else if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("removed old terminal jobs")
	}

	if s.limiter == nil {
		return
	}
	removed, err := s.limiter.CleanupOldUsage(ctx, s.cfg.UsageHorizon)
	if err != nil {
		s.log.Error().Err(err).Msg("usage cleanup failed")
	} else if removed > 0 {
		s.log.Info().Int("deleted", removed).Msg("removed old usage records")
	}
}
