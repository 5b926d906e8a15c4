package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper purges stale sessions.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// RetentionScheduler runs the stale-session sweep on a cron spec such as
// "@every 10m" or "*/5 * * * *". Overlapping runs are skipped.
type RetentionScheduler struct {
	c   *cron.Cron
	log zerolog.Logger
}

var retentionParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewRetentionScheduler(spec string, sweeper Sweeper, log zerolog.Logger) (*RetentionScheduler, error) {
	c := cron.New(
		cron.WithParser(retentionParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := sweeper.SweepStale(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("retention sweep failed")
			return
		}
		log.Debug().Int("purged", n).Msg("retention sweep done")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention spec %q: %w", spec, err)
	}
	return &RetentionScheduler{c: c, log: log}, nil
}

func (s *RetentionScheduler) Start() {
	s.c.Start()
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *RetentionScheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("retention sweep still running at shutdown")
	}
}
