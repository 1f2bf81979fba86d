package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const sweepTimeout = 5 * time.Minute

type sweepRunner interface {
	Sweep(ctx context.Context) (int, error)
}

// newSweeper schedules the reconciliation sweep. Overlapping runs are
// skipped.
func newSweeper(schedule string, r sweepRunner, logger zerolog.Logger) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(schedule, func() { runSweep(r, logger) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return c, nil
}

func runSweep(r sweepRunner, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	corrected, err := r.Sweep(ctx)
	if err != nil {
		logger.Error().Err(err).Int("corrected", corrected).Msg("subscription sweep failed")
		return
	}
	logger.Info().Int("corrected", corrected).Dur("duration", time.Since(start)).Msg("subscription sweep finished")
}
