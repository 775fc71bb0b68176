package transcript

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultStaleAfter    = 10 * time.Minute
)

// StartSweeper periodically marks transcripts that have waited longer than
// staleAfter for an assistant turn as interrupted. It stops with ctx.
func (s *Service) StartSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	go s.sweepLoop(ctx, interval, staleAfter)
}

func (s *Service) sweepLoop(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStale(ctx, staleAfter); err != nil {
				log.Error("sweep stale transcripts", "err", err)
			}
		}
	}
}

// SweepStale runs one sweep and reports how many transcripts were interrupted.
func (s *Service) SweepStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := s.now().UTC()
	n, err := s.transcripts.MarkStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info("interrupted stale transcripts", "count", n)
	}
	return n, nil
}
