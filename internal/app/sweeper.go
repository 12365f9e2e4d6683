package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
)

// SessionSweeper periodically removes idle and closed sessions. Each pass
// runs under its own deadline so a slow scan cannot wedge the loop.
type SessionSweeper struct {
	store    domain.SessionStore
	interval time.Duration
	deadline time.Duration
}

// NewSessionSweeper constructs a SessionSweeper.
func NewSessionSweeper(store domain.SessionStore, interval, deadline time.Duration) *SessionSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return &SessionSweeper{store: store, interval: interval, deadline: deadline}
}

// Run sweeps on the interval until ctx is done.
func (s *SessionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.deadline)
			removed, err := s.store.Sweep(sweepCtx)
			cancel()
			if err != nil {
				slog.Error("session sweep failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				observability.SessionsSweptTotal.Add(float64(removed))
				slog.Info("session sweep", slog.Int("removed", removed))
			}
		}
	}
}
