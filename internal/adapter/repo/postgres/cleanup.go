package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// CleanupService removes rows past their retention: expired tickets and
// conversation/analytics rows older than the retention window.
type CleanupService struct {
	pool      PgxPool
	retention time.Duration
	now       func() time.Time
}

// NewCleanupService constructs a CleanupService. retentionDays bounds how
// long conversation and analytics rows are kept.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{
		pool:      pool,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// CleanupExpired runs one retention pass and returns the total rows removed.
func (s *CleanupService) CleanupExpired(ctx domain.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	var total int64

	tag, err := s.pool.Exec(ctx, `DELETE FROM tickets WHERE expires_at < $1`, s.now().UTC())
	if err != nil {
		return total, fmt.Errorf("op=cleanup.tickets: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM conversations WHERE ts < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("op=cleanup.conversations: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM analytics_events WHERE ts < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("op=cleanup.analytics: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}

// RunPeriodic runs CleanupExpired on the given interval until ctx is done.
func (s *CleanupService) RunPeriodic(ctx domain.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpired(ctx)
			if err != nil {
				slog.Error("retention cleanup failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				slog.Info("retention cleanup", slog.Int64("rows_removed", removed))
			}
		}
	}
}
