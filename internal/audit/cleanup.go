package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"devops-backend/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays from the
// _audit_events table and returns how many rows went.
func CleanupOldEvents(ctx context.Context, s *store.Store, retentionDays int) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	where := s.Dialect.OlderThanExpr("created_at", pb, retentionDays)
	n, err := store.Exec(ctx, s.DB, "DELETE FROM _audit_events WHERE "+where, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	if n > 0 {
		slog.Info("audit cleanup deleted old events", "deleted", n)
	}
	return n, nil
}

// StartCleanup runs CleanupOldEvents once a day until ctx is done.
// A non-positive retention disables it.
func StartCleanup(ctx context.Context, s *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			if _, err := CleanupOldEvents(ctx, s, retentionDays); err != nil {
				slog.Error("audit cleanup failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
