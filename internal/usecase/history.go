package usecase

import (
	"context"
	"log/slog"
	"time"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/repository"
)

// recent loads the user's turns created within window of now. A store failure
// is logged and yields no history so the turn can proceed.
func (s *RelayService) recent(ctx context.Context, userID string, now time.Time, window time.Duration) []domain.Turn {
	turns, err := s.store.Recent(ctx, repository.NewRecentQuery(userID, now.Add(-window)))
	if err != nil {
		storeErr := newError(ErrorStore, "history_read_error", err)
		slog.Warn("history unavailable, continuing without context", "user_id", userID, "err", storeErr)
		s.metrics.StoreError("recent")
		return []domain.Turn{}
	}
	return turns
}

// recordTurn appends the finished turn. Failures are logged and reported as
// false; the reply is sent regardless.
func (s *RelayService) recordTurn(ctx context.Context, turn domain.Turn) bool {
	if _, err := s.store.Append(ctx, turn); err != nil {
		storeErr := newError(ErrorStore, "history_write_error", err)
		slog.Error("failed to record turn", "user_id", turn.UserID, "turn_id", turn.TurnID, "err", storeErr)
		s.metrics.StoreError("append")
		return false
	}
	return true
}
