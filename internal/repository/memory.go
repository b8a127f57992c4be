package repository

import (
	"context"
	"fmt"
	"sync"

	"line-chat-relay/internal/domain"
)

// InMemoryStore is an in-process turn log for local runs and tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string]map[string]domain.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string]map[string]domain.Turn)}
}

func (s *InMemoryStore) Append(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.turns[turn.UserID]
	if partition == nil {
		partition = make(map[string]domain.Turn)
		s.turns[turn.UserID] = partition
	}
	if _, exists := partition[turn.TurnID]; exists {
		return domain.Turn{}, fmt.Errorf("repository: Append %s/%s: %w", turn.UserID, turn.TurnID, ErrDuplicateTurn)
	}
	turn.CreatedAt = timeNow()
	if turn.AssistantMessage != nil {
		answer := *turn.AssistantMessage
		turn.AssistantMessage = &answer
	}
	partition[turn.TurnID] = turn
	return turn, nil
}

func (s *InMemoryStore) Recent(_ context.Context, q RecentQuery) ([]domain.Turn, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Turn, 0, len(s.turns[q.UserID]))
	for _, turn := range s.turns[q.UserID] {
		if turn.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, project(turn, q.projection()))
	}
	sortChronological(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func project(turn domain.Turn, fields []Field) domain.Turn {
	var out domain.Turn
	for _, f := range fields {
		switch f {
		case FieldUserID:
			out.UserID = turn.UserID
		case FieldTurnID:
			out.TurnID = turn.TurnID
		case FieldCreatedAt:
			out.CreatedAt = turn.CreatedAt
		case FieldUserMessage:
			out.UserMessage = turn.UserMessage
		case FieldAssistantMessage:
			if turn.AssistantMessage != nil {
				answer := *turn.AssistantMessage
				out.AssistantMessage = &answer
			}
		}
	}
	return out
}
