package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"line-chat-relay/internal/domain"
)

// ErrDuplicateTurn is returned by Append when the turn id already exists for the user.
var ErrDuplicateTurn = errors.New("repository: duplicate turn")

// Field names a Turn attribute that a RecentQuery projects.
type Field string

const (
	FieldUserID           Field = "user_id"
	FieldTurnID           Field = "turn_id"
	FieldCreatedAt        Field = "created_at"
	FieldUserMessage      Field = "user_message"
	FieldAssistantMessage Field = "assistant_message"
)

// TurnFields is the default projection: every Turn attribute.
var TurnFields = []Field{FieldUserID, FieldTurnID, FieldCreatedAt, FieldUserMessage, FieldAssistantMessage}

// RecentQuery selects the turns of one user created at or after Since.
// Backends translate it to their native query language.
type RecentQuery struct {
	UserID string
	Since  time.Time
	Fields []Field
}

// NewRecentQuery builds a query projecting every Turn field.
func NewRecentQuery(userID string, since time.Time) RecentQuery {
	return RecentQuery{UserID: userID, Since: since, Fields: TurnFields}
}

// projection returns the requested fields, always including created_at since
// results are ordered by it.
func (q RecentQuery) projection() []Field {
	if len(q.Fields) == 0 {
		return TurnFields
	}
	out := make([]Field, 0, len(q.Fields)+1)
	seen := make(map[Field]bool, len(q.Fields)+1)
	for _, f := range q.Fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if !seen[FieldCreatedAt] {
		out = append(out, FieldCreatedAt)
	}
	return out
}

func (q RecentQuery) validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return errors.New("repository: query user id is required")
	}
	for _, f := range q.Fields {
		switch f {
		case FieldUserID, FieldTurnID, FieldCreatedAt, FieldUserMessage, FieldAssistantMessage:
		default:
			return errors.New("repository: unknown query field " + string(f))
		}
	}
	return nil
}

// Store is an append-only per-user log of turns.
type Store interface {
	// Append persists one turn, stamping CreatedAt, and returns the stored turn.
	Append(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	// Recent returns the turns matching q in chronological order.
	Recent(ctx context.Context, q RecentQuery) ([]domain.Turn, error)
	Close() error
}

var timeNow = func() time.Time {
	return time.Now().UTC()
}

func validateTurn(turn domain.Turn) error {
	if strings.TrimSpace(turn.UserID) == "" {
		return errors.New("repository: turn user id is required")
	}
	if strings.TrimSpace(turn.TurnID) == "" {
		return errors.New("repository: turn id is required")
	}
	return nil
}

func sortChronological(turns []domain.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].TurnID < turns[j].TurnID
		}
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
}
