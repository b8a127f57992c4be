package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"line-chat-relay/internal/domain"
)

// pgxAPI is the subset of *pgxpool.Pool used by PostgresStore.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var pgColumn = map[Field]string{
	FieldUserID:           "user_id",
	FieldTurnID:           "turn_id",
	FieldCreatedAt:        "created_at",
	FieldUserMessage:      "user_message",
	FieldAssistantMessage: "assistant_message",
}

// PostgresStore persists turns in PostgreSQL.
type PostgresStore struct {
	db    pgxAPI
	close func()
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func initSchema(ctx context.Context, db pgxAPI) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_turns (
			user_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			user_message TEXT NOT NULL,
			assistant_message TEXT NULL,
			PRIMARY KEY (user_id, turn_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_user_created ON chat_turns (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}
	turn.CreatedAt = timeNow()

	tag, err := s.db.Exec(ctx,
		`INSERT INTO chat_turns (user_id, turn_id, created_at, user_message, assistant_message)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, turn_id) DO NOTHING`,
		turn.UserID,
		turn.TurnID,
		turn.CreatedAt,
		turn.UserMessage,
		turn.AssistantMessage,
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: Append: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Turn{}, fmt.Errorf("repository: Append %s/%s: %w", turn.UserID, turn.TurnID, ErrDuplicateTurn)
	}
	return turn, nil
}

func (s *PostgresStore) Recent(ctx context.Context, q RecentQuery) ([]domain.Turn, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	fields := q.projection()
	columns := make([]string, 0, len(fields))
	for _, f := range fields {
		columns = append(columns, pgColumn[f])
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+strings.Join(columns, ", ")+`
		 FROM chat_turns WHERE user_id=$1 AND created_at >= $2
		 ORDER BY created_at ASC, turn_id ASC`,
		q.UserID,
		q.Since,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		dest := make([]any, 0, len(fields))
		for _, f := range fields {
			switch f {
			case FieldUserID:
				dest = append(dest, &turn.UserID)
			case FieldTurnID:
				dest = append(dest, &turn.TurnID)
			case FieldCreatedAt:
				dest = append(dest, &turn.CreatedAt)
			case FieldUserMessage:
				dest = append(dest, &turn.UserMessage)
			case FieldAssistantMessage:
				dest = append(dest, &turn.AssistantMessage)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("repository: Recent scan: %w", err)
		}
		turn.CreatedAt = turn.CreatedAt.UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Recent iterate: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
