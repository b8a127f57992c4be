package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"line-chat-relay/internal/domain"
)

// redisAPI is the subset of *redis.Client used by RedisStore.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// redisTurn is the JSON record stored per turn.
type redisTurn struct {
	UserID           string  `json:"user_id"`
	TurnID           string  `json:"turn_id"`
	CreatedAt        int64   `json:"created_at"` // Unix nanoseconds
	UserMessage      string  `json:"user_message"`
	AssistantMessage *string `json:"assistant_message,omitempty"`
}

// RedisStore indexes each user's turns in a sorted set scored by creation
// time; the turn bodies live in per-turn string keys.
type RedisStore struct {
	rdb redisAPI
	ttl time.Duration
}

// NewRedisStore wraps a redis client. Keys expire after ttl (30 days when
// non-positive).
func NewRedisStore(rdb redisAPI, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func redisIndexKey(userID string) string {
	return "turns:" + userID
}

func redisTurnKey(userID, turnID string) string {
	return "turn:" + userID + ":" + turnID
}

func redisScore(ts time.Time) float64 {
	return float64(ts.UnixMilli())
}

func (s *RedisStore) Append(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}
	turn.CreatedAt = timeNow()

	body, err := json.Marshal(redisTurn{
		UserID:           turn.UserID,
		TurnID:           turn.TurnID,
		CreatedAt:        turn.CreatedAt.UnixNano(),
		UserMessage:      turn.UserMessage,
		AssistantMessage: turn.AssistantMessage,
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: Append marshal: %w", err)
	}

	turnKey := redisTurnKey(turn.UserID, turn.TurnID)
	created, err := s.rdb.SetNX(ctx, turnKey, body, s.ttl).Result()
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: Append: %w", err)
	}
	if !created {
		return domain.Turn{}, fmt.Errorf("repository: Append %s/%s: %w", turn.UserID, turn.TurnID, ErrDuplicateTurn)
	}

	indexKey := redisIndexKey(turn.UserID)
	if err := s.rdb.ZAdd(ctx, indexKey, redis.Z{Score: redisScore(turn.CreatedAt), Member: turn.TurnID}).Err(); err != nil {
		// An unindexed body would block retries of the same turn id.
		_ = s.rdb.Del(ctx, turnKey).Err()
		return domain.Turn{}, fmt.Errorf("repository: Append index: %w", err)
	}

	// Index housekeeping is best effort; expired bodies are skipped on read.
	cutoff := strconv.FormatInt(turn.CreatedAt.Add(-s.ttl).UnixMilli(), 10)
	_ = s.rdb.ZRemRangeByScore(ctx, indexKey, "-inf", "("+cutoff).Err()
	_ = s.rdb.Expire(ctx, indexKey, s.ttl).Err()

	return turn, nil
}

func (s *RedisStore) Recent(ctx context.Context, q RecentQuery) ([]domain.Turn, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	ids, err := s.rdb.ZRangeByScore(ctx, redisIndexKey(q.UserID), &redis.ZRangeBy{
		Min: strconv.FormatInt(q.Since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: Recent index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, redisTurnKey(q.UserID, id))
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("repository: Recent load: %w", err)
	}

	fields := q.projection()
	turns := make([]domain.Turn, 0, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("repository: Recent load %s: unexpected value type %T", keys[i], v)
		}
		var rec redisTurn
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal %s: %w", keys[i], err)
		}
		turn := domain.Turn{
			UserID:           rec.UserID,
			TurnID:           rec.TurnID,
			CreatedAt:        time.Unix(0, rec.CreatedAt).UTC(),
			UserMessage:      rec.UserMessage,
			AssistantMessage: rec.AssistantMessage,
		}
		// Scores have millisecond precision; the body is authoritative.
		if turn.CreatedAt.Before(q.Since) {
			continue
		}
		turns = append(turns, project(turn, fields))
	}
	sortChronological(turns)
	return turns, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
