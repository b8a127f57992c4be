package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"line-chat-relay/internal/domain"
)

func TestInMemoryStore_RecentWindowAndOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, 5 * time.Minute, 11 * time.Minute, 15 * time.Minute} {
		fixClock(t, base.Add(offset))
		_, err := store.Append(ctx, domain.Turn{UserID: "U1", TurnID: fmt.Sprintf("m-%d", i), UserMessage: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, domain.Turn{UserID: "U2", TurnID: "other", UserMessage: "other user"})
	require.NoError(t, err)

	now := base.Add(16 * time.Minute)
	turns, err := store.Recent(ctx, NewRecentQuery("U1", now.Add(-10*time.Minute)))
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "msg-2", turns[0].UserMessage)
	require.Equal(t, "msg-3", turns[1].UserMessage)
}

func TestInMemoryStore_DuplicateTurn(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_, err := store.Append(ctx, domain.Turn{UserID: "U1", TurnID: "m-1", UserMessage: "hi"})
	require.NoError(t, err)
	_, err = store.Append(ctx, domain.Turn{UserID: "U1", TurnID: "m-1", UserMessage: "again"})
	require.ErrorIs(t, err, ErrDuplicateTurn)

	_, err = store.Append(ctx, domain.Turn{UserID: "U2", TurnID: "m-1", UserMessage: "same id, other user"})
	require.NoError(t, err)
}

func TestInMemoryStore_ConcurrentAppendsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, domain.Turn{UserID: "U1", TurnID: fmt.Sprintf("m-%02d", i), UserMessage: "hi"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := store.Recent(ctx, NewRecentQuery("U1", time.Time{}))
	require.NoError(t, err)
	require.Len(t, turns, 20)
}

func TestInMemoryStore_ProjectionAndCopy(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	answer := "にゃん！"
	_, err := store.Append(ctx, domain.Turn{UserID: "U1", TurnID: "m-1", UserMessage: "hi", AssistantMessage: &answer})
	require.NoError(t, err)
	answer = "mutated"

	turns, err := store.Recent(ctx, RecentQuery{UserID: "U1", Fields: []Field{FieldAssistantMessage}})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Empty(t, turns[0].UserMessage)
	require.False(t, turns[0].CreatedAt.IsZero())
	require.Equal(t, "にゃん！", turns[0].AssistantText())
}

func TestRecentQuery_Validate(t *testing.T) {
	require.Error(t, RecentQuery{}.validate())
	require.Error(t, RecentQuery{UserID: "U1", Fields: []Field{"bogus"}}.validate())
	require.NoError(t, NewRecentQuery("U1", time.Now()).validate())
}

func TestSortChronological_TieBreaksOnTurnID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	turns := []domain.Turn{
		{TurnID: "b", CreatedAt: ts},
		{TurnID: "c", CreatedAt: ts.Add(-time.Second)},
		{TurnID: "a", CreatedAt: ts},
	}
	sortChronological(turns)
	require.Equal(t, "c", turns[0].TurnID)
	require.Equal(t, "a", turns[1].TurnID)
	require.Equal(t, "b", turns[2].TurnID)
}
