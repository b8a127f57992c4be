package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/repository"
)

type mockLLM struct {
	answer    string
	err       error
	callCount int
	captured  domain.CompletionRequest
}

func (m *mockLLM) Chat(_ context.Context, req domain.CompletionRequest) (string, error) {
	m.callCount++
	m.captured = req
	return m.answer, m.err
}

// mockStore records appends and serves a fixed history.
type mockStore struct {
	mu          sync.Mutex
	history     []domain.Turn
	recentErr   error
	appendErr   error
	appended    []domain.Turn
	lastQuery   repository.RecentQuery
	recentCalls int
}

func (m *mockStore) Append(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, turn)
	if m.appendErr != nil {
		return domain.Turn{}, m.appendErr
	}
	return turn, nil
}

func (m *mockStore) Recent(_ context.Context, q repository.RecentQuery) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentCalls++
	m.lastQuery = q
	return m.history, m.recentErr
}

func (m *mockStore) Close() error { return nil }

type mockMedia struct {
	data []byte
	err  error
	ids  []string
}

func (m *mockMedia) GetMessageContent(_ context.Context, id string) ([]byte, string, error) {
	m.ids = append(m.ids, id)
	return m.data, "image/jpeg", m.err
}

type replyRecorder struct {
	texts []string
	err   error
}

func (r *replyRecorder) reply(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

type statusErr int

func (e statusErr) Error() string       { return "upstream status" }
func (e statusErr) HTTPStatusCode() int { return int(e) }

var errBackendDown = errors.New("connection reset by peer")

func fixNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return ts }
	t.Cleanup(func() { timeNow = prev })
}

func strPtr(s string) *string { return &s }

func turnsOf(n int) []domain.Turn {
	base := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
	out := make([]domain.Turn, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Turn{
			UserID:           "U1",
			TurnID:           string(rune('a' + i)),
			CreatedAt:        base.Add(time.Duration(i) * time.Second),
			UserMessage:      "q" + string(rune('0'+i)),
			AssistantMessage: strPtr("a" + string(rune('0'+i))),
		})
	}
	return out
}
