package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	values map[string]string
	err    error
	asked  []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.asked = append(f.asked, name)
	if f.err != nil {
		return "", f.err
	}
	return f.values[name], nil
}

func TestParamFetcher_ParsesTokenAndExpiry(t *testing.T) {
	g := &fakeGetter{values: map[string]string{
		"/line-chat/open-ai-token": `{"token":"sk-test","expires_at":"2026-03-01T12:15:00+09:00"}`,
	}}
	p, err := NewParamFetcher(g, "/line-chat/open-ai-token")
	require.NoError(t, err)

	tok, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-test", tok.Value)
	require.Equal(t, time.Date(2026, 3, 1, 3, 15, 0, 0, time.UTC), tok.ExpiresAt)
}

func TestParamFetcher_TokenWithoutExpiry(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/p": `{"token":"abc"}`}}
	p, err := NewParamFetcher(g, "/p")
	require.NoError(t, err)

	tok, err := p.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok.Value)
	require.True(t, tok.ExpiresAt.IsZero())
}

func TestParamFetcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		getter  *fakeGetter
		wantErr string
	}{
		{"getter error", &fakeGetter{err: errors.New("throttled")}, "throttled"},
		{"not json", &fakeGetter{values: map[string]string{"/p": "plain"}}, "unmarshal"},
		{"empty token", &fakeGetter{values: map[string]string{"/p": `{"token":""}`}}, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewParamFetcher(tt.getter, "/p")
			require.NoError(t, err)
			_, err = p.Fetch(context.Background())
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewParamFetcher_Validation(t *testing.T) {
	_, err := NewParamFetcher(nil, "/p")
	require.Error(t, err)
	_, err = NewParamFetcher(&fakeGetter{}, "  ")
	require.Error(t, err)
}
