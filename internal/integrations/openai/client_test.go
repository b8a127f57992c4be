package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"line-chat-relay/internal/domain"
	"line-chat-relay/internal/integrations/credentials"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

type capturedRequest struct {
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func newCapturingServer(t *testing.T, status int, respBody string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient(&staticTokens{token: "sk-test"}, opts...)
	require.NoError(t, err)
	return c
}

func chatReq(msgs ...domain.ChatMessage) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       "gpt-4o-mini",
		Messages:    msgs,
		Temperature: 0.7,
		MaxTokens:   800,
		TopP:        0.95,
	}
}

const okBody = `{
	"id": "chatcmpl-123",
	"object": "chat.completion",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "にゃん！"}, "finish_reason": "stop"}]
}`

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestAzureChatURL(t *testing.T) {
	require.Equal(t,
		"https://cat.openai.azure.com/openai/deployments/gpt4o/chat/completions?api-version=2024-02-15-preview",
		azureChatURL("https://cat.openai.azure.com/", "gpt4o", "2024-02-15-preview"),
	)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")

	_, err = NewClient(&staticTokens{}, WithAzure("2024-02-15-preview"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "base URL")

	_, err = NewClient(&staticTokens{}, WithBaseURL("https://cat.openai.azure.com"), WithAzure(""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "api version")

	c, err := NewClient(&staticTokens{})
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
}

func TestClient_Chat_SendsDecodingParameters(t *testing.T) {
	srv, got := newCapturingServer(t, http.StatusOK, okBody)
	c := newTestClient(t, srv)

	text, err := c.Chat(context.Background(), chatReq(
		domain.ChatMessage{Role: domain.RoleSystem, Content: "You are a cat."},
		domain.ChatMessage{Role: domain.RoleUser, Content: "こんにちは"},
	))
	require.NoError(t, err)
	require.Equal(t, "にゃん！", text)

	require.Equal(t, "/v1/chat/completions", got.path)
	require.Equal(t, "Bearer sk-test", got.header.Get("Authorization"))
	require.Equal(t, "gpt-4o-mini", got.body["model"])
	require.Equal(t, 0.7, got.body["temperature"])
	require.Equal(t, float64(800), got.body["max_tokens"])
	require.Equal(t, 0.95, got.body["top_p"])
	// zero penalties are sent explicitly
	require.Contains(t, got.body, "frequency_penalty")
	require.Contains(t, got.body, "presence_penalty")
	require.Equal(t, float64(0), got.body["presence_penalty"])

	msgs := got.body["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "こんにちは", msgs[1].(map[string]any)["content"])
}

func TestClient_Chat_VisionContentParts(t *testing.T) {
	srv, got := newCapturingServer(t, http.StatusOK, okBody)
	c := newTestClient(t, srv)

	_, err := c.Chat(context.Background(), chatReq(
		domain.ChatMessage{Role: domain.RoleSystem, Content: "You are a cat."},
		domain.ChatMessage{Role: domain.RoleUser, ImageBase64: "aGVsbG8="},
	))
	require.NoError(t, err)

	msgs := got.body["messages"].([]any)
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 1)
	part := parts[0].(map[string]any)
	require.Equal(t, "image_url", part["type"])
	require.Equal(t, "data:image/jpeg;base64,aGVsbG8=", part["image_url"].(map[string]any)["url"])
	require.Equal(t, "You are a cat.", msgs[0].(map[string]any)["content"])
}

func TestClient_Chat_Azure(t *testing.T) {
	srv, got := newCapturingServer(t, http.StatusOK, okBody)
	c := newTestClient(t, srv, WithAzure("2024-02-15-preview"))

	text, err := c.Chat(context.Background(), chatReq(domain.ChatMessage{Role: domain.RoleUser, Content: "hi"}))
	require.NoError(t, err)
	require.Equal(t, "にゃん！", text)
	require.Equal(t, "/openai/deployments/gpt-4o-mini/chat/completions", got.path)
	require.Equal(t, "api-version=2024-02-15-preview", got.query)
	require.Equal(t, "sk-test", got.header.Get("api-key"))
	require.Empty(t, got.header.Get("Authorization"))
	require.NotContains(t, got.body, "model")
}

func TestClient_Chat_StatusErrors(t *testing.T) {
	for _, status := range []int{400, 401, 429, 500} {
		srv, _ := newCapturingServer(t, status, `{"error":{"message":"nope"}}`)
		c := newTestClient(t, srv)

		_, err := c.Chat(context.Background(), chatReq(domain.ChatMessage{Role: domain.RoleUser, Content: "hi"}))
		require.Error(t, err)
		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr), "status=%d", status)
		require.Equal(t, status, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestClient_Chat_NoChoices(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusOK, `{"choices":[]}`)
	c := newTestClient(t, srv)
	_, err := c.Chat(context.Background(), chatReq())
	require.ErrorIs(t, err, domain.ErrNoChoices)
}

func TestClient_Chat_InvalidJSON(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusOK, `not-a-json`)
	c := newTestClient(t, srv)
	_, err := c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestClient_Chat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

func TestClient_Chat_TokenError(t *testing.T) {
	c, err := NewClient(&staticTokens{err: errors.New("ssm unavailable")})
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), chatReq())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestClient_Chat_EmptyModel(t *testing.T) {
	tokens := &staticTokens{token: "sk-test"}
	c, err := NewClient(tokens)
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), domain.CompletionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
	require.Zero(t, tokens.calls)
}

type paramValues map[string]string

func (p paramValues) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", errors.New("parameter not found: " + name)
	}
	return v, nil
}

func TestClient_Chat_RotatedKeyIsReadAfterUnauthorized(t *testing.T) {
	const name = "/line-chat/open-ai-token"
	params := paramValues{name: `{"token":"old"}`}
	fetcher, err := credentials.NewParamFetcher(params, name)
	require.NoError(t, err)
	cache, err := credentials.NewCache(fetcher, credentials.DefaultRefreshThreshold)
	require.NoError(t, err)

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)
		if auth != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_api_key"}}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(cache, WithBaseURL(srv.URL), WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)

	req := chatReq(domain.ChatMessage{Role: domain.RoleUser, Content: "こんにちは"})
	_, err = c.Chat(context.Background(), req)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	params[name] = `{"token":"new"}`
	text, err := c.Chat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "にゃん！", text)
	require.Equal(t, []string{"Bearer old", "Bearer new"}, seen)
}

type invalidatingTokens struct {
	staticTokens
	invalidated int
}

func (i *invalidatingTokens) Invalidate() { i.invalidated++ }

func TestClient_Chat_KeepsKeyOnServerError(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusInternalServerError, `{"error":"boom"}`)
	tokens := &invalidatingTokens{staticTokens: staticTokens{token: "sk-test"}}
	c, err := NewClient(tokens, WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), chatReq(domain.ChatMessage{Role: domain.RoleUser, Content: "hi"}))
	require.Error(t, err)
	require.Zero(t, tokens.invalidated)
}

func TestClient_Chat_ForbiddenInvalidatesKey(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusForbidden, `{"error":"forbidden"}`)
	tokens := &invalidatingTokens{staticTokens: staticTokens{token: "sk-test"}}
	c, err := NewClient(tokens, WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), chatReq(domain.ChatMessage{Role: domain.RoleUser, Content: "hi"}))
	require.Error(t, err)
	require.Equal(t, 1, tokens.invalidated)
}
