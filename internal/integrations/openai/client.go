// Package openai is a minimal client for OpenAI-compatible chat completion
// endpoints, including Azure OpenAI deployments.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"line-chat-relay/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// TokenSource supplies the API key for each request; credentials.Cache
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a rejected key.
type invalidator interface {
	Invalidate()
}

// chatRequest is the request body of the Chat Completions endpoint. Decoding
// parameters are pointers so explicit zeros are sent.
type chatRequest struct {
	Model            string        `json:"model,omitempty"`
	Messages         []wireMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
}

// wireMessage carries either a plain string or a list of content parts.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the chat completions endpoint of OpenAI or an Azure OpenAI
// resource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource

	azure      bool
	apiVersion string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAzure switches to Azure OpenAI addressing: the request model names the
// deployment and the key is sent in the api-key header.
func WithAzure(apiVersion string) Option {
	return func(c *Client) {
		c.azure = true
		c.apiVersion = strings.TrimSpace(apiVersion)
	}
}

func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.azure {
		if c.baseURL == "" || c.baseURL == defaultBaseURL {
			return nil, errors.New("openai: azure requires a resource base URL")
		}
		if c.apiVersion == "" {
			return nil, errors.New("openai: azure requires an api version")
		}
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func azureChatURL(baseURL, deployment, apiVersion string) string {
	base := strings.TrimRight(baseURL, "/")
	return base + "/openai/deployments/" + url.PathEscape(deployment) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
}

// Chat sends one completion request and returns the first choice's content.
// A response without choices yields an error wrapping domain.ErrNoChoices.
func (c *Client) Chat(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if req.Model == "" {
		return "", errors.New("openai: model must not be empty")
	}

	apiKey, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}

	payload := buildRequest(req)
	endpoint := chatURL(c.baseURL)
	if c.azure {
		// the deployment is addressed by URL
		payload.Model = ""
		endpoint = azureChatURL(c.baseURL, req.Model, c.apiVersion)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.azure {
		httpReq.Header.Set("api-key", apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	raw, err := c.doJSONRequest(httpReq, endpoint)
	if err != nil {
		c.dropRejectedKey(err)
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var resp chatResponse
	if decErr := json.Unmarshal(raw, &resp); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w", domain.ErrNoChoices)
	}
	return resp.Choices[0].Message.Content, nil
}

// dropRejectedKey invalidates the cached key after a 401 or 403 so a rotated
// key is read on the next call.
func (c *Client) dropRejectedKey(err error) {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return
	}
	if statusErr.StatusCode != http.StatusUnauthorized && statusErr.StatusCode != http.StatusForbidden {
		return
	}
	if inv, ok := c.tokens.(invalidator); ok {
		inv.Invalidate()
	}
}

func buildRequest(req domain.CompletionRequest) chatRequest {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.ImageBase64 == "" {
			msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]contentPart, 0, 2)
		if m.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Content})
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + m.ImageBase64},
		})
		msgs = append(msgs, wireMessage{Role: m.Role, Content: parts})
	}
	temperature := req.Temperature
	maxTokens := req.MaxTokens
	topP := req.TopP
	frequency := req.FrequencyPenalty
	presence := req.PresencePenalty
	out := chatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      &temperature,
		TopP:             &topP,
		FrequencyPenalty: &frequency,
		PresencePenalty:  &presence,
	}
	if maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}
	return out
}

func (c *Client) doJSONRequest(req *http.Request, endpoint string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        endpoint,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
