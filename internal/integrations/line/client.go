// Package line talks to the LINE Messaging API: webhook parsing and signature
// checks, replies, media download and channel access token issuance.
package line

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
	"unicode/utf8"
)

const (
	defaultAPIBase  = "https://api.line.me"
	defaultDataBase = "https://api-data.line.me"

	// maxTextRunes is the LINE limit for one text message.
	maxTextRunes = 5000
	// maxReplyMessages is the LINE limit for one reply call.
	maxReplyMessages = 5
	// maxContentBytes bounds media downloads.
	maxContentBytes = 10 << 20
)

// TokenSource supplies the channel access token; credentials.Cache satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a revoked token.
type invalidator interface {
	Invalidate()
}

// HTTPStatusError captures non-2xx responses from the Messaging API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a Messaging API client for replies and message content.
type Client struct {
	apiBase    string
	dataBase   string
	httpClient *http.Client
	tokens     TokenSource
}

type Option func(*Client)

func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// WithDataBaseURL sets the host serving message content.
func WithDataBaseURL(base string) Option {
	return func(c *Client) {
		c.dataBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("line: token source must not be nil")
	}
	c := &Client{
		apiBase:    defaultAPIBase,
		dataBase:   defaultDataBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

// ReplyMessage answers a webhook event with up to five text messages.
func (c *Client) ReplyMessage(ctx context.Context, replyToken string, texts ...string) error {
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token is required")
	}
	if len(texts) == 0 {
		return errors.New("line: at least one message is required")
	}
	if len(texts) > maxReplyMessages {
		return fmt.Errorf("line: at most %d messages per reply, got %d", maxReplyMessages, len(texts))
	}
	msgs := make([]textMessage, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, textMessage{Type: "text", Text: truncateRunes(t, maxTextRunes)})
	}
	body, err := json.Marshal(replyRequest{ReplyToken: replyToken, Messages: msgs})
	if err != nil {
		return fmt.Errorf("line: marshal reply: %w", err)
	}

	endpoint := c.apiBase + "/v2/bot/message/reply"
	req, err := c.newAuthorizedRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: reply request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := c.checkStatus(res, endpoint); err != nil {
		return fmt.Errorf("line: reply: %w", err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// GetMessageContent downloads the binary payload of an image, video, audio or
// file message. It returns the bytes and the reported content type.
func (c *Client) GetMessageContent(ctx context.Context, messageID string) ([]byte, string, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, "", errors.New("line: message id is required")
	}
	endpoint := c.dataBase + "/v2/bot/message/" + url.PathEscape(messageID) + "/content"
	req, err := c.newAuthorizedRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("line: content request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := c.checkStatus(res, endpoint); err != nil {
		return nil, "", fmt.Errorf("line: content: %w", err)
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxContentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("line: read content: %w", err)
	}
	if len(buf) > maxContentBytes {
		return nil, "", fmt.Errorf("line: content of %s exceeds %d bytes", messageID, maxContentBytes)
	}
	return buf, res.Header.Get("Content-Type"), nil
}

func (c *Client) newAuthorizedRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("line: resolve channel access token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("line: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// checkStatus turns a non-2xx response into an HTTPStatusError. A 401 means
// the channel access token was revoked or rotated, so the cached one is dropped.
func (c *Client) checkStatus(res *http.Response, endpoint string) error {
	if res.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}
	return checkStatus(res, endpoint)
}

func checkStatus(res *http.Response, endpoint string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
