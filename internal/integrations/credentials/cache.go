// Package credentials caches short-lived bearer tokens and refreshes them
// shortly before they expire.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultRefreshThreshold is how long before expiry a cached token is renewed.
const DefaultRefreshThreshold = 5 * time.Minute

// Token is a bearer token with its expiry. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher obtains a fresh token from its source.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Token, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Token, error) {
	return f(ctx)
}

// Cache serves a token from memory and calls the Fetcher when there is none
// yet or the cached one expires within the refresh threshold.
type Cache struct {
	fetcher   Fetcher
	threshold time.Duration
	now       func() time.Time

	mu      sync.Mutex
	current Token
}

func NewCache(f Fetcher, threshold time.Duration) (*Cache, error) {
	if f == nil {
		return nil, errors.New("credentials: fetcher must not be nil")
	}
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &Cache{fetcher: f, threshold: threshold, now: time.Now}, nil
}

// Token returns a token valid for at least the refresh threshold, fetching a
// new one when needed. Concurrent callers share a single fetch.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fresh() {
		return c.current.Value, nil
	}
	tok, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("credentials: refresh token: %w", err)
	}
	if strings.TrimSpace(tok.Value) == "" {
		return "", errors.New("credentials: fetched token is empty")
	}
	c.current = tok
	return tok.Value, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = Token{}
	c.mu.Unlock()
}

func (c *Cache) fresh() bool {
	if c.current.Value == "" {
		return false
	}
	if c.current.ExpiresAt.IsZero() {
		return true
	}
	return c.now().Add(c.threshold).Before(c.current.ExpiresAt)
}
