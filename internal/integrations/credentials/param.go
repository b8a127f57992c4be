package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Getter reads a parameter value; paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the JSON shape of a token parameter. ExpiresAt is optional.
type tokenPayload struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ParamFetcher reads a token stored as JSON in the parameter store. A rotation
// job that rewrites the parameter is picked up on the next refresh.
type ParamFetcher struct {
	getter Getter
	name   string
}

func NewParamFetcher(getter Getter, name string) (*ParamFetcher, error) {
	if getter == nil {
		return nil, errors.New("credentials: paramstore getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("credentials: parameter name must not be empty")
	}
	return &ParamFetcher{getter: getter, name: name}, nil
}

func (p *ParamFetcher) Fetch(ctx context.Context) (Token, error) {
	raw, err := p.getter.GetParameter(ctx, p.name)
	if err != nil {
		return Token{}, fmt.Errorf("credentials: fetch %s: %w", p.name, err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return Token{}, fmt.Errorf("credentials: unmarshal %s as JSON: %w", p.name, err)
	}
	if tp.Token == "" {
		return Token{}, fmt.Errorf("credentials: token in %s is empty", p.name)
	}
	tok := Token{Value: tp.Token}
	if tp.ExpiresAt != nil {
		tok.ExpiresAt = tp.ExpiresAt.UTC()
	}
	return tok, nil
}
