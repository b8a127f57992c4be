package line

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"line-chat-relay/internal/integrations/credentials"
)

// StatelessTokenIssuer issues stateless channel access tokens (valid for 15
// minutes) from the channel id and secret. Wrap it in a credentials.Cache.
type StatelessTokenIssuer struct {
	apiBase       string
	httpClient    *http.Client
	channelID     string
	channelSecret string
	now           func() time.Time
}

type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewStatelessTokenIssuer(channelID, channelSecret string, opts ...Option) (*StatelessTokenIssuer, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || channelSecret == "" {
		return nil, errors.New("line: channel id and secret are required")
	}
	// reuse the client options for base URL and transport
	c := &Client{apiBase: defaultAPIBase, httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return &StatelessTokenIssuer{
		apiBase:       c.apiBase,
		httpClient:    c.httpClient,
		channelID:     channelID,
		channelSecret: channelSecret,
		now:           time.Now,
	}, nil
}

func (s *StatelessTokenIssuer) Fetch(ctx context.Context) (credentials.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.channelID)
	form.Set("client_secret", s.channelSecret)

	endpoint := s.apiBase + "/oauth2/v3/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return credentials.Token{}, fmt.Errorf("line: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issuedAt := s.now()
	res, err := s.httpClient.Do(req)
	if err != nil {
		return credentials.Token{}, fmt.Errorf("line: token request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, endpoint); err != nil {
		return credentials.Token{}, fmt.Errorf("line: issue token: %w", err)
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return credentials.Token{}, fmt.Errorf("line: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return credentials.Token{}, errors.New("line: token response has no access_token")
	}
	tok := credentials.Token{Value: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
