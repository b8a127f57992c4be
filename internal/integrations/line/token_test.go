package line

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatelessTokenIssuer_Fetch(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v3/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer","access_token":"stateless-abc","expires_in":900}`))
	}))
	defer srv.Close()

	issuer, err := NewStatelessTokenIssuer("1650000000", "channel-secret", WithBaseURL(srv.URL))
	require.NoError(t, err)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return issued }

	tok, err := issuer.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stateless-abc", tok.Value)
	require.Equal(t, issued.Add(15*time.Minute), tok.ExpiresAt)
	require.Equal(t, "client_credentials", form.Get("grant_type"))
	require.Equal(t, "1650000000", form.Get("client_id"))
	require.Equal(t, "channel-secret", form.Get("client_secret"))
}

func TestStatelessTokenIssuer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	issuer, err := NewStatelessTokenIssuer("1650000000", "wrong", WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = issuer.Fetch(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid_client")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"expires_in":900}`))
	}))
	defer empty.Close()
	issuer, err = NewStatelessTokenIssuer("1650000000", "secret", WithBaseURL(empty.URL))
	require.NoError(t, err)
	_, err = issuer.Fetch(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "access_token")

	_, err = NewStatelessTokenIssuer(" ", "secret")
	require.Error(t, err)
}
