package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rabbitforce/pkg/errors"
)

func TestAuthenticatorPasswordGrant(t *testing.T) {
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/services/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
			"username":      r.PostFormValue("username"),
			"password":      r.PostFormValue("password"),
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","instance_url":"https://na1.example.com","token_type":"Bearer","issued_at":"1520000000000"}`)
	}))
	defer server.Close()

	auth := NewAuthenticator("key", "secret", "user@example.com", "pw", false).
		WithLoginURL(server.URL)

	token, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken)
	assert.Equal(t, "https://na1.example.com", token.InstanceURL)
	assert.Equal(t, "Bearer tok-1", token.AuthorizationHeader())

	assert.Equal(t, map[string]string{
		"grant_type":    "password",
		"client_id":     "key",
		"client_secret": "secret",
		"username":      "user@example.com",
		"password":      "pw",
	}, form)
}

func TestAuthenticatorCachesToken(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","instance_url":"https://na1.example.com","token_type":"Bearer"}`, requests)
	}))
	defer server.Close()

	auth := NewAuthenticator("key", "secret", "user@example.com", "pw", false).
		WithLoginURL(server.URL)
	ctx := context.Background()

	first, err := auth.Token(ctx)
	require.NoError(t, err)
	second, err := auth.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 1, requests)

	auth.Invalidate()
	third, err := auth.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", third.AccessToken)
	assert.Equal(t, 2, requests)
}

func TestAuthenticatorCredentialRejectionIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"authentication failure"}`)
	}))
	defer server.Close()

	auth := NewAuthenticator("key", "secret", "user@example.com", "wrong", false).
		WithLoginURL(server.URL)

	_, err := auth.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAuth.Code))
	assert.False(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestAuthenticatorNetworkFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	auth := NewAuthenticator("key", "secret", "user@example.com", "pw", false).
		WithLoginURL(server.URL)

	_, err := auth.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestAuthenticatorSandboxLoginURL(t *testing.T) {
	auth := NewAuthenticator("key", "secret", "user@example.com", "pw", true)
	assert.Equal(t, "https://test.salesforce.com", auth.loginURL)

	auth = NewAuthenticator("key", "secret", "user@example.com", "pw", false)
	assert.Equal(t, "https://login.salesforce.com", auth.loginURL)
}

func TestTokenStringElidesSecret(t *testing.T) {
	token := Token{AccessToken: "secret-token", InstanceURL: "https://na1.example.com", TokenType: "Bearer"}
	assert.NotContains(t, token.String(), "secret-token")
}
