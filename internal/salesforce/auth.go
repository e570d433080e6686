package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"rabbitforce/internal/constants"
	"rabbitforce/pkg/errors"
)

// Token is an OAuth2 access token together with the instance URL the org
// lives on.
type Token struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
	IssuedAt    string `json:"issued_at"`
}

// AuthorizationHeader renders the token as an Authorization header value.
func (t Token) AuthorizationHeader() string {
	return t.TokenType + " " + t.AccessToken
}

type authErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Authenticator acquires and refreshes access tokens for a single org via
// the OAuth2 password grant. It is shared between the REST client and the
// streaming client; Invalidate forces a fresh token on the next call.
type Authenticator struct {
	consumerKey    string
	consumerSecret string
	username       string
	password       string
	loginURL       string
	httpClient     *http.Client

	mu    sync.Mutex
	token *Token
}

func NewAuthenticator(consumerKey, consumerSecret, username, password string, sandbox bool) *Authenticator {
	loginURL := constants.LoginURL
	if sandbox {
		loginURL = constants.SandboxLoginURL
	}
	return &Authenticator{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		username:       username,
		password:       password,
		loginURL:       loginURL,
		httpClient:     &http.Client{Timeout: constants.DefaultHTTPTimeout},
	}
}

// WithLoginURL overrides the login endpoint, used by tests.
func (a *Authenticator) WithLoginURL(loginURL string) *Authenticator {
	a.loginURL = loginURL
	return a
}

// Token returns the cached token, authenticating first if no valid token
// is held.
func (a *Authenticator) Token(ctx context.Context) (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != nil {
		return *a.token, nil
	}
	return a.authenticate(ctx)
}

// Invalidate drops the cached token. Callers do this after a 401 so the
// next Token call re-authenticates.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = nil
}

func (a *Authenticator) authenticate(ctx context.Context) (Token, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {a.consumerKey},
		"client_secret": {a.consumerSecret},
		"username":      {a.username},
		"password":      {a.password},
	}

	endpoint := a.loginURL + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, errors.ErrAuth.WithMessage("failed to build token request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Token{}, errors.ErrAuth.
			WithMessage("token request to %s failed", endpoint).
			WithCause(err).
			AsRetryable()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, errors.ErrAuth.WithMessage("failed to read token response").WithCause(err).AsRetryable()
	}

	if resp.StatusCode != http.StatusOK {
		var authErr authErrorResponse
		if json.Unmarshal(body, &authErr) == nil && authErr.Error != "" {
			return Token{}, errors.ErrAuth.WithMessage(
				"authentication rejected for %s: %s: %s",
				a.username, authErr.Error, authErr.ErrorDescription)
		}
		return Token{}, errors.ErrAuth.WithMessage(
			"token endpoint returned status %d", resp.StatusCode)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return Token{}, errors.ErrAuth.WithMessage("malformed token response").WithCause(err)
	}
	if token.AccessToken == "" || token.InstanceURL == "" {
		return Token{}, errors.ErrAuth.WithMessage("token response missing access_token or instance_url")
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}

	a.token = &token
	return token, nil
}

var _ fmt.Stringer = Token{}

// String renders the token with the secret elided.
func (t Token) String() string {
	return fmt.Sprintf("Token(instance_url=%s, token_type=%s)", t.InstanceURL, t.TokenType)
}
