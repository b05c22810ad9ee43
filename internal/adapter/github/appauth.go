package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource wraps a fixed personal access token.
type StaticTokenSource string

// Token returns the wrapped token.
func (s StaticTokenSource) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// AppTokenSource authenticates as a GitHub App: it signs a short-lived
// RS256 JWT with the app's private key, exchanges it for an
// installation access token, and caches that token until shortly
// before expiry.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	httpClient     *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppTokenSource loads the app's PEM private key from keyPath.
func NewAppTokenSource(baseURL string, appID, installationID int64, keyPath string) (*AppTokenSource, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}

	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Token returns a valid installation token, refreshing when the cached
// one is within a minute of expiry.
func (a *AppTokenSource) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expires) > time.Minute {
		return a.token, nil
	}

	appJWT, err := a.signAppJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	token, expires, err := a.exchange(ctx, appJWT)
	if err != nil {
		return "", fmt.Errorf("installation token: %w", err)
	}

	a.token = token
	a.expires = expires
	return a.token, nil
}

// signAppJWT issues the app-level JWT. Issued-at is backdated to absorb
// clock drift between us and the host.
func (a *AppTokenSource) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", a.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

func (a *AppTokenSource) exchange(ctx context.Context, appJWT string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, &APIError{Status: resp.StatusCode, Body: truncate(data)}
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	return result.Token, result.ExpiresAt, nil
}
