package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRefreshFailed wraps every failure to obtain a credential. It never
// leaves the refresher.
var ErrRefreshFailed = errors.New("credential refresh failed")

// Fetcher obtains a fresh credential from an authentication endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) (Credential, error)
}

type tokenRequest struct {
	LongLivedSecret string `json:"longLivedSecret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IAMFetcher exchanges a long-lived secret for a short-lived bearer token.
type IAMFetcher struct {
	url    string
	secret string
	client *http.Client
}

func NewIAMFetcher(url, secret string, timeout time.Duration) *IAMFetcher {
	return &IAMFetcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *IAMFetcher) Fetch(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(tokenRequest{LongLivedSecret: f.secret})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: marshal token request: %w", ErrRefreshFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: build token request: %w", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: post token request: %w", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Credential{}, fmt.Errorf("%w: token endpoint returned status %s", ErrRefreshFailed, resp.Status)
	}

	return parseTokenResponse(resp.Body)
}

func parseTokenResponse(r io.Reader) (Credential, error) {
	var payload tokenResponse
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Credential{}, fmt.Errorf("%w: decode token response: %w", ErrRefreshFailed, err)
	}
	if payload.Token == "" {
		return Credential{}, fmt.Errorf("%w: token response has no token", ErrRefreshFailed)
	}
	if payload.ExpiresAt.IsZero() {
		return Credential{}, fmt.Errorf("%w: token response has no expiresAt", ErrRefreshFailed)
	}
	return Credential{Token: payload.Token, ExpiresAt: payload.ExpiresAt.UTC()}, nil
}
