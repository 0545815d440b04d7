// Package usageapi fetches the account's rolling quota-window utilization
// and profile identity from the host's OAuth-backed usage API.
package usageapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	usageTimeout   = 3 * time.Second
	profileTimeout = 3 * time.Second
	oauthBetaValue = "oauth-2025-04-20"
)

// Sentinel errors callers branch on: authz/config errors silently disable
// the subsystem for this invocation.
var (
	ErrNoCredentials = errors.New("usageapi: no access token available")
	ErrUnauthorized  = errors.New("usageapi: unauthorized")
)

// WindowResponse is one quota window as returned by the usage API.
type WindowResponse struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"-"`
	ResetsAtRaw *string    `json:"resets_at"`
}

type rawWindow struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    *string `json:"resets_at"`
}

// UsageResponse is the parsed `/api/oauth/usage` body.
type UsageResponse struct {
	FiveHour WindowResponse
	SevenDay *WindowResponse // nil when the account has no weekly window
}

type rawUsageResponse struct {
	FiveHour *rawWindow `json:"five_hour"`
	SevenDay *rawWindow `json:"seven_day"`
}

// ProfileResponse is the parsed `/api/oauth/profile` body.
type ProfileResponse struct {
	Email string
}

type rawProfileResponse struct {
	Account struct {
		Email string `json:"email"`
	} `json:"account"`
}

// Client fetches usage and profile data for a single OAuth access token.
// A zero Client is not usable; build one with NewClient.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
}

// NewClient builds a Client. baseURL is the host, e.g. "https://api.anthropic.com".
func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     baseURL,
		accessToken: accessToken,
	}
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("anthropic-beta", oauthBetaValue)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, path string, timeout time.Duration, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, path)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("usageapi: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usageapi: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchUsage retrieves the current 5-hour and 7-day window utilizations. A
// missing/null seven_day block in the response means the account has no
// weekly window: UsageResponse.SevenDay is nil in that case.
func (c *Client) FetchUsage(ctx context.Context) (UsageResponse, error) {
	var raw rawUsageResponse
	if err := c.doJSON(ctx, "/api/oauth/usage", usageTimeout, &raw); err != nil {
		return UsageResponse{}, err
	}
	out := UsageResponse{}
	if raw.FiveHour != nil {
		out.FiveHour = toWindow(*raw.FiveHour)
	}
	if raw.SevenDay != nil {
		w := toWindow(*raw.SevenDay)
		out.SevenDay = &w
	}
	return out, nil
}

func toWindow(raw rawWindow) WindowResponse {
	w := WindowResponse{Utilization: raw.Utilization, ResetsAtRaw: raw.ResetsAt}
	if t, ok := ParseResetsAt(raw.ResetsAt); ok {
		w.ResetsAt = &t
	}
	return w
}

// ParseResetsAt parses an optional resets_at timestamp string. A nil or
// empty pointer means "window inactive", reported as (zero, false).
func ParseResetsAt(raw *string) (time.Time, bool) {
	if raw == nil || *raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FetchProfile retrieves the account's email.
func (c *Client) FetchProfile(ctx context.Context) (ProfileResponse, error) {
	var raw rawProfileResponse
	if err := c.doJSON(ctx, "/api/oauth/profile", profileTimeout, &raw); err != nil {
		return ProfileResponse{}, err
	}
	return ProfileResponse{Email: raw.Account.Email}, nil
}

// FetchUsageAndProfile fetches both endpoints concurrently, cancelling the
// other on the first error.
func (c *Client) FetchUsageAndProfile(ctx context.Context) (UsageResponse, ProfileResponse, error) {
	g, gctx := errgroup.WithContext(ctx)

	var usage UsageResponse
	var profile ProfileResponse

	g.Go(func() error {
		u, err := c.FetchUsage(gctx)
		if err != nil {
			return err
		}
		usage = u
		return nil
	})
	g.Go(func() error {
		p, err := c.FetchProfile(gctx)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})

	if err := g.Wait(); err != nil {
		return UsageResponse{}, ProfileResponse{}, err
	}
	return usage, profile, nil
}

// credentialsShape mirrors the subset of the host's credentials JSON this
// package needs: a single OAuth access token.
type credentialsShape struct {
	ClaudeAiOauth struct {
		AccessToken string `json:"accessToken"`
	} `json:"claudeAiOauth"`
}

// LoadAccessToken reads the host's credentials JSON file at path and
// extracts the OAuth access token. No environment variable is consulted; the
// credential path is well-known and fixed.
func LoadAccessToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	var creds credentialsShape
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("%w: malformed credentials file: %v", ErrNoCredentials, err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return "", ErrNoCredentials
	}
	return creds.ClaudeAiOauth.AccessToken, nil
}
