// Package spotify wraps the Spotify Web API endpoints used by the sync
// engine. Expected upstream failures are classified into typed errors so
// callers can apply the right retry policy per class.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIURL   = "https://api.spotify.com/v1"
	defaultTokenURL = "https://accounts.spotify.com/api/token"

	// Upstream caps recently-played pages at 50 items.
	recentlyPlayedLimit = 50

	// Applied when a 429 response omits the Retry-After header.
	defaultRetryAfter = 60 * time.Second

	requestTimeout = 15 * time.Second
)

// Sentinel errors.
var (
	// ErrUnauthorized is returned when the access token is expired or invalid.
	ErrUnauthorized = errors.New("access token expired or invalid")

	// ErrRefreshFailed is returned when the refresh token could not be
	// exchanged for a new access token.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// RateLimitError is returned on upstream throttling. RetryAfter carries the
// upstream hint; callers must not wait it out inline.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", int(e.RetryAfter.Seconds()))
}

// APIError is an unclassified non-2xx response from the Spotify API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify API error %d: %s", e.Status, e.Message)
}

// Client is a Spotify Web API client authenticated per call with a bearer
// token.
type Client struct {
	httpClient   *http.Client
	clientID     string
	clientSecret string
	apiURL       string
	tokenURL     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURLs overrides the API and token endpoints, used by tests.
func WithBaseURLs(apiURL, tokenURL string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimRight(apiURL, "/")
		c.tokenURL = tokenURL
	}
}

// NewClient creates a Spotify API client.
func NewClient(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		clientID:     clientID,
		clientSecret: clientSecret,
		apiURL:       defaultAPIURL,
		tokenURL:     defaultTokenURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentlyPlayed fetches the user's most recent plays (one page, up to 50).
// Returns ErrUnauthorized on 401 and a *RateLimitError on 429.
func (c *Client) RecentlyPlayed(ctx context.Context, accessToken string) ([]PlayHistoryItem, error) {
	reqURL := fmt.Sprintf("%s/me/player/recently-played?limit=%d", c.apiURL, recentlyPlayedLimit)

	body, err := c.get(ctx, reqURL, accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}

	var resp recentlyPlayedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing recently played response: %w", err)
	}
	return resp.Items, nil
}

// RefreshToken exchanges a refresh token for a new access token. Spotify does
// not rotate the refresh token on this grant type. Any failure wraps
// ErrRefreshFailed.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenRefresh, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, errorMessage(body))
	}

	var token TokenRefresh
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrRefreshFailed, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access token", ErrRefreshFailed)
	}
	return &token, nil
}

// TopArtists fetches the user's top artists and returns the raw upstream
// payload for passthrough.
func (c *Client) TopArtists(ctx context.Context, accessToken, timeRange string, limit int) (json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/me/top/artists?time_range=%s&limit=%d",
		c.apiURL, url.QueryEscape(timeRange), limit)

	body, err := c.get(ctx, reqURL, accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching top artists: %w", err)
	}
	return json.RawMessage(body), nil
}

// CurrentUserID fetches the authenticated user's Spotify account ID.
func (c *Client) CurrentUserID(ctx context.Context, accessToken string) (string, error) {
	body, err := c.get(ctx, c.apiURL+"/me", accessToken)
	if err != nil {
		return "", fmt.Errorf("fetching current user: %w", err)
	}

	var profile struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("parsing current user response: %w", err)
	}
	return profile.ID, nil
}

// get performs a bearer-authenticated GET and classifies expected error
// statuses.
func (c *Client) get(ctx context.Context, reqURL, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	return body, nil
}

// retryAfter reads the Retry-After header, falling back to the default hint.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

// errorMessage extracts the message from a Spotify error body, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.ErrorDescription != "" {
			return payload.ErrorDescription
		}
	}
	return strings.TrimSpace(string(body))
}
