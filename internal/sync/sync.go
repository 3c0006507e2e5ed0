// Package sync implements the periodic Spotify listening-data sync engine:
// per-user fetch with transparent token refresh, duplicate-safe reconciliation
// into the event store, and a batch scheduler that sweeps all linked users.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/herdapp/herd-server/internal/db"
	"github.com/herdapp/herd-server/internal/spotify"
)

// Upstream is the subset of the Spotify client used by the engine.
type Upstream interface {
	RecentlyPlayed(ctx context.Context, accessToken string) ([]spotify.PlayHistoryItem, error)
	RefreshToken(ctx context.Context, refreshToken string) (*spotify.TokenRefresh, error)
}

// CredentialStore persists per-user Spotify tokens.
type CredentialStore interface {
	ListLinked(ctx context.Context) ([]db.UserCredentials, error)
	UpdateAccessToken(ctx context.Context, userID, accessToken string) error
}

// EventStore persists canonical listening events.
type EventStore interface {
	UpsertBatch(ctx context.Context, events []db.ListeningEvent) (int, error)
}

// Outcome is the result of one user's sync.
type Outcome struct {
	Success        bool
	Synced         int
	TokenRefreshed bool
	Err            error
}

// Engine orchestrates a single user's sync.
type Engine struct {
	upstream Upstream
	creds    CredentialStore
	events   EventStore
	logger   *log.Logger
}

// NewEngine creates a sync engine.
func NewEngine(upstream Upstream, creds CredentialStore, events EventStore, logger *log.Logger) *Engine {
	return &Engine{
		upstream: upstream,
		creds:    creds,
		events:   events,
		logger:   logger,
	}
}

// SyncUser fetches a user's recent plays and reconciles them into the event
// store. On an expired access token it refreshes, persists the new token, and
// retries the fetch exactly once. Rate limiting and other upstream failures
// are terminal for this run; batch-level spacing is the rate-limit
// mitigation, not inline waiting.
func (e *Engine) SyncUser(ctx context.Context, userID, accessToken, refreshToken string) Outcome {
	token := accessToken
	refreshed := false

	items, err := e.upstream.RecentlyPlayed(ctx, token)
	if errors.Is(err, spotify.ErrUnauthorized) {
		refresh, refreshErr := e.upstream.RefreshToken(ctx, refreshToken)
		if refreshErr != nil {
			e.logger.Warn("token refresh failed", "user", userID, "err", refreshErr)
			return Outcome{Err: refreshErr}
		}
		token = refresh.AccessToken
		refreshed = true

		// Persist before retrying so a later failure in this run does not
		// lose the refreshed token.
		if storeErr := e.creds.UpdateAccessToken(ctx, userID, token); storeErr != nil {
			return Outcome{TokenRefreshed: true, Err: fmt.Errorf("storing refreshed token: %w", storeErr)}
		}

		items, err = e.upstream.RecentlyPlayed(ctx, token)
	}
	if err != nil {
		var rateErr *spotify.RateLimitError
		if errors.As(err, &rateErr) {
			e.logger.Warn("rate limit hit", "user", userID, "retryAfter", rateErr.RetryAfter)
		} else {
			e.logger.Warn("fetch failed", "user", userID, "err", err)
		}
		return Outcome{TokenRefreshed: refreshed, Err: err}
	}

	persisted, err := e.Reconcile(ctx, userID, items)
	if err != nil {
		return Outcome{TokenRefreshed: refreshed, Err: err}
	}

	if persisted > 0 {
		e.logger.Info("synced listening events", "user", userID, "persisted", persisted)
	}
	return Outcome{Success: true, Synced: persisted, TokenRefreshed: refreshed}
}
