package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	spotifyauth "github.com/zmb3/spotify/v2/auth"

	"github.com/herdapp/herd-server/internal/db"
	"github.com/herdapp/herd-server/internal/spotify"
	"github.com/herdapp/herd-server/internal/sync"
)

const oauthStateCookie = "oauth_state"

// SpotifyAPI is the subset of the Spotify client used by the handlers.
type SpotifyAPI interface {
	RefreshToken(ctx context.Context, refreshToken string) (*spotify.TokenRefresh, error)
	TopArtists(ctx context.Context, accessToken, timeRange string, limit int) (json.RawMessage, error)
	CurrentUserID(ctx context.Context, accessToken string) (string, error)
}

// CredentialStore persists and looks up Spotify credentials.
type CredentialStore interface {
	Save(ctx context.Context, creds *db.UserCredentials) error
	Get(ctx context.Context, userID string) (*db.UserCredentials, error)
}

// EventQueries serves leaderboard reads over stored listening events.
type EventQueries interface {
	ArtistLeaderboard(ctx context.Context, artistID string, since *time.Time, limit int) ([]db.LeaderboardEntry, error)
	SearchArtists(ctx context.Context, q string, limit int) ([]db.Artist, error)
	TopArtistsForUser(ctx context.Context, userID string, limit int) ([]db.ArtistStanding, error)
}

// UserSyncer runs one user's sync on demand.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID, accessToken, refreshToken string) sync.Outcome
}

// BatchScheduler exposes the batch trigger and its status.
type BatchScheduler interface {
	Trigger(ctx context.Context)
	Running() bool
	Status() sync.Status
	Interval() time.Duration
}

// Handlers contains the HTTP handlers for the Herd API.
type Handlers struct {
	auth        *spotifyauth.Authenticator
	api         SpotifyAPI
	creds       CredentialStore
	events      EventQueries
	syncer      UserSyncer
	scheduler   BatchScheduler
	frontendURL string
	logger      *log.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(
	auth *spotifyauth.Authenticator,
	api SpotifyAPI,
	creds CredentialStore,
	events EventQueries,
	syncer UserSyncer,
	scheduler BatchScheduler,
	frontendURL string,
	logger *log.Logger,
) *Handlers {
	return &Handlers{
		auth:        auth,
		api:         api,
		creds:       creds,
		events:      events,
		syncer:      syncer,
		scheduler:   scheduler,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AuthRedirect handles GET /api/auth/spotify: redirects to the Spotify
// authorization page, forcing the consent dialog.
func (h *Handlers) AuthRedirect(w http.ResponseWriter, r *http.Request) {
	state, err := generateOAuthState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate state")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300,
	})

	authURL := h.auth.AuthURL(state, spotifyauth.ShowDialog)
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// AuthCallback handles GET /api/auth/spotify/callback. It always exits via a
// redirect to the frontend, carrying either the token pair or an error code.
func (h *Handlers) AuthCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		h.redirectConnectError(w, r, errMsg)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirectConnectError(w, r, "no_code")
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value != r.URL.Query().Get("state") {
		h.redirectConnectError(w, r, "state_mismatch")
		return
	}
	clearStateCookie(w)

	token, err := h.auth.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("token exchange failed", "err", err)
		h.redirectConnectError(w, r, "token_exchange_failed")
		return
	}

	// Best effort: tokens are still usable when the profile lookup fails
	// (e.g. user not yet registered in the Spotify app's Development Mode).
	spotifyUserID, err := h.api.CurrentUserID(r.Context(), token.AccessToken)
	if err != nil || spotifyUserID == "" {
		h.logger.Warn("spotify profile lookup failed, proceeding without user ID", "err", err)
		spotifyUserID = db.UnknownSpotifyUserID
	}

	query := url.Values{
		"access_token":    {token.AccessToken},
		"refresh_token":   {token.RefreshToken},
		"spotify_user_id": {spotifyUserID},
	}
	http.Redirect(w, r, h.frontendURL+"/auth/spotify/success?"+query.Encode(), http.StatusTemporaryRedirect)
}

func (h *Handlers) redirectConnectError(w http.ResponseWriter, r *http.Request, errMsg string) {
	http.Redirect(w, r,
		h.frontendURL+"/spotify-connect?error="+url.QueryEscape(errMsg),
		http.StatusTemporaryRedirect)
}

// SaveTokens handles POST /api/auth/spotify/save-tokens.
func (h *Handlers) SaveTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"userId"`
		AccessToken   string `json:"accessToken"`
		RefreshToken  string `json:"refreshToken"`
		SpotifyUserID string `json:"spotifyUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.AccessToken == "" || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	creds := &db.UserCredentials{
		UserID:        req.UserID,
		AccessToken:   req.AccessToken,
		RefreshToken:  req.RefreshToken,
		SpotifyUserID: req.SpotifyUserID,
	}
	if err := h.creds.Save(r.Context(), creds); err != nil {
		h.logger.Error("saving tokens", "user", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]string{
			"userId":        creds.UserID,
			"spotifyUserId": creds.SpotifyUserID,
		},
	})
}

// RefreshToken handles POST /api/spotify/refresh-token.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token required")
		return
	}

	token, err := h.api.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.logger.Error("token refresh failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token.AccessToken,
		"expires_in":   token.ExpiresIn,
	})
}

// SyncListeningData handles POST /api/spotify/sync-listening-data: runs the
// per-user sync and maps failure classes to distinct status codes so clients
// can tell "reconnect your account" from "try again later".
func (h *Handlers) SyncListeningData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "User ID and access token required")
		return
	}

	creds, err := h.creds.Get(r.Context(), req.UserID)
	if err != nil || creds.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "User Spotify tokens not found")
		return
	}

	outcome := h.syncer.SyncUser(r.Context(), req.UserID, req.AccessToken, creds.RefreshToken)
	if !outcome.Success {
		h.writeSyncFailure(w, outcome.Err)
		return
	}

	message := "No new tracks to sync"
	if outcome.Synced > 0 {
		message = fmt.Sprintf("Synced %d listening events", outcome.Synced)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"synced":         outcome.Synced,
		"message":        message,
		"tokenRefreshed": outcome.TokenRefreshed,
	})
}

func (h *Handlers) writeSyncFailure(w http.ResponseWriter, err error) {
	var apiErr *spotify.APIError

	switch {
	case errors.Is(err, spotify.ErrRefreshFailed):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Spotify token expired. Please reconnect your Spotify account.",
			"code":  "TOKEN_EXPIRED",
		})
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden:
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "Spotify access denied. Please check your Spotify app settings.",
			"code":  "ACCESS_DENIED",
		})
	default:
		detail := "Failed to sync listening data"
		if err != nil {
			detail = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": detail,
			"code":  "SYNC_FAILED",
		})
	}
}

// TopArtists handles GET /api/spotify/top-artists: a passthrough proxy for
// the upstream payload.
func (h *Handlers) TopArtists(w http.ResponseWriter, r *http.Request) {
	accessToken := r.URL.Query().Get("accessToken")
	if accessToken == "" {
		writeError(w, http.StatusBadRequest, "Access token required")
		return
	}
	timeRange := r.URL.Query().Get("timeRange")
	if timeRange == "" {
		timeRange = "medium_term"
	}
	limit := queryInt(r, "limit", 20)

	raw, err := h.api.TopArtists(r.Context(), accessToken, timeRange, limit)
	if err != nil {
		h.logger.Error("fetching top artists", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch top artists")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// SyncStatus handles GET /api/spotify/sync-status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	status := h.scheduler.Status()
	interval := h.scheduler.Interval()
	now := time.Now()

	var timeAgo, nextSync string
	if status.LastRun.IsZero() {
		nextSync = "Not yet run"
	} else {
		timeAgo = fmt.Sprintf("%d minutes ago", int(now.Sub(status.LastRun).Minutes()))
		nextSync = status.LastRun.Add(interval).UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scheduledSyncEnabled": true,
		"interval":             interval.String(),
		"lastSync": map[string]any{
			"runId":          status.RunID,
			"runTime":        formatRunTime(status.LastRun),
			"timeAgo":        timeAgo,
			"success":        status.Success,
			"usersProcessed": status.UsersProcessed,
			"tracksSynced":   status.TracksSynced,
			"successCount":   status.SuccessCount,
			"failCount":      status.FailCount,
			"duration":       status.Duration,
			"errors":         status.Errors,
		},
		"nextSync":   nextSync,
		"serverTime": now.UTC().Format(time.RFC3339),
	})
}

func formatRunTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// SyncAllUsers handles POST /api/spotify/sync-all-users: fires a batch run
// without awaiting it.
func (h *Handlers) SyncAllUsers(w http.ResponseWriter, r *http.Request) {
	if h.scheduler.Running() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Sync already in progress",
		})
		return
	}

	h.logger.Info("manual batch sync triggered")
	h.scheduler.Trigger(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Sync job started",
	})
}

// ArtistLeaderboard handles GET /api/leaderboard/{artistID}.
func (h *Handlers) ArtistLeaderboard(w http.ResponseWriter, r *http.Request) {
	artistID := chi.URLParam(r, "artistID")
	limit := queryInt(r, "limit", 10)
	timeRange := r.URL.Query().Get("timeRange")
	if timeRange == "" {
		timeRange = "all-time"
	}

	since, ok := leaderboardWindow(timeRange, time.Now())
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid time range")
		return
	}

	entries, err := h.events.ArtistLeaderboard(r.Context(), artistID, since, limit)
	if err != nil {
		h.logger.Error("querying leaderboard", "artist", artistID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}

	result := make([]map[string]any, len(entries))
	for i, e := range entries {
		result[i] = map[string]any{
			"userId":       e.UserID,
			"totalMinutes": e.TotalMinutes,
			"totalSongs":   e.TotalPlays,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artistId":  artistID,
		"timeRange": timeRange,
		"entries":   result,
	})
}

// leaderboardWindow maps a named range to its lower bound; nil means
// all-time.
func leaderboardWindow(timeRange string, now time.Time) (*time.Time, bool) {
	switch timeRange {
	case "all-time":
		return nil, true
	case "past-week":
		since := now.AddDate(0, 0, -7)
		return &since, true
	case "this-month":
		since := now.AddDate(0, -1, 0)
		return &since, true
	default:
		return nil, false
	}
}

// SearchArtists handles GET /api/artists/search.
func (h *Handlers) SearchArtists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusOK, map[string]any{"artists": []any{}})
		return
	}
	limit := queryInt(r, "limit", 20)

	artists, err := h.events.SearchArtists(r.Context(), q, limit)
	if err != nil {
		h.logger.Error("searching artists", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to search artists")
		return
	}

	result := make([]map[string]string, len(artists))
	for i, a := range artists {
		result[i] = map[string]string{"id": a.ID, "name": a.Name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artists": result})
}

// UserTopArtists handles GET /api/users/{userID}/top-artists, computed from
// stored listening events.
func (h *Handlers) UserTopArtists(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", 20)

	standings, err := h.events.TopArtistsForUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("querying user top artists", "user", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load top artists")
		return
	}

	result := make([]map[string]any, len(standings))
	for i, s := range standings {
		result[i] = map[string]any{
			"artistId":     s.ArtistID,
			"artistName":   s.ArtistName,
			"totalMinutes": s.TotalMinutes,
			"totalSongs":   s.TotalPlays,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artists": result})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// generateOAuthState creates a random state string for OAuth.
func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
