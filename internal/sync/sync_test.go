package sync

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/herdapp/herd-server/internal/db"
	"github.com/herdapp/herd-server/internal/spotify"
)

// fakeUpstream scripts a sequence of fetch results and a refresh result.
type fakeUpstream struct {
	fetchItems  [][]spotify.PlayHistoryItem
	fetchErrs   []error
	fetchTokens []string
	fetchCalls  int

	refreshToken *spotify.TokenRefresh
	refreshErr   error
	refreshCalls int
}

func (f *fakeUpstream) RecentlyPlayed(_ context.Context, accessToken string) ([]spotify.PlayHistoryItem, error) {
	i := f.fetchCalls
	f.fetchCalls++
	f.fetchTokens = append(f.fetchTokens, accessToken)
	if i >= len(f.fetchErrs) {
		return nil, errors.New("unexpected fetch call")
	}
	return f.fetchItems[i], f.fetchErrs[i]
}

func (f *fakeUpstream) RefreshToken(context.Context, string) (*spotify.TokenRefresh, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshToken, nil
}

type fakeCredStore struct {
	users []db.UserCredentials

	updatedUser  string
	updatedToken string
	updateCalls  int
	updateErr    error
	listErr      error
}

func (f *fakeCredStore) ListLinked(context.Context) ([]db.UserCredentials, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.users, nil
}

func (f *fakeCredStore) UpdateAccessToken(_ context.Context, userID, accessToken string) error {
	f.updateCalls++
	f.updatedUser = userID
	f.updatedToken = accessToken
	return f.updateErr
}

type fakeEventStore struct {
	persisted int
	err       error
	calls     int
	received  []db.ListeningEvent
}

func (f *fakeEventStore) UpsertBatch(_ context.Context, events []db.ListeningEvent) (int, error) {
	f.calls++
	f.received = events
	if f.err != nil {
		return 0, f.err
	}
	return f.persisted, nil
}

func testItems(n int) []spotify.PlayHistoryItem {
	items := make([]spotify.PlayHistoryItem, n)
	for i := range items {
		items[i] = spotify.PlayHistoryItem{
			PlayedAt: time.Date(2026, 2, 1, 12, i, 0, 0, time.UTC),
			Track: spotify.Track{
				ID:         "track",
				Name:       "Track",
				DurationMs: 200000,
				Artists:    []spotify.Artist{{ID: "artist", Name: "Artist"}},
			},
		}
	}
	return items
}

func newTestEngine(upstream *fakeUpstream, creds *fakeCredStore, events *fakeEventStore) *Engine {
	return NewEngine(upstream, creds, events, log.New(io.Discard))
}

func TestSyncUserCommonPath(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems: [][]spotify.PlayHistoryItem{testItems(5)},
		fetchErrs:  []error{nil},
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{persisted: 5}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "access", "refresh")

	if !outcome.Success {
		t.Fatalf("Success = false, err = %v", outcome.Err)
	}
	if outcome.Synced != 5 {
		t.Errorf("Synced = %d, want 5", outcome.Synced)
	}
	if outcome.TokenRefreshed {
		t.Error("TokenRefreshed = true, want false")
	}
	if upstream.refreshCalls != 0 {
		t.Errorf("refreshCalls = %d, want 0", upstream.refreshCalls)
	}
	if creds.updateCalls != 0 {
		t.Errorf("credential updates = %d, want 0", creds.updateCalls)
	}
}

func TestSyncUserRefreshAndRetry(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems:   [][]spotify.PlayHistoryItem{nil, testItems(3)},
		fetchErrs:    []error{spotify.ErrUnauthorized, nil},
		refreshToken: &spotify.TokenRefresh{AccessToken: "fresh-access", ExpiresIn: 3600},
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{persisted: 3}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "stale-access", "refresh")

	if !outcome.Success {
		t.Fatalf("Success = false, err = %v", outcome.Err)
	}
	if !outcome.TokenRefreshed {
		t.Error("TokenRefreshed = false, want true")
	}
	if outcome.Synced != 3 {
		t.Errorf("Synced = %d, want 3", outcome.Synced)
	}
	if upstream.fetchCalls != 2 {
		t.Errorf("fetchCalls = %d, want 2", upstream.fetchCalls)
	}
	if got := upstream.fetchTokens[1]; got != "fresh-access" {
		t.Errorf("retry used token %q, want fresh-access", got)
	}
	// The refreshed token is persisted before the retry so a later failure
	// cannot lose it.
	if creds.updateCalls != 1 || creds.updatedToken != "fresh-access" {
		t.Errorf("credential update = (%d, %q), want (1, fresh-access)", creds.updateCalls, creds.updatedToken)
	}
}

func TestSyncUserRefreshFailureIsTerminal(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems: [][]spotify.PlayHistoryItem{nil},
		fetchErrs:  []error{spotify.ErrUnauthorized},
		refreshErr: spotify.ErrRefreshFailed,
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "stale", "revoked")

	if outcome.Success {
		t.Fatal("Success = true, want false")
	}
	if !errors.Is(outcome.Err, spotify.ErrRefreshFailed) {
		t.Errorf("Err = %v, want ErrRefreshFailed", outcome.Err)
	}
	if outcome.Synced != 0 {
		t.Errorf("Synced = %d, want 0", outcome.Synced)
	}
	if events.calls != 0 {
		t.Errorf("reconciler store calls = %d, want 0", events.calls)
	}
	if upstream.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1 (no retry after failed refresh)", upstream.fetchCalls)
	}
}

func TestSyncUserSecondUnauthorizedNotRefreshedAgain(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems:   [][]spotify.PlayHistoryItem{nil, nil},
		fetchErrs:    []error{spotify.ErrUnauthorized, spotify.ErrUnauthorized},
		refreshToken: &spotify.TokenRefresh{AccessToken: "fresh-access"},
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "stale", "refresh")

	if outcome.Success {
		t.Fatal("Success = true, want false")
	}
	if upstream.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want exactly 1", upstream.refreshCalls)
	}
	if upstream.fetchCalls != 2 {
		t.Errorf("fetchCalls = %d, want 2 (exactly one retry)", upstream.fetchCalls)
	}
	if !errors.Is(outcome.Err, spotify.ErrUnauthorized) {
		t.Errorf("Err = %v, want ErrUnauthorized", outcome.Err)
	}
}

func TestSyncUserRateLimitShortCircuit(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems: [][]spotify.PlayHistoryItem{nil},
		fetchErrs:  []error{&spotify.RateLimitError{RetryAfter: 30 * time.Second}},
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "access", "refresh")

	if outcome.Success {
		t.Fatal("Success = true, want false")
	}
	if outcome.Synced != 0 {
		t.Errorf("Synced = %d, want 0", outcome.Synced)
	}
	if upstream.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1 (no retry)", upstream.fetchCalls)
	}
	if upstream.refreshCalls != 0 {
		t.Errorf("refreshCalls = %d, want 0", upstream.refreshCalls)
	}

	var rateErr *spotify.RateLimitError
	if !errors.As(outcome.Err, &rateErr) {
		t.Fatalf("Err = %v, want *RateLimitError", outcome.Err)
	}
	if rateErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", rateErr.RetryAfter)
	}
}

func TestSyncUserTokenPersistFailure(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems:   [][]spotify.PlayHistoryItem{nil},
		fetchErrs:    []error{spotify.ErrUnauthorized},
		refreshToken: &spotify.TokenRefresh{AccessToken: "fresh-access"},
	}
	creds := &fakeCredStore{updateErr: errors.New("connection reset")}
	events := &fakeEventStore{}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "stale", "refresh")

	if outcome.Success {
		t.Fatal("Success = true, want false")
	}
	if !outcome.TokenRefreshed {
		t.Error("TokenRefreshed = false, want true (refresh did succeed)")
	}
	if upstream.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d, want 1 (no retry after store failure)", upstream.fetchCalls)
	}
}

func TestSyncUserStoreErrorDowngradesSuccess(t *testing.T) {
	upstream := &fakeUpstream{
		fetchItems: [][]spotify.PlayHistoryItem{testItems(2)},
		fetchErrs:  []error{nil},
	}
	creds := &fakeCredStore{}
	events := &fakeEventStore{err: errors.New("unique constraint violated on wrong column")}

	outcome := newTestEngine(upstream, creds, events).SyncUser(context.Background(), "user-1", "access", "refresh")

	if outcome.Success {
		t.Fatal("Success = true, want false")
	}
	if outcome.Synced != 0 {
		t.Errorf("Synced = %d, want 0", outcome.Synced)
	}
	if outcome.Err == nil {
		t.Error("Err = nil, want store error")
	}
}

func TestReconcileEmptyInputShortCircuit(t *testing.T) {
	events := &fakeEventStore{}
	engine := newTestEngine(&fakeUpstream{}, &fakeCredStore{}, events)

	persisted, err := engine.Reconcile(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if persisted != 0 {
		t.Errorf("persisted = %d, want 0", persisted)
	}
	if events.calls != 0 {
		t.Errorf("store calls = %d, want 0", events.calls)
	}
}

func TestReconcileDefaultsMissingArtist(t *testing.T) {
	tests := []struct {
		name     string
		artists  []spotify.Artist
		wantID   string
		wantName string
	}{
		{
			name:     "no artists",
			artists:  nil,
			wantID:   "unknown",
			wantName: "Unknown Artist",
		},
		{
			name:     "empty identity fields",
			artists:  []spotify.Artist{{}},
			wantID:   "unknown",
			wantName: "Unknown Artist",
		},
		{
			name:     "first artist wins",
			artists:  []spotify.Artist{{ID: "a1", Name: "Primary"}, {ID: "a2", Name: "Feature"}},
			wantID:   "a1",
			wantName: "Primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEventStore{persisted: 1}
			engine := newTestEngine(&fakeUpstream{}, &fakeCredStore{}, events)

			items := []spotify.PlayHistoryItem{{
				PlayedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
				Track:    spotify.Track{ID: "t1", Name: "Track", DurationMs: 1000, Artists: tt.artists},
			}}

			if _, err := engine.Reconcile(context.Background(), "user-1", items); err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if len(events.received) != 1 {
				t.Fatalf("received %d events, want 1", len(events.received))
			}
			got := events.received[0]
			if got.ArtistID != tt.wantID || got.ArtistName != tt.wantName {
				t.Errorf("artist = (%q, %q), want (%q, %q)", got.ArtistID, got.ArtistName, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestReconcileReportsNewlyWrittenCount(t *testing.T) {
	// The store reports 0 newly written rows for a fully overlapping window;
	// the reconciler passes that through rather than the submitted count.
	events := &fakeEventStore{persisted: 0}
	engine := newTestEngine(&fakeUpstream{}, &fakeCredStore{}, events)

	persisted, err := engine.Reconcile(context.Background(), "user-1", testItems(5))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if persisted != 0 {
		t.Errorf("persisted = %d, want 0 (all duplicates)", persisted)
	}
	if len(events.received) != 5 {
		t.Errorf("submitted %d events, want 5", len(events.received))
	}
}
