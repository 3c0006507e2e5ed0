package db

import (
	"time"
)

// UnknownSpotifyUserID is stored when the upstream profile lookup failed at
// link time. Tokens still work without it.
const UnknownSpotifyUserID = "unknown"

// UserCredentials holds a user's Spotify tokens and account identifier.
// A user is eligible for sync only when both tokens are present.
type UserCredentials struct {
	UserID        string
	AccessToken   string
	RefreshToken  string
	SpotifyUserID string
	UpdatedAt     time.Time
}

// ListeningEvent is one canonical play record. Rows are immutable and unique
// on (user_id, artist_id, track_id, played_at).
type ListeningEvent struct {
	UserID     string
	ArtistID   string
	ArtistName string
	TrackID    string
	TrackName  string
	PlayedAt   time.Time
	DurationMs int
}

// Artist is a distinct (id, name) pair seen in listening events.
type Artist struct {
	ID   string
	Name string
}

// LeaderboardEntry is one user's standing on an artist leaderboard.
type LeaderboardEntry struct {
	UserID       string
	TotalMinutes int
	TotalPlays   int
}

// ArtistStanding ranks an artist within one user's listening history.
type ArtistStanding struct {
	ArtistID     string
	ArtistName   string
	TotalMinutes int
	TotalPlays   int
}
