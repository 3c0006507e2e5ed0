package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository handles listening event database operations.
type EventRepository struct {
	pool *pgxpool.Pool
}

// UpsertBatch inserts listening events, skipping rows that already exist
// under the (user_id, artist_id, track_id, played_at) natural key. It returns
// the number of rows newly written, so re-syncing an overlapping window
// reports zero rather than the submitted count.
func (r *EventRepository) UpsertBatch(ctx context.Context, events []ListeningEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO listening_events (user_id, artist_id, artist_name, track_id, track_name, played_at, duration_ms)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::timestamptz[], $7::int[])
		ON CONFLICT (user_id, artist_id, track_id, played_at) DO NOTHING
	`

	userIDs := make([]string, len(events))
	artistIDs := make([]string, len(events))
	artistNames := make([]string, len(events))
	trackIDs := make([]string, len(events))
	trackNames := make([]string, len(events))
	playedAts := make([]time.Time, len(events))
	durations := make([]int, len(events))

	for i, e := range events {
		userIDs[i] = e.UserID
		artistIDs[i] = e.ArtistID
		artistNames[i] = e.ArtistName
		trackIDs[i] = e.TrackID
		trackNames[i] = e.TrackName
		playedAts[i] = e.PlayedAt
		durations[i] = e.DurationMs
	}

	result, err := r.pool.Exec(ctx, query,
		userIDs, artistIDs, artistNames, trackIDs, trackNames, playedAts, durations)
	if err != nil {
		return 0, fmt.Errorf("batch upserting listening events: %w", err)
	}

	// RowsAffected excludes conflicting rows under DO NOTHING.
	return int(result.RowsAffected()), nil
}

// ArtistLeaderboard returns the top listeners for an artist, ranked by total
// listened minutes. A nil since means all-time.
func (r *EventRepository) ArtistLeaderboard(ctx context.Context, artistID string, since *time.Time, limit int) ([]LeaderboardEntry, error) {
	query := `
		SELECT user_id,
		       (SUM(duration_ms) / 60000)::int AS total_minutes,
		       COUNT(*)::int AS total_plays
		FROM listening_events
		WHERE artist_id = $1
		  AND ($2::timestamptz IS NULL OR played_at >= $2)
		GROUP BY user_id
		ORDER BY SUM(duration_ms) DESC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, artistID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying artist leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var entry LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.TotalMinutes, &entry.TotalPlays); err != nil {
			return nil, fmt.Errorf("scanning leaderboard entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SearchArtists returns distinct artists whose name contains the query,
// case-insensitively, ordered by name.
func (r *EventRepository) SearchArtists(ctx context.Context, q string, limit int) ([]Artist, error) {
	query := `
		SELECT DISTINCT artist_id, artist_name
		FROM listening_events
		WHERE artist_name ILIKE '%' || $1 || '%'
		ORDER BY artist_name
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, q, limit)
	if err != nil {
		return nil, fmt.Errorf("searching artists: %w", err)
	}
	defer rows.Close()

	var artists []Artist
	for rows.Next() {
		var artist Artist
		if err := rows.Scan(&artist.ID, &artist.Name); err != nil {
			return nil, fmt.Errorf("scanning artist: %w", err)
		}
		artists = append(artists, artist)
	}
	return artists, rows.Err()
}

// TopArtistsForUser ranks a user's artists by listened minutes computed from
// stored events.
func (r *EventRepository) TopArtistsForUser(ctx context.Context, userID string, limit int) ([]ArtistStanding, error) {
	query := `
		SELECT artist_id,
		       MAX(artist_name) AS artist_name,
		       (SUM(duration_ms) / 60000)::int AS total_minutes,
		       COUNT(*)::int AS total_plays
		FROM listening_events
		WHERE user_id = $1
		GROUP BY artist_id
		ORDER BY SUM(duration_ms) DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying user top artists: %w", err)
	}
	defer rows.Close()

	var standings []ArtistStanding
	for rows.Next() {
		var s ArtistStanding
		if err := rows.Scan(&s.ArtistID, &s.ArtistName, &s.TotalMinutes, &s.TotalPlays); err != nil {
			return nil, fmt.Errorf("scanning artist standing: %w", err)
		}
		standings = append(standings, s)
	}
	return standings, rows.Err()
}
