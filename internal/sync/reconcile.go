package sync

import (
	"context"
	"fmt"

	"github.com/herdapp/herd-server/internal/db"
	"github.com/herdapp/herd-server/internal/spotify"
)

// Sentinels for plays whose artist identity is missing upstream. Raw data is
// best effort; a missing artist never fails the sync.
const (
	unknownArtistID   = "unknown"
	unknownArtistName = "Unknown Artist"
)

// Reconcile maps raw play records to canonical listening events and bulk
// upserts them under the (user, artist, track, played-at) natural key. The
// returned count is rows newly written, so re-syncing an overlapping window
// is distinguishable from a transport failure. Empty input returns zero
// without touching the store.
func (e *Engine) Reconcile(ctx context.Context, userID string, items []spotify.PlayHistoryItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	events := make([]db.ListeningEvent, len(items))
	for i, item := range items {
		artistID, artistName := unknownArtistID, unknownArtistName
		if len(item.Track.Artists) > 0 {
			if id := item.Track.Artists[0].ID; id != "" {
				artistID = id
			}
			if name := item.Track.Artists[0].Name; name != "" {
				artistName = name
			}
		}

		events[i] = db.ListeningEvent{
			UserID:     userID,
			ArtistID:   artistID,
			ArtistName: artistName,
			TrackID:    item.Track.ID,
			TrackName:  item.Track.Name,
			PlayedAt:   item.PlayedAt,
			DurationMs: item.Track.DurationMs,
		}
	}

	persisted, err := e.events.UpsertBatch(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("upserting listening events: %w", err)
	}
	return persisted, nil
}
