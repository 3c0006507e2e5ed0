package spotify

import "time"

// PlayHistoryItem is one raw play record from the recently-played endpoint.
type PlayHistoryItem struct {
	PlayedAt time.Time `json:"played_at"`
	Track    Track     `json:"track"`
}

// Track carries the track identity nested in a play record.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMs int      `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
}

// Artist carries the artist identity nested in a track.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokenRefresh is the token endpoint's response to a refresh grant.
type TokenRefresh struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type recentlyPlayedResponse struct {
	Items []PlayHistoryItem `json:"items"`
}
