package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CredentialRepository handles Spotify credential database operations.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// Save creates or updates a user's Spotify credentials.
func (r *CredentialRepository) Save(ctx context.Context, creds *UserCredentials) error {
	if creds.SpotifyUserID == "" {
		creds.SpotifyUserID = UnknownSpotifyUserID
	}

	query := `
		INSERT INTO spotify_credentials (user_id, access_token, refresh_token, spotify_user_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			spotify_user_id = EXCLUDED.spotify_user_id,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		creds.UserID,
		creds.AccessToken,
		creds.RefreshToken,
		creds.SpotifyUserID,
	).Scan(&creds.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting credentials: %w", err)
	}
	return nil
}

// Get retrieves a user's credentials by user ID.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*UserCredentials, error) {
	query := `
		SELECT user_id, COALESCE(access_token, ''), COALESCE(refresh_token, ''), spotify_user_id, updated_at
		FROM spotify_credentials
		WHERE user_id = $1
	`
	var creds UserCredentials
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&creds.UserID,
		&creds.AccessToken,
		&creds.RefreshToken,
		&creds.SpotifyUserID,
		&creds.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return &creds, nil
}

// UpdateAccessToken replaces the access token after a refresh. The refresh
// token is left untouched.
func (r *CredentialRepository) UpdateAccessToken(ctx context.Context, userID, accessToken string) error {
	query := `
		UPDATE spotify_credentials
		SET access_token = $2, updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.pool.Exec(ctx, query, userID, accessToken)
	if err != nil {
		return fmt.Errorf("updating access token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLinked returns all users whose access and refresh tokens are both
// present, i.e. the fleet eligible for a batch sync.
func (r *CredentialRepository) ListLinked(ctx context.Context) ([]UserCredentials, error) {
	query := `
		SELECT user_id, access_token, refresh_token, spotify_user_id, updated_at
		FROM spotify_credentials
		WHERE access_token IS NOT NULL AND access_token <> ''
		  AND refresh_token IS NOT NULL AND refresh_token <> ''
		ORDER BY user_id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying linked users: %w", err)
	}
	defer rows.Close()

	var users []UserCredentials
	for rows.Next() {
		var creds UserCredentials
		if err := rows.Scan(
			&creds.UserID,
			&creds.AccessToken,
			&creds.RefreshToken,
			&creds.SpotifyUserID,
			&creds.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning credentials: %w", err)
		}
		users = append(users, creds)
	}
	return users, rows.Err()
}
