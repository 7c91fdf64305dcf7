package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCredentialNotFound is returned when no credential is stored for a user
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is a stored OAuth grant. Token fields hold ciphertext.
type Credential struct {
	UserID                string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Scope                 string
	UpdatedAt             time.Time
}

// GetCredential retrieves the stored credential for a user
func (db *DB) GetCredential(ctx context.Context, userID string) (*Credential, error) {
	c := &Credential{}
	var refresh sql.NullString

	query := `
		SELECT user_id, encrypted_access_token, encrypted_refresh_token, expires_at, scope, updated_at
		FROM credentials
		WHERE user_id = $1
	`

	err := db.client.QueryRowContext(ctx, query, userID).Scan(
		&c.UserID, &c.EncryptedAccessToken, &refresh, &c.ExpiresAt, &c.Scope, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get credential")
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.EncryptedRefreshToken = refresh.String

	return c, nil
}

// SaveCredential upserts a user's credential. An empty refresh token keeps
// the stored one, since providers do not always rotate it.
func (db *DB) SaveCredential(ctx context.Context, c *Credential) error {
	query := `
		INSERT INTO credentials (user_id, encrypted_access_token, encrypted_refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = COALESCE(EXCLUDED.encrypted_refresh_token, credentials.encrypted_refresh_token),
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at
	`

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	_, err := db.client.ExecContext(ctx, query,
		c.UserID, c.EncryptedAccessToken, nullString(c.EncryptedRefreshToken), c.ExpiresAt, c.Scope, c.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("user_id", c.UserID).Msg("Failed to save credential")
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}
