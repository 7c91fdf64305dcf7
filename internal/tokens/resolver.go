// Package tokens resolves a usable OAuth credential per user, refreshing and
// persisting it when it is about to expire.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Harvey-AU/report-scheduler/internal/cache"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

const (
	// SafetyMargin is how long a resolved token must remain valid
	SafetyMargin = 60 * time.Second
	// RefreshTimeout bounds one shared refresh, independent of any caller
	RefreshTimeout = 30 * time.Second
)

// ErrNoCredential means the user has no usable grant and must reconnect
var ErrNoCredential = errors.New("no credential available")

// Credential is a decrypted, ready-to-use grant
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// CredentialStore persists encrypted credentials
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*db.Credential, error)
	SaveCredential(ctx context.Context, c *db.Credential) error
}

// Config holds OAuth client settings
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	EncryptionKey string // base64, 32 bytes
}

// Resolver hands out credentials valid for at least SafetyMargin
type Resolver struct {
	store     CredentialStore
	refresher Refresher
	cipher    *Cipher
	cache     cache.Cache[*Credential]
	group     singleflight.Group
	timeout   time.Duration
	now       func() time.Time
}

// NewResolver wires a resolver. credCache may be nil to disable caching.
func NewResolver(store CredentialStore, refresher Refresher, cipher *Cipher, credCache cache.Cache[*Credential]) *Resolver {
	return &Resolver{
		store:     store,
		refresher: refresher,
		cipher:    cipher,
		cache:     credCache,
		timeout:   RefreshTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Resolver) fresh(c *Credential) bool {
	return c.ExpiresAt.After(r.now().Add(SafetyMargin))
}

// Resolve returns a credential for userID, refreshing it if it expires
// within SafetyMargin
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Credential, error) {
	if r.cache != nil {
		if c, ok := r.cache.Get(userID); ok {
			if r.fresh(c) {
				return c, nil
			}
			r.cache.Delete(userID)
		}
	}

	stored, err := r.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.fresh(stored) {
		r.remember(stored)
		return stored, nil
	}

	if stored.RefreshToken == "" {
		log.Warn().Str("user_id", userID).Time("expires_at", stored.ExpiresAt).Msg("Access token expired and no refresh token stored")
		return nil, ErrNoCredential
	}

	return r.refresh(ctx, userID)
}

// ForceRefresh refreshes regardless of expiry, e.g. after the API rejected the token
func (r *Resolver) ForceRefresh(ctx context.Context, userID string) (*Credential, error) {
	if r.cache != nil {
		r.cache.Delete(userID)
	}
	return r.refresh(ctx, userID)
}

// Invalidate drops any cached credential for userID
func (r *Resolver) Invalidate(userID string) {
	if r.cache != nil {
		r.cache.Delete(userID)
	}
}

// refresh collapses concurrent refreshes for the same user into one grant.
// The shared refresh runs detached from any one caller under its own timeout,
// so a caller giving up does not fail the others that joined it.
func (r *Resolver) refresh(ctx context.Context, userID string) (*Credential, error) {
	ch := r.group.DoChan(userID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.doRefresh(refreshCtx, userID)
	})

	select {
	case <-ctx.Done():
		log.Debug().Str("user_id", userID).Msg("Stopped waiting for token refresh")
		return nil, &RefreshFailedError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Str("user_id", userID).Msg("Joined in-flight token refresh")
		}
		return res.Val.(*Credential), nil
	}
}

func (r *Resolver) doRefresh(ctx context.Context, userID string) (*Credential, error) {
	stored, err := r.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if stored.RefreshToken == "" {
		return nil, ErrNoCredential
	}

	resp, err := r.refresher.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Token refresh failed")
		var rfe *RefreshFailedError
		if errors.As(err, &rfe) {
			return nil, err
		}
		return nil, &RefreshFailedError{Err: err}
	}

	renewed := &Credential{
		UserID:       userID,
		AccessToken:  resp.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    r.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Scope:        stored.Scope,
	}
	if resp.RefreshToken != "" {
		renewed.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		renewed.Scope = resp.Scope
	}

	if err := r.save(ctx, renewed, resp.RefreshToken != ""); err != nil {
		return nil, err
	}

	r.remember(renewed)

	log.Info().
		Str("user_id", userID).
		Time("expires_at", renewed.ExpiresAt).
		Msg("Refreshed and stored access token")

	return renewed, nil
}

func (r *Resolver) load(ctx context.Context, userID string) (*Credential, error) {
	row, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrCredentialNotFound) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	access, err := r.cipher.Decrypt(row.EncryptedAccessToken)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to decrypt access token")
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := r.cipher.Decrypt(row.EncryptedRefreshToken)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to decrypt refresh token")
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &Credential{
		UserID:       row.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
		Scope:        row.Scope,
	}, nil
}

func (r *Resolver) save(ctx context.Context, c *Credential, includeRefresh bool) error {
	access, err := r.cipher.Encrypt(c.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	row := &db.Credential{
		UserID:               c.UserID,
		EncryptedAccessToken: access,
		ExpiresAt:            c.ExpiresAt,
		Scope:                c.Scope,
		UpdatedAt:            r.now(),
	}
	// An empty refresh column keeps the stored token, so only write it when rotated.
	if includeRefresh && c.RefreshToken != "" {
		refresh, err := r.cipher.Encrypt(c.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		row.EncryptedRefreshToken = refresh
	}

	if err := r.store.SaveCredential(ctx, row); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

func (r *Resolver) remember(c *Credential) {
	if r.cache != nil {
		r.cache.Set(c.UserID, c)
	}
}
