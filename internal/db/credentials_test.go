package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCredential(t *testing.T) {
	expires := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	columns := []string{"user_id", "encrypted_access_token", "encrypted_refresh_token", "expires_at", "scope", "updated_at"}

	t.Run("with refresh token", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`FROM credentials WHERE user_id = \$1`).
			WithArgs(testOwnerID).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(testOwnerID, "enc-access", "enc-refresh", expires, "analytics.readonly", expires))

		c, err := db.GetCredential(ctxWithTimeout(t), testOwnerID)
		require.NoError(t, err)
		assert.Equal(t, "enc-access", c.EncryptedAccessToken)
		assert.Equal(t, "enc-refresh", c.EncryptedRefreshToken)
		assert.Equal(t, expires, c.ExpiresAt)
	})

	t.Run("without refresh token", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`FROM credentials WHERE user_id = \$1`).
			WithArgs(testOwnerID).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(testOwnerID, "enc-access", nil, expires, "", expires))

		c, err := db.GetCredential(ctxWithTimeout(t), testOwnerID)
		require.NoError(t, err)
		assert.Empty(t, c.EncryptedRefreshToken)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`FROM credentials WHERE user_id = \$1`).
			WithArgs(testOwnerID).
			WillReturnError(sql.ErrNoRows)

		_, err := db.GetCredential(ctxWithTimeout(t), testOwnerID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)
	})
}

func TestSaveCredential(t *testing.T) {
	expires := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	updated := expires.Add(-time.Hour)

	tests := []struct {
		name        string
		refresh     string
		wantRefresh any
	}{
		{name: "rotated refresh token", refresh: "enc-new-refresh", wantRefresh: "enc-new-refresh"},
		{name: "keeps stored refresh token", refresh: "", wantRefresh: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec(`INSERT INTO credentials .+ ON CONFLICT \(user_id\) DO UPDATE`).
				WithArgs(testOwnerID, "enc-access", tt.wantRefresh, expires, "scope", updated).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := db.SaveCredential(ctxWithTimeout(t), &Credential{
				UserID:                testOwnerID,
				EncryptedAccessToken:  "enc-access",
				EncryptedRefreshToken: tt.refresh,
				ExpiresAt:             expires,
				Scope:                 "scope",
				UpdatedAt:             updated,
			})
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
