package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// AcquireScheduleLease claims the run lease for a schedule until the given
// time. It succeeds only when the lease is free or expired, and never while
// the schedule is processing. The lease is not re-entrant for owner.
func (db *DB) AcquireScheduleLease(ctx context.Context, scheduleID, owner string, until, now time.Time) (bool, error) {
	query := `
		UPDATE schedules
		SET locked_by = $2,
		    locked_until = $3
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < $4)
		  AND status <> 'processing'
	`

	result, err := db.client.ExecContext(ctx, query, scheduleID, owner, until, now)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Str("owner", owner).Msg("Failed to acquire schedule lease")
		return false, fmt.Errorf("failed to acquire schedule lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	exists, err := db.scheduleExists(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrScheduleNotFound
	}
	return false, nil
}

// ReleaseScheduleLease frees the lease if owner still holds it
func (db *DB) ReleaseScheduleLease(ctx context.Context, scheduleID, owner string) error {
	query := `
		UPDATE schedules
		SET locked_by = NULL,
		    locked_until = NULL
		WHERE id = $1
		  AND locked_by = $2
	`

	if _, err := db.client.ExecContext(ctx, query, scheduleID, owner); err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Str("owner", owner).Msg("Failed to release schedule lease")
		return fmt.Errorf("failed to release schedule lease: %w", err)
	}
	return nil
}

// ScheduleLocker is the default run locker, backed by the schedules row lease
type ScheduleLocker struct {
	db  *DB
	now func() time.Time
}

// NewScheduleLocker creates a row-lease locker
func NewScheduleLocker(db *DB) *ScheduleLocker {
	return &ScheduleLocker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire claims the lease for ttl
func (l *ScheduleLocker) Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	return l.db.AcquireScheduleLease(ctx, scheduleID, owner, now.Add(ttl), now)
}

// Release frees the lease held by owner
func (l *ScheduleLocker) Release(ctx context.Context, scheduleID, owner string) error {
	return l.db.ReleaseScheduleLease(ctx, scheduleID, owner)
}
