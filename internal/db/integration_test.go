package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/testutil"
)

func connect(t *testing.T) *db.DB {
	t.Helper()
	url := testutil.RequireDatabaseURL(t)

	database, err := db.New(&db.Config{DatabaseURL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func newSchedule(t *testing.T, tenant string, nextRun time.Time) *db.Schedule {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &db.Schedule{
		ID:                  uuid.NewString(),
		OwnerUserID:         uuid.NewString(),
		TenantID:            tenant,
		AnalyticsPropertyID: "properties/1",
		ReportKind:          db.ReportKindWeeklySummary,
		CronPattern:         "0 9 * * 1",
		RecipientEmails:     []string{"ops@example.com"},
		Branding:            &db.BrandingConfig{CompanyName: "Acme"},
		IsActive:            true,
		NextRunAt:           nextRun,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestScheduleLifecycleIntegration(t *testing.T) {
	database := connect(t)
	ctx := context.Background()
	tenant := testutil.UniqueTenant(t)

	due := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	s := newSchedule(t, tenant, due)
	require.NoError(t, database.CreateSchedule(ctx, s))
	t.Cleanup(func() { _ = database.DeleteSchedule(context.Background(), s.ID) })

	got, err := database.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusIdle, got.Status)
	require.NotNil(t, got.Branding)
	assert.Equal(t, "Acme", got.Branding.CompanyName)

	listed, err := database.ListSchedules(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	now := time.Now().UTC()
	require.NoError(t, database.MarkScheduleProcessing(ctx, s.ID, now))
	assert.ErrorIs(t, database.MarkScheduleProcessing(ctx, s.ID, now), db.ErrScheduleProcessing)

	next := now.Add(24 * time.Hour).Truncate(time.Microsecond)
	result, err := database.ApplyFailure(ctx, s.ID, now, now.Add(time.Second), func(prior int) db.FailureDecision {
		assert.Equal(t, 0, prior)
		return db.FailureDecision{
			AttemptID:    uuid.NewString(),
			ErrorCode:    db.ErrorCodeAPIRateLimit,
			ErrorMessage: "quota exhausted",
			CanRetry:     true,
			NextRunAt:    next,
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConsecutiveFailures)
	assert.False(t, result.Paused)

	failed, total, err := database.ListFailedExecutions(ctx, db.ExecutionFilter{TenantID: tenant, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, failed, 1)
	assert.Equal(t, db.ErrorCodeAPIRateLimit, failed[0].ErrorCode)

	paused, err := database.PauseSchedule(ctx, s.ID, "maintenance", now)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	assert.Equal(t, db.StatusPaused, paused.Status)

	resumed, err := database.ResumeSchedule(ctx, s.ID, now)
	require.NoError(t, err)
	assert.False(t, resumed.IsPaused)
	assert.Equal(t, db.StatusError, resumed.Status)
	assert.Equal(t, 1, resumed.ConsecutiveFailures)

	require.NoError(t, database.ApplySuccess(ctx, s.ID, db.RunSuccess{RanAt: now, NextRunAt: next}))
	got, err = database.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusActive, got.Status)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.True(t, got.NextRunAt.Equal(next))
}

func TestScheduleLeaseIntegration(t *testing.T) {
	database := connect(t)
	ctx := context.Background()

	s := newSchedule(t, testutil.UniqueTenant(t), time.Now().UTC().Add(time.Hour))
	require.NoError(t, database.CreateSchedule(ctx, s))
	t.Cleanup(func() { _ = database.DeleteSchedule(context.Background(), s.ID) })

	locker := db.NewScheduleLocker(database)

	ok, err := locker.Acquire(ctx, s.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, s.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, s.ID, "worker-a"))

	ok, err = locker.Acquire(ctx, s.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, s.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the holder cannot take the lease twice")
}
