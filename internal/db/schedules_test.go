package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testScheduleID = "6f1c2b9e-7a51-4f7e-9b8c-1d2e3f4a5b6c"
	testTenantID   = "0d9c8b7a-6f5e-4d3c-2b1a-0f9e8d7c6b5a"
	testOwnerID    = "a1b2c3d4-e5f6-4a5b-8c7d-9e0f1a2b3c4d"
)

var scheduleColumnNames = []string{
	"id", "owner_user_id", "tenant_id", "analytics_property_id", "report_kind",
	"cron_pattern", "recipient_emails", "branding_config", "is_active", "is_paused", "pause_reason",
	"consecutive_failures", "last_run_at", "next_run_at", "status", "processing_started_at",
	"locked_by", "locked_until", "created_at", "updated_at",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	client, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return &DB{client: client}, mock
}

func testScheduleRows(status string, paused bool, failures int, next time.Time) *sqlmock.Rows {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var reason any
	if paused {
		reason = "auto-paused after 3 consecutive failures: API_RATE_LIMIT"
	}
	return sqlmock.NewRows(scheduleColumnNames).AddRow(
		testScheduleID, testOwnerID, testTenantID, "properties/123", "weekly_summary",
		"0 0 * * MON", "{ops@example.com,ceo@example.com}", `{"companyName":"Acme","primaryColor":"#112233"}`,
		true, paused, reason,
		failures, nil, next, status, nil,
		nil, nil, created, created,
	)
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetSchedule(t *testing.T) {
	next := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM schedules WHERE id = \$1`).
			WithArgs(testScheduleID).
			WillReturnRows(testScheduleRows("active", false, 0, next))

		s, err := db.GetSchedule(ctxWithTimeout(t), testScheduleID)
		require.NoError(t, err)

		assert.Equal(t, testScheduleID, s.ID)
		assert.Equal(t, ReportKindWeeklySummary, s.ReportKind)
		assert.Equal(t, StatusActive, s.Status)
		assert.Equal(t, []string{"ops@example.com", "ceo@example.com"}, s.RecipientEmails)
		require.NotNil(t, s.Branding)
		assert.Equal(t, "Acme", s.Branding.CompanyName)
		assert.Equal(t, "#112233", s.Branding.PrimaryColor)
		assert.Nil(t, s.LastRunAt)
		assert.Equal(t, next, s.NextRunAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM schedules WHERE id = \$1`).
			WithArgs(testScheduleID).
			WillReturnError(sql.ErrNoRows)

		s, err := db.GetSchedule(ctxWithTimeout(t), testScheduleID)
		assert.Nil(t, s)
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})

	t.Run("query error is wrapped", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM schedules WHERE id = \$1`).
			WithArgs(testScheduleID).
			WillReturnError(sql.ErrConnDone)

		_, err := db.GetSchedule(ctxWithTimeout(t), testScheduleID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get schedule")
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})
}

func TestCreateSchedule(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	s := &Schedule{
		ID:                  testScheduleID,
		OwnerUserID:         testOwnerID,
		TenantID:            testTenantID,
		AnalyticsPropertyID: "properties/123",
		ReportKind:          ReportKindMonthlyReport,
		CronPattern:         "0 9 1 * *",
		RecipientEmails:     []string{"ops@example.com"},
		IsActive:            true,
		NextRunAt:           now.Add(time.Hour),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	mock.ExpectExec(`INSERT INTO schedules`).
		WithArgs(
			testScheduleID, testOwnerID, testTenantID, "properties/123", "monthly_report",
			"0 9 1 * *", sqlmock.AnyArg(), nil, true, false,
			nil, 0, now.Add(time.Hour), "idle", now, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.CreateSchedule(ctxWithTimeout(t), s))
	assert.Equal(t, StatusIdle, s.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSchedules(t *testing.T) {
	db, mock := newMockDB(t)
	next := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	rows := testScheduleRows("active", false, 0, next)
	mock.ExpectQuery(`FROM schedules WHERE tenant_id = \$1 ORDER BY created_at DESC`).
		WithArgs(testTenantID).
		WillReturnRows(rows)

	schedules, err := db.ListSchedules(ctxWithTimeout(t), testTenantID)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDeleteScheduleNotFound(t *testing.T) {
	t.Run("update", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(`UPDATE schedules SET analytics_property_id = \$1`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := db.UpdateSchedule(ctxWithTimeout(t), &Schedule{ID: testScheduleID, ReportKind: ReportKindWeeklySummary})
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(`DELETE FROM schedules WHERE id = \$1`).
			WithArgs(testScheduleID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, db.DeleteSchedule(ctxWithTimeout(t), testScheduleID), ErrScheduleNotFound)
	})
}

func TestFindDueSchedules(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE is_active = TRUE AND is_paused = FALSE AND next_run_at <= \$1 AND status <> 'processing' ORDER BY next_run_at ASC LIMIT \$2`).
		WithArgs(now, 25).
		WillReturnRows(testScheduleRows("error", false, 1, now.Add(-time.Minute)))

	due, err := db.FindDueSchedules(ctxWithTimeout(t), now, 25)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusError, due[0].Status)
	assert.Equal(t, 1, due[0].ConsecutiveFailures)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkScheduleProcessing(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "claims idle schedule",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE schedules SET status = 'processing'`).
					WithArgs(testScheduleID, now).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "already processing",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE schedules SET status = 'processing'`).
					WithArgs(testScheduleID, now).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs(testScheduleID).
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
			wantErr: ErrScheduleProcessing,
		},
		{
			name: "missing schedule",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE schedules SET status = 'processing'`).
					WithArgs(testScheduleID, now).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT EXISTS`).
					WithArgs(testScheduleID).
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: ErrScheduleNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.setupMock(mock)

			err := db.MarkScheduleProcessing(ctxWithTimeout(t), testScheduleID, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApplySuccess(t *testing.T) {
	db, mock := newMockDB(t)
	ranAt := time.Date(2026, 3, 2, 0, 0, 5, 0, time.UTC)
	next := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE schedules SET consecutive_failures = 0, last_run_at = \$2, next_run_at = \$3, status = CASE WHEN is_paused THEN 'paused' ELSE 'active' END`).
		WithArgs(testScheduleID, ranAt, next).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.ApplySuccess(ctxWithTimeout(t), testScheduleID, RunSuccess{RanAt: ranAt, NextRunAt: next})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFailure(t *testing.T) {
	started := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	failed := started.Add(30 * time.Second)
	retryAfter := failed.Add(15 * time.Minute)

	decide := func(pauseAt int) func(int) FailureDecision {
		return func(cf int) FailureDecision {
			attempt := cf + 1
			return FailureDecision{
				AttemptID:    "attempt-1",
				ErrorCode:    ErrorCodeAPIRateLimit,
				ErrorMessage: "rate limited",
				RetryAfter:   &retryAfter,
				CanRetry:     attempt < 3,
				NextRunAt:    retryAfter,
				Pause:        attempt >= pauseAt,
				PauseReason:  "auto-paused after 3 consecutive failures: API_RATE_LIMIT",
			}
		}
	}

	t.Run("first failure stays in error", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT consecutive_failures, is_paused FROM schedules WHERE id = \$1 FOR UPDATE`).
			WithArgs(testScheduleID).
			WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "is_paused"}).AddRow(0, false))
		mock.ExpectExec(`INSERT INTO execution_attempts`).
			WithArgs("attempt-1", testScheduleID, 1, started, failed, "API_RATE_LIMIT", "rate limited", retryAfter, true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE schedules SET consecutive_failures = \$2`).
			WithArgs(testScheduleID, 1, "error", retryAfter, false, nil, failed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := db.ApplyFailure(ctxWithTimeout(t), testScheduleID, started, failed, decide(3))
		require.NoError(t, err)
		assert.Equal(t, 1, res.ConsecutiveFailures)
		assert.Equal(t, 1, res.Attempt.AttemptNumber)
		assert.False(t, res.Paused)
		assert.False(t, res.AutoPaused)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("third failure auto-pauses", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(testScheduleID).
			WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "is_paused"}).AddRow(2, false))
		mock.ExpectExec(`INSERT INTO execution_attempts`).
			WithArgs("attempt-1", testScheduleID, 3, started, failed, "API_RATE_LIMIT", "rate limited", retryAfter, false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE schedules SET consecutive_failures = \$2`).
			WithArgs(testScheduleID, 3, "paused", retryAfter, true,
				"auto-paused after 3 consecutive failures: API_RATE_LIMIT", failed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := db.ApplyFailure(ctxWithTimeout(t), testScheduleID, started, failed, decide(3))
		require.NoError(t, err)
		assert.Equal(t, 3, res.ConsecutiveFailures)
		assert.True(t, res.Paused)
		assert.True(t, res.AutoPaused)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("operator pause during run keeps its reason", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(testScheduleID).
			WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "is_paused"}).AddRow(0, true))
		mock.ExpectExec(`INSERT INTO execution_attempts`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE schedules SET consecutive_failures = \$2`).
			WithArgs(testScheduleID, 1, "paused", retryAfter, true, nil, failed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := db.ApplyFailure(ctxWithTimeout(t), testScheduleID, started, failed, decide(3))
		require.NoError(t, err)
		assert.True(t, res.Paused)
		assert.False(t, res.AutoPaused)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(testScheduleID).
			WillReturnRows(sqlmock.NewRows([]string{"consecutive_failures", "is_paused"}).AddRow(0, false))
		mock.ExpectExec(`INSERT INTO execution_attempts`).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		res, err := db.ApplyFailure(ctxWithTimeout(t), testScheduleID, started, failed, decide(3))
		assert.Nil(t, res)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert execution attempt")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deleted schedule", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(testScheduleID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := db.ApplyFailure(ctxWithTimeout(t), testScheduleID, started, failed, decide(3))
		assert.ErrorIs(t, err, ErrScheduleNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPauseSchedule(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("pauses", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`UPDATE schedules SET is_paused = TRUE, pause_reason = \$2`).
			WithArgs(testScheduleID, "maintenance", now).
			WillReturnRows(testScheduleRows("paused", true, 0, now))

		s, err := db.PauseSchedule(ctxWithTimeout(t), testScheduleID, "maintenance", now)
		require.NoError(t, err)
		assert.True(t, s.IsPaused)
		assert.Equal(t, StatusPaused, s.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`UPDATE schedules SET is_paused = TRUE`).
			WithArgs(testScheduleID, "maintenance", now).
			WillReturnError(sql.ErrNoRows)

		_, err := db.PauseSchedule(ctxWithTimeout(t), testScheduleID, "maintenance", now)
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})
}

func TestResumeSchedule(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("paused schedule resumes", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`UPDATE schedules SET is_paused = FALSE, pause_reason = NULL`).
			WithArgs(testScheduleID, now).
			WillReturnRows(testScheduleRows("error", false, 3, now))

		s, err := db.ResumeSchedule(ctxWithTimeout(t), testScheduleID, now)
		require.NoError(t, err)
		assert.False(t, s.IsPaused)
		assert.Equal(t, StatusError, s.Status)
		assert.Equal(t, 3, s.ConsecutiveFailures)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not paused is a no-op read", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`UPDATE schedules SET is_paused = FALSE`).
			WithArgs(testScheduleID, now).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT .+ FROM schedules WHERE id = \$1`).
			WithArgs(testScheduleID).
			WillReturnRows(testScheduleRows("active", false, 0, now.Add(time.Hour)))

		s, err := db.ResumeSchedule(ctxWithTimeout(t), testScheduleID, now)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, s.Status)
		assert.Equal(t, 0, s.ConsecutiveFailures)
		assert.False(t, s.IsPaused)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecoverStaleSchedules(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	staleBefore := now.Add(-10 * time.Minute)

	mock.ExpectQuery(`WHERE status = 'processing' AND processing_started_at < \$1 RETURNING id`).
		WithArgs(staleBefore, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(testScheduleID))

	ids, err := db.RecoverStaleSchedules(ctxWithTimeout(t), staleBefore, now)
	require.NoError(t, err)
	assert.Equal(t, []string{testScheduleID}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportKindValid(t *testing.T) {
	assert.True(t, ReportKindWeeklySummary.Valid())
	assert.True(t, ReportKindMonthlyReport.Valid())
	assert.True(t, ReportKindQuarterlyReview.Valid())
	assert.False(t, ReportKind("daily_digest").Valid())
	assert.False(t, ReportKind("").Valid())
}
