package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var (
	// ErrScheduleNotFound is returned when a schedule is not found
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrScheduleProcessing is returned when a run is already in progress for the schedule
	ErrScheduleProcessing = errors.New("schedule is already processing")
)

// ReportKind identifies which report template and date window a schedule uses
type ReportKind string

const (
	ReportKindWeeklySummary   ReportKind = "weekly_summary"
	ReportKindMonthlyReport   ReportKind = "monthly_report"
	ReportKindQuarterlyReview ReportKind = "quarterly_review"
)

// Valid reports whether k is one of the known report kinds
func (k ReportKind) Valid() bool {
	switch k {
	case ReportKindWeeklySummary, ReportKindMonthlyReport, ReportKindQuarterlyReview:
		return true
	}
	return false
}

// ScheduleStatus is the lifecycle state of a schedule
type ScheduleStatus string

const (
	StatusIdle       ScheduleStatus = "idle"
	StatusProcessing ScheduleStatus = "processing"
	StatusActive     ScheduleStatus = "active"
	StatusError      ScheduleStatus = "error"
	StatusPaused     ScheduleStatus = "paused"
)

// BrandingConfig customises the rendered report header and footer
type BrandingConfig struct {
	CompanyName  string `json:"companyName,omitempty"`
	LogoURL      string `json:"logoUrl,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
	FooterText   string `json:"footerText,omitempty"`
}

// Schedule represents a recurring report delivery
type Schedule struct {
	ID                  string
	OwnerUserID         string
	TenantID            string
	AnalyticsPropertyID string
	ReportKind          ReportKind
	CronPattern         string
	RecipientEmails     []string
	Branding            *BrandingConfig
	IsActive            bool
	IsPaused            bool
	PauseReason         string
	ConsecutiveFailures int
	LastRunAt           *time.Time
	NextRunAt           time.Time
	Status              ScheduleStatus
	ProcessingStartedAt *time.Time
	LockedBy            string
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const scheduleColumns = `id, owner_user_id, tenant_id, analytics_property_id, report_kind,
	cron_pattern, recipient_emails, branding_config, is_active, is_paused, pause_reason,
	consecutive_failures, last_run_at, next_run_at, status, processing_started_at,
	locked_by, locked_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	s := &Schedule{}
	var (
		recipients          pq.StringArray
		branding            sql.NullString
		pauseReason         sql.NullString
		lastRunAt           sql.NullTime
		processingStartedAt sql.NullTime
		lockedBy            sql.NullString
		lockedUntil         sql.NullTime
		kind, status        string
	)

	err := row.Scan(
		&s.ID, &s.OwnerUserID, &s.TenantID, &s.AnalyticsPropertyID, &kind,
		&s.CronPattern, &recipients, &branding, &s.IsActive, &s.IsPaused, &pauseReason,
		&s.ConsecutiveFailures, &lastRunAt, &s.NextRunAt, &status, &processingStartedAt,
		&lockedBy, &lockedUntil, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ReportKind = ReportKind(kind)
	s.Status = ScheduleStatus(status)
	s.RecipientEmails = []string(recipients)
	if s.RecipientEmails == nil {
		s.RecipientEmails = []string{}
	}
	s.PauseReason = pauseReason.String
	s.LastRunAt = timePtr(lastRunAt)
	s.ProcessingStartedAt = timePtr(processingStartedAt)
	s.LockedBy = lockedBy.String
	s.LockedUntil = timePtr(lockedUntil)

	if branding.Valid && branding.String != "" && branding.String != "null" {
		cfg := &BrandingConfig{}
		if err := json.Unmarshal([]byte(branding.String), cfg); err != nil {
			log.Warn().Err(err).Str("schedule_id", s.ID).Msg("Failed to deserialise branding_config")
		} else {
			s.Branding = cfg
		}
	}

	return s, nil
}

func brandingValue(b *BrandingConfig) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: Serialise(b), Valid: true}
}

// CreateSchedule inserts a new schedule
func (db *DB) CreateSchedule(ctx context.Context, s *Schedule) error {
	if s.Status == "" {
		s.Status = StatusIdle
	}

	query := `
		INSERT INTO schedules (
			id, owner_user_id, tenant_id, analytics_property_id, report_kind,
			cron_pattern, recipient_emails, branding_config, is_active, is_paused,
			pause_reason, consecutive_failures, next_run_at, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := db.client.ExecContext(ctx, query,
		s.ID, s.OwnerUserID, s.TenantID, s.AnalyticsPropertyID, string(s.ReportKind),
		s.CronPattern, pq.Array(s.RecipientEmails), brandingValue(s.Branding), s.IsActive, s.IsPaused,
		nullString(s.PauseReason), s.ConsecutiveFailures, s.NextRunAt, string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Str("tenant_id", s.TenantID).Msg("Failed to create schedule")
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	return nil
}

// GetSchedule retrieves a schedule by ID
func (db *DB) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	s, err := scanSchedule(db.client.QueryRowContext(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to get schedule")
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return s, nil
}

// ListSchedules retrieves all schedules for a tenant, newest first
func (db *DB) ListSchedules(ctx context.Context, tenantID string) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := db.client.QueryContext(ctx, query, tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to query schedules")
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	// Initialise slice to return empty array instead of null in JSON
	schedules := make([]*Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to scan schedule row")
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}

	return schedules, rows.Err()
}

// UpdateSchedule updates the user-editable fields of a schedule.
// Run bookkeeping (failures, status, lease) is left to the run paths.
func (db *DB) UpdateSchedule(ctx context.Context, s *Schedule) error {
	query := `
		UPDATE schedules
		SET analytics_property_id = $1,
		    report_kind = $2,
		    cron_pattern = $3,
		    recipient_emails = $4,
		    branding_config = $5,
		    is_active = $6,
		    next_run_at = $7,
		    updated_at = $8
		WHERE id = $9
	`

	result, err := db.client.ExecContext(ctx, query,
		s.AnalyticsPropertyID, string(s.ReportKind), s.CronPattern, pq.Array(s.RecipientEmails),
		brandingValue(s.Branding), s.IsActive, s.NextRunAt, time.Now().UTC(), s.ID,
	)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("Failed to update schedule")
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("Failed to get rows affected after update")
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		log.Warn().Str("schedule_id", s.ID).Msg("Schedule not found for update")
		return ErrScheduleNotFound
	}

	return nil
}

// DeleteSchedule hard-deletes a schedule; its execution attempts cascade
func (db *DB) DeleteSchedule(ctx context.Context, scheduleID string) error {
	result, err := db.client.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to delete schedule")
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to get rows affected after delete")
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		log.Warn().Str("schedule_id", scheduleID).Msg("Schedule not found for deletion")
		return ErrScheduleNotFound
	}

	return nil
}

// FindDueSchedules returns active, unpaused schedules whose next run is at or
// before now and which are not currently processing, oldest first
func (db *DB) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE is_active = TRUE
		  AND is_paused = FALSE
		  AND next_run_at <= $1
		  AND status <> 'processing'
		ORDER BY next_run_at ASC
		LIMIT $2
	`

	rows, err := db.client.QueryContext(ctx, query, now, limit)
	if err != nil {
		log.Error().Err(err).Int("limit", limit).Msg("Failed to query due schedules")
		return nil, fmt.Errorf("failed to find due schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]*Schedule, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan due schedule row")
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}

	return schedules, rows.Err()
}

// MarkScheduleProcessing moves a schedule into processing. It fails with
// ErrScheduleProcessing if another run already holds that state.
func (db *DB) MarkScheduleProcessing(ctx context.Context, scheduleID string, now time.Time) error {
	query := `
		UPDATE schedules
		SET status = 'processing',
		    processing_started_at = $2,
		    updated_at = $2
		WHERE id = $1
		  AND status <> 'processing'
	`

	result, err := db.client.ExecContext(ctx, query, scheduleID, now)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to mark schedule processing")
		return fmt.Errorf("failed to mark schedule processing: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	exists, err := db.scheduleExists(ctx, scheduleID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrScheduleNotFound
	}
	return ErrScheduleProcessing
}

// RunSuccess carries the bookkeeping applied after a successful run
type RunSuccess struct {
	RanAt     time.Time
	NextRunAt time.Time
}

// ApplySuccess resets failure state and advances the schedule in one statement.
// A schedule paused by an operator mid-run stays paused.
func (db *DB) ApplySuccess(ctx context.Context, scheduleID string, outcome RunSuccess) error {
	query := `
		UPDATE schedules
		SET consecutive_failures = 0,
		    last_run_at = $2,
		    next_run_at = $3,
		    status = CASE WHEN is_paused THEN 'paused' ELSE 'active' END,
		    pause_reason = CASE WHEN is_paused THEN pause_reason ELSE NULL END,
		    processing_started_at = NULL,
		    updated_at = $2
		WHERE id = $1
	`

	result, err := db.client.ExecContext(ctx, query, scheduleID, outcome.RanAt, outcome.NextRunAt)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to apply run success")
		return fmt.Errorf("failed to apply run success: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn().Str("schedule_id", scheduleID).Msg("Schedule deleted before run success could be applied")
		return ErrScheduleNotFound
	}

	return nil
}

// FailureDecision is what the caller decides given the prior failure count
type FailureDecision struct {
	AttemptID    string
	ErrorCode    ErrorCode
	ErrorMessage string
	RetryAfter   *time.Time
	CanRetry     bool
	NextRunAt    time.Time
	Pause        bool
	PauseReason  string
}

// FailureResult reports what ApplyFailure persisted
type FailureResult struct {
	Attempt             *ExecutionAttempt
	ConsecutiveFailures int
	Paused              bool
	AutoPaused          bool
}

// ApplyFailure records a failed run atomically. The schedule row is locked,
// decide is called with the current consecutive failure count, then the
// execution attempt is inserted and the schedule updated in the same transaction.
func (db *DB) ApplyFailure(ctx context.Context, scheduleID string, startedAt, failedAt time.Time,
	decide func(consecutiveFailures int) FailureDecision) (*FailureResult, error) {

	var result *FailureResult

	err := db.execute(ctx, func(tx *sql.Tx) error {
		var (
			consecutiveFailures int
			isPaused            bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT consecutive_failures, is_paused FROM schedules WHERE id = $1 FOR UPDATE`,
			scheduleID,
		).Scan(&consecutiveFailures, &isPaused)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrScheduleNotFound
			}
			return fmt.Errorf("failed to lock schedule: %w", err)
		}

		decision := decide(consecutiveFailures)

		attempt := &ExecutionAttempt{
			ID:            decision.AttemptID,
			ScheduleID:    scheduleID,
			AttemptNumber: consecutiveFailures + 1,
			StartedAt:     startedAt,
			FailedAt:      failedAt,
			ErrorCode:     decision.ErrorCode,
			ErrorMessage:  decision.ErrorMessage,
			RetryAfter:    decision.RetryAfter,
			CanRetry:      decision.CanRetry,
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_attempts (
				id, schedule_id, attempt_number, started_at, failed_at,
				error_code, error_message, retry_after, can_retry
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			attempt.ID, attempt.ScheduleID, attempt.AttemptNumber, attempt.StartedAt, attempt.FailedAt,
			string(attempt.ErrorCode), attempt.ErrorMessage, nullTime(attempt.RetryAfter), attempt.CanRetry,
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution attempt: %w", err)
		}

		autoPause := decision.Pause && !isPaused
		paused := isPaused || decision.Pause
		status := StatusError
		if paused {
			status = StatusPaused
		}
		var reason sql.NullString
		if autoPause {
			reason = nullString(decision.PauseReason)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE schedules
			SET consecutive_failures = $2,
			    status = $3,
			    next_run_at = $4,
			    is_paused = $5,
			    pause_reason = COALESCE($6, pause_reason),
			    processing_started_at = NULL,
			    updated_at = $7
			WHERE id = $1
		`,
			scheduleID, attempt.AttemptNumber, string(status), decision.NextRunAt, paused, reason, failedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update schedule after failure: %w", err)
		}

		result = &FailureResult{
			Attempt:             attempt,
			ConsecutiveFailures: attempt.AttemptNumber,
			Paused:              paused,
			AutoPaused:          autoPause,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrScheduleNotFound) {
			log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to apply run failure")
		}
		return nil, err
	}

	return result, nil
}

// PauseSchedule marks a schedule paused. Repeated calls only refresh the reason.
// A schedule that is mid-run keeps its processing status until the run settles.
func (db *DB) PauseSchedule(ctx context.Context, scheduleID, reason string, now time.Time) (*Schedule, error) {
	query := `
		UPDATE schedules
		SET is_paused = TRUE,
		    pause_reason = $2,
		    status = CASE WHEN status = 'processing' THEN status ELSE 'paused' END,
		    updated_at = $3
		WHERE id = $1
		RETURNING ` + scheduleColumns

	s, err := scanSchedule(db.client.QueryRowContext(ctx, query, scheduleID, nullString(reason), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to pause schedule")
		return nil, fmt.Errorf("failed to pause schedule: %w", err)
	}

	return s, nil
}

// ResumeSchedule clears the pause on a paused schedule. Status becomes active
// with no outstanding failures and error otherwise; consecutive_failures is
// kept. A next_run_at in the past is moved to now. A schedule that is not
// paused is returned unchanged.
func (db *DB) ResumeSchedule(ctx context.Context, scheduleID string, now time.Time) (*Schedule, error) {
	query := `
		UPDATE schedules
		SET is_paused = FALSE,
		    pause_reason = NULL,
		    status = CASE
		        WHEN status = 'processing' THEN status
		        WHEN consecutive_failures = 0 THEN 'active'
		        ELSE 'error'
		    END,
		    next_run_at = GREATEST(next_run_at, $2),
		    updated_at = $2
		WHERE id = $1
		  AND is_paused = TRUE
		RETURNING ` + scheduleColumns

	s, err := scanSchedule(db.client.QueryRowContext(ctx, query, scheduleID, now))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to resume schedule")
		return nil, fmt.Errorf("failed to resume schedule: %w", err)
	}

	// Not paused (or missing): nothing to change.
	return db.GetSchedule(ctx, scheduleID)
}

// RecoverStaleSchedules returns schedules stuck in processing since before
// staleBefore to a retryable state and clears their lease
func (db *DB) RecoverStaleSchedules(ctx context.Context, staleBefore, now time.Time) ([]string, error) {
	query := `
		UPDATE schedules
		SET status = CASE WHEN is_paused THEN 'paused' ELSE 'error' END,
		    processing_started_at = NULL,
		    locked_by = NULL,
		    locked_until = NULL,
		    next_run_at = LEAST(next_run_at, $2),
		    updated_at = $2
		WHERE status = 'processing'
		  AND processing_started_at < $1
		RETURNING id
	`

	rows, err := db.client.QueryContext(ctx, query, staleBefore, now)
	if err != nil {
		log.Error().Err(err).Time("stale_before", staleBefore).Msg("Failed to recover stale schedules")
		return nil, fmt.Errorf("failed to recover stale schedules: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recovered schedule id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *DB) scheduleExists(ctx context.Context, scheduleID string) (bool, error) {
	var exists bool
	err := db.client.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schedules WHERE id = $1)`, scheduleID).Scan(&exists)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to check schedule existence")
		return false, fmt.Errorf("failed to check schedule: %w", err)
	}
	return exists, nil
}
