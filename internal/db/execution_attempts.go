package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrExecutionAttemptNotFound is returned when an execution attempt is not found
var ErrExecutionAttemptNotFound = errors.New("execution attempt not found")

// ErrorCode classifies why a run failed
type ErrorCode string

const (
	ErrorCodeOAuthExpired     ErrorCode = "OAUTH_EXPIRED"
	ErrorCodeOAuthInvalid     ErrorCode = "OAUTH_INVALID"
	ErrorCodeAPIRateLimit     ErrorCode = "API_RATE_LIMIT"
	ErrorCodeAPIQuotaExceeded ErrorCode = "API_QUOTA_EXCEEDED"
	ErrorCodeRenderError      ErrorCode = "RENDER_ERROR"
	ErrorCodeDeliveryError    ErrorCode = "DELIVERY_ERROR"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ExecutionAttempt is an immutable record of one failed run
type ExecutionAttempt struct {
	ID            string
	ScheduleID    string
	AttemptNumber int
	StartedAt     time.Time
	FailedAt      time.Time
	ErrorCode     ErrorCode
	ErrorMessage  string
	RetryAfter    *time.Time
	CanRetry      bool
}

// FailedExecution is an execution attempt joined with its owning schedule
type FailedExecution struct {
	ExecutionAttempt
	TenantID            string
	AnalyticsPropertyID string
	ReportKind          ReportKind
	ScheduleStatus      ScheduleStatus
	IsPaused            bool
	PauseReason         string
	ConsecutiveFailures int
}

// ExecutionFilter narrows ListFailedExecutions
type ExecutionFilter struct {
	TenantID   string
	ScheduleID string
	Limit      int
	Offset     int
}

const attemptColumns = `id, schedule_id, attempt_number, started_at, failed_at,
	error_code, error_message, retry_after, can_retry`

func scanAttempt(row rowScanner) (*ExecutionAttempt, error) {
	a := &ExecutionAttempt{}
	var (
		code       string
		retryAfter sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &a.ScheduleID, &a.AttemptNumber, &a.StartedAt, &a.FailedAt,
		&code, &a.ErrorMessage, &retryAfter, &a.CanRetry,
	); err != nil {
		return nil, err
	}
	a.ErrorCode = ErrorCode(code)
	a.RetryAfter = timePtr(retryAfter)
	return a, nil
}

// GetExecutionAttempt retrieves an execution attempt by ID
func (db *DB) GetExecutionAttempt(ctx context.Context, attemptID string) (*ExecutionAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM execution_attempts WHERE id = $1`

	a, err := scanAttempt(db.client.QueryRowContext(ctx, query, attemptID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionAttemptNotFound
		}
		log.Error().Err(err).Str("execution_attempt_id", attemptID).Msg("Failed to get execution attempt")
		return nil, fmt.Errorf("failed to get execution attempt: %w", err)
	}

	return a, nil
}

// GetLatestFailedAttempt returns the most recent failed attempt for a schedule
func (db *DB) GetLatestFailedAttempt(ctx context.Context, scheduleID string) (*ExecutionAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM execution_attempts
		WHERE schedule_id = $1
		ORDER BY failed_at DESC
		LIMIT 1
	`

	a, err := scanAttempt(db.client.QueryRowContext(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionAttemptNotFound
		}
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to get latest failed attempt")
		return nil, fmt.Errorf("failed to get latest failed attempt: %w", err)
	}

	return a, nil
}

// ListFailedExecutions returns failed attempts joined with their schedule,
// newest first, along with the total count for pagination
func (db *DB) ListFailedExecutions(ctx context.Context, filter ExecutionFilter) ([]*FailedExecution, int, error) {
	baseQuery := `
		FROM execution_attempts ea
		JOIN schedules s ON s.id = ea.schedule_id
		WHERE 1 = 1`

	args := []any{}
	argCount := 0

	if filter.TenantID != "" {
		argCount++
		baseQuery += fmt.Sprintf(" AND s.tenant_id = $%d", argCount)
		args = append(args, filter.TenantID)
	}
	if filter.ScheduleID != "" {
		argCount++
		baseQuery += fmt.Sprintf(" AND ea.schedule_id = $%d", argCount)
		args = append(args, filter.ScheduleID)
	}

	var total int
	countQuery := `SELECT COUNT(*) ` + baseQuery
	if err := db.client.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		log.Error().Err(err).Str("tenant_id", filter.TenantID).Msg("Failed to count failed executions")
		return nil, 0, fmt.Errorf("failed to count failed executions: %w", err)
	}

	selectQuery := `
		SELECT ea.id, ea.schedule_id, ea.attempt_number, ea.started_at, ea.failed_at,
		       ea.error_code, ea.error_message, ea.retry_after, ea.can_retry,
		       s.tenant_id, s.analytics_property_id, s.report_kind, s.status,
		       s.is_paused, s.pause_reason, s.consecutive_failures ` + baseQuery +
		fmt.Sprintf(" ORDER BY ea.failed_at DESC LIMIT $%d OFFSET $%d", argCount+1, argCount+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.client.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", filter.TenantID).Msg("Failed to query failed executions")
		return nil, 0, fmt.Errorf("failed to list failed executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*FailedExecution, 0)
	for rows.Next() {
		fe := &FailedExecution{}
		var (
			code, kind, status string
			retryAfter         sql.NullTime
			pauseReason        sql.NullString
		)
		err := rows.Scan(
			&fe.ID, &fe.ScheduleID, &fe.AttemptNumber, &fe.StartedAt, &fe.FailedAt,
			&code, &fe.ErrorMessage, &retryAfter, &fe.CanRetry,
			&fe.TenantID, &fe.AnalyticsPropertyID, &kind, &status,
			&fe.IsPaused, &pauseReason, &fe.ConsecutiveFailures,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan failed execution row")
			return nil, 0, fmt.Errorf("failed to scan failed execution: %w", err)
		}
		fe.ErrorCode = ErrorCode(code)
		fe.RetryAfter = timePtr(retryAfter)
		fe.ReportKind = ReportKind(kind)
		fe.ScheduleStatus = ScheduleStatus(status)
		fe.PauseReason = pauseReason.String
		executions = append(executions, fe)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate failed executions: %w", err)
	}

	return executions, total, nil
}
