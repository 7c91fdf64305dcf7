package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRenderedReportNotFound is returned when a schedule has no archive row with the id
var ErrRenderedReportNotFound = errors.New("rendered report not found")

// RenderedReport points at the archived artifacts of one delivered run
type RenderedReport struct {
	ID                 string
	ScheduleID         string
	ExecutionTimestamp time.Time
	HTMLBlobRef        string
	PDFBlobRef         string
	CreatedAt          time.Time
}

// CreateRenderedReport records archived artifacts. The row is write-once:
// a second insert for the same schedule and execution time is ignored and
// reported as not inserted.
func (db *DB) CreateRenderedReport(ctx context.Context, r *RenderedReport) (bool, error) {
	query := `
		INSERT INTO rendered_reports (id, schedule_id, execution_timestamp, html_blob_ref, pdf_blob_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (schedule_id, execution_timestamp) DO NOTHING
	`

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	result, err := db.client.ExecContext(ctx, query,
		r.ID, r.ScheduleID, r.ExecutionTimestamp, r.HTMLBlobRef, r.PDFBlobRef, r.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", r.ScheduleID).Msg("Failed to record rendered report")
		return false, fmt.Errorf("failed to create rendered report: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ListRenderedReports returns the archive entries for a schedule, newest first
func (db *DB) ListRenderedReports(ctx context.Context, scheduleID string, limit int) ([]*RenderedReport, error) {
	query := `
		SELECT id, schedule_id, execution_timestamp, html_blob_ref, pdf_blob_ref, created_at
		FROM rendered_reports
		WHERE schedule_id = $1
		ORDER BY execution_timestamp DESC
		LIMIT $2
	`

	rows, err := db.client.QueryContext(ctx, query, scheduleID, limit)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to query rendered reports")
		return nil, fmt.Errorf("failed to list rendered reports: %w", err)
	}
	defer rows.Close()

	reports := make([]*RenderedReport, 0)
	for rows.Next() {
		r := &RenderedReport{}
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.ExecutionTimestamp, &r.HTMLBlobRef, &r.PDFBlobRef, &r.CreatedAt); err != nil {
			log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to scan rendered report row")
			return nil, fmt.Errorf("failed to scan rendered report: %w", err)
		}
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

// GetRenderedReport loads one archive entry, scoped to its schedule
func (db *DB) GetRenderedReport(ctx context.Context, scheduleID, reportID string) (*RenderedReport, error) {
	query := `
		SELECT id, schedule_id, execution_timestamp, html_blob_ref, pdf_blob_ref, created_at
		FROM rendered_reports
		WHERE id = $1 AND schedule_id = $2
	`

	r := &RenderedReport{}
	err := db.client.QueryRowContext(ctx, query, reportID, scheduleID).Scan(
		&r.ID, &r.ScheduleID, &r.ExecutionTimestamp, &r.HTMLBlobRef, &r.PDFBlobRef, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRenderedReportNotFound
		}
		log.Error().Err(err).Str("schedule_id", scheduleID).Str("report_id", reportID).Msg("Failed to get rendered report")
		return nil, fmt.Errorf("failed to get rendered report: %w", err)
	}

	return r, nil
}
