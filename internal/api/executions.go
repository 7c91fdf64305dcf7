package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

const (
	defaultExecutionsLimit = 20
	maxExecutionsLimit     = 100
)

// ExecutionResponse is a failed execution attempt with its schedule's state
type ExecutionResponse struct {
	ID                  string  `json:"id"`
	ScheduleID          string  `json:"schedule_id"`
	AttemptNumber       int     `json:"attempt_number"`
	StartedAt           string  `json:"started_at"`
	FailedAt            string  `json:"failed_at"`
	ErrorCode           string  `json:"error_code"`
	ErrorMessage        string  `json:"error_message"`
	RetryAfter          *string `json:"retry_after,omitempty"`
	CanRetry            bool    `json:"can_retry"`
	AnalyticsPropertyID string  `json:"analytics_property_id"`
	ReportKind          string  `json:"report_kind"`
	ScheduleStatus      string  `json:"schedule_status"`
	IsPaused            bool    `json:"is_paused"`
	PauseReason         string  `json:"pause_reason,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// ExecutionsHandler handles GET /v1/executions?status=failed
func (h *Handler) ExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	logger := loggerWithRequest(r)

	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}

	query := r.URL.Query()

	if status := query.Get("status"); status != "" && status != "failed" {
		BadRequest(w, r, "status must be 'failed'")
		return
	}

	limit := defaultExecutionsLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxExecutionsLimit)
	}

	offset := 0
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			BadRequest(w, r, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	scheduleID := query.Get("schedule_id")
	if scheduleID != "" {
		if _, err := uuid.Parse(scheduleID); err != nil {
			BadRequest(w, r, "Invalid schedule_id format")
			return
		}
	}

	rows, total, err := h.DB.ListFailedExecutions(r.Context(), db.ExecutionFilter{
		TenantID:   tenantID,
		ScheduleID: scheduleID,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list failed executions")
		DatabaseError(w, r, err)
		return
	}

	executions := make([]ExecutionResponse, 0, len(rows))
	for _, row := range rows {
		executions = append(executions, executionToResponse(row))
	}

	response := map[string]any{
		"executions": executions,
		"pagination": map[string]any{
			"limit":    limit,
			"offset":   offset,
			"total":    total,
			"has_next": offset+limit < total,
			"has_prev": offset > 0,
		},
	}

	WriteSuccess(w, r, response, "Failed executions retrieved successfully")
}

func executionToResponse(e *db.FailedExecution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:                  e.ID,
		ScheduleID:          e.ScheduleID,
		AttemptNumber:       e.AttemptNumber,
		StartedAt:           e.StartedAt.Format(time.RFC3339),
		FailedAt:            e.FailedAt.Format(time.RFC3339),
		ErrorCode:           string(e.ErrorCode),
		ErrorMessage:        e.ErrorMessage,
		CanRetry:            e.CanRetry,
		AnalyticsPropertyID: e.AnalyticsPropertyID,
		ReportKind:          string(e.ReportKind),
		ScheduleStatus:      string(e.ScheduleStatus),
		IsPaused:            e.IsPaused,
		PauseReason:         e.PauseReason,
		ConsecutiveFailures: e.ConsecutiveFailures,
	}
	if e.RetryAfter != nil {
		retry := e.RetryAfter.Format(time.RFC3339)
		resp.RetryAfter = &retry
	}
	return resp
}
