package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Harvey-AU/report-scheduler/internal/auth"
	"github.com/Harvey-AU/report-scheduler/internal/coordinator"
	"github.com/Harvey-AU/report-scheduler/internal/cron"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// ScheduleRequest is the body for creating or updating a schedule.
// Pointer fields are optional on update.
type ScheduleRequest struct {
	AnalyticsPropertyID *string            `json:"analytics_property_id,omitempty"`
	ReportKind          *string            `json:"report_kind,omitempty"`
	CronPattern         *string            `json:"cron_pattern,omitempty"`
	RecipientEmails     []string           `json:"recipient_emails,omitempty"`
	Branding            *db.BrandingConfig `json:"branding,omitempty"`
	IsActive            *bool              `json:"is_active,omitempty"`
}

// PauseRequest is the optional body of a pause call
type PauseRequest struct {
	Reason string `json:"reason"`
}

// ScheduleResponse represents a schedule in API responses
type ScheduleResponse struct {
	ID                  string             `json:"id"`
	OwnerUserID         string             `json:"owner_user_id"`
	TenantID            string             `json:"tenant_id"`
	AnalyticsPropertyID string             `json:"analytics_property_id"`
	ReportKind          string             `json:"report_kind"`
	CronPattern         string             `json:"cron_pattern"`
	RecipientEmails     []string           `json:"recipient_emails"`
	Branding            *db.BrandingConfig `json:"branding,omitempty"`
	IsActive            bool               `json:"is_active"`
	IsPaused            bool               `json:"is_paused"`
	PauseReason         string             `json:"pause_reason,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Status              string             `json:"status"`
	LastRunAt           *string            `json:"last_run_at,omitempty"`
	NextRunAt           string             `json:"next_run_at"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at"`
}

// SchedulesHandler handles requests to /v1/schedules
func (h *Handler) SchedulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSchedules(w, r)
	case http.MethodPost:
		h.createSchedule(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// ScheduleHandler handles requests to /v1/schedules/:id and its actions
func (h *Handler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	path = strings.TrimPrefix(path, "/schedules/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		BadRequest(w, r, "Schedule ID is required")
		return
	}

	parts := strings.Split(path, "/")
	scheduleID := parts[0]

	if _, err := uuid.Parse(scheduleID); err != nil {
		BadRequest(w, r, "Invalid schedule ID format")
		return
	}

	if len(parts) > 1 && parts[1] == "reports" {
		h.scheduleReports(w, r, scheduleID, parts[2:])
		return
	}

	if len(parts) > 2 {
		NotFound(w, r, "Endpoint not found")
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		switch parts[1] {
		case "retry":
			h.retrySchedule(w, r, scheduleID)
		case "pause":
			h.pauseSchedule(w, r, scheduleID)
		case "resume":
			h.resumeSchedule(w, r, scheduleID)
		default:
			NotFound(w, r, "Endpoint not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSchedule(w, r, scheduleID)
	case http.MethodPut:
		h.updateSchedule(w, r, scheduleID)
	case http.MethodDelete:
		h.deleteSchedule(w, r, scheduleID)
	default:
		MethodNotAllowed(w, r)
	}
}

// loadTenantSchedule loads a schedule the caller's tenant owns. Schedules of
// other tenants are reported as missing. Writes the error response on failure.
func (h *Handler) loadTenantSchedule(w http.ResponseWriter, r *http.Request, scheduleID, tenantID string) (*db.Schedule, bool) {
	logger := loggerWithRequest(r)

	var schedule *db.Schedule
	if h.Schedules != nil {
		if cached, ok := h.Schedules.Get(scheduleID); ok {
			schedule = cached
		}
	}

	if schedule == nil {
		loaded, err := h.DB.GetSchedule(r.Context(), scheduleID)
		if err != nil {
			if errors.Is(err, db.ErrScheduleNotFound) {
				NotFound(w, r, "Schedule not found")
			} else {
				logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to get schedule")
				DatabaseError(w, r, err)
			}
			return nil, false
		}
		schedule = loaded
		if h.Schedules != nil {
			h.Schedules.Set(scheduleID, schedule)
		}
	}

	if schedule.TenantID != tenantID {
		logger.Warn().
			Str("schedule_id", scheduleID).
			Str("tenant_id", tenantID).
			Msg("Cross-tenant schedule access")
		NotFound(w, r, "Schedule not found")
		return nil, false
	}

	return schedule, true
}

func (h *Handler) invalidate(scheduleID string) {
	if h.Schedules != nil {
		h.Schedules.Delete(scheduleID)
	}
}

// createSchedule handles POST /v1/schedules
func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	logger := loggerWithRequest(r)

	user, ok := auth.GetUserFromContext(r.Context())
	if !ok || user.TenantID() == "" {
		Unauthorised(w, r, "Authentication required")
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	var problems []string
	problems = append(problems, validateRequired("analytics_property_id", deref(req.AnalyticsPropertyID))...)
	problems = append(problems, validateReportKind(deref(req.ReportKind))...)
	problems = append(problems, validateCronPattern(deref(req.CronPattern))...)
	problems = append(problems, validateRecipients(req.RecipientEmails)...)
	if len(problems) > 0 {
		ValidationFailed(w, r, problems)
		return
	}

	now := h.now()
	nextRunAt, err := cron.Next(*req.CronPattern, now)
	if err != nil {
		ValidationFailed(w, r, []string{err.Error()})
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	schedule := &db.Schedule{
		ID:                  uuid.New().String(),
		OwnerUserID:         user.UserID,
		TenantID:            user.TenantID(),
		AnalyticsPropertyID: strings.TrimSpace(*req.AnalyticsPropertyID),
		ReportKind:          db.ReportKind(*req.ReportKind),
		CronPattern:         strings.TrimSpace(*req.CronPattern),
		RecipientEmails:     normaliseRecipients(req.RecipientEmails),
		Branding:            req.Branding,
		IsActive:            isActive,
		Status:              db.StatusIdle,
		NextRunAt:           nextRunAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := h.DB.CreateSchedule(r.Context(), schedule); err != nil {
		logger.Error().Err(err).Str("tenant_id", schedule.TenantID).Msg("Failed to create schedule")
		DatabaseError(w, r, err)
		return
	}

	WriteCreated(w, r, scheduleToResponse(schedule), "Schedule created successfully")
}

// listSchedules handles GET /v1/schedules
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	logger := loggerWithRequest(r)

	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}

	schedules, err := h.DB.ListSchedules(r.Context(), tenantID)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list schedules")
		DatabaseError(w, r, err)
		return
	}

	responses := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		responses = append(responses, scheduleToResponse(s))
	}

	WriteSuccess(w, r, responses, "Schedules retrieved successfully")
}

// getSchedule handles GET /v1/schedules/:id
func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}

	schedule, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID)
	if !ok {
		return
	}

	WriteSuccess(w, r, scheduleToResponse(schedule), "Schedule retrieved successfully")
}

// updateSchedule handles PUT /v1/schedules/:id.
// Owner and tenant never change after creation.
func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	logger := loggerWithRequest(r)

	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}

	current, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID)
	if !ok {
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	// Work on a copy so a rejected update never leaks into the cache
	updated := *current
	now := h.now()

	var problems []string
	if req.AnalyticsPropertyID != nil {
		problems = append(problems, validateRequired("analytics_property_id", *req.AnalyticsPropertyID)...)
		updated.AnalyticsPropertyID = strings.TrimSpace(*req.AnalyticsPropertyID)
	}
	if req.ReportKind != nil {
		problems = append(problems, validateReportKind(*req.ReportKind)...)
		updated.ReportKind = db.ReportKind(*req.ReportKind)
	}
	if req.CronPattern != nil {
		problems = append(problems, validateCronPattern(*req.CronPattern)...)
		updated.CronPattern = strings.TrimSpace(*req.CronPattern)
	}
	if req.RecipientEmails != nil {
		problems = append(problems, validateRecipients(req.RecipientEmails)...)
		updated.RecipientEmails = normaliseRecipients(req.RecipientEmails)
	}
	if len(problems) > 0 {
		ValidationFailed(w, r, problems)
		return
	}

	if req.CronPattern != nil && updated.CronPattern != current.CronPattern {
		next, err := cron.Next(updated.CronPattern, now)
		if err != nil {
			ValidationFailed(w, r, []string{err.Error()})
			return
		}
		updated.NextRunAt = next
	}
	if req.Branding != nil {
		updated.Branding = req.Branding
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}
	updated.UpdatedAt = now

	if err := h.DB.UpdateSchedule(r.Context(), &updated); err != nil {
		if errors.Is(err, db.ErrScheduleNotFound) {
			NotFound(w, r, "Schedule not found")
		} else {
			logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to update schedule")
			DatabaseError(w, r, err)
		}
		return
	}
	h.invalidate(scheduleID)

	WriteSuccess(w, r, scheduleToResponse(&updated), "Schedule updated successfully")
}

// deleteSchedule handles DELETE /v1/schedules/:id
func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	logger := loggerWithRequest(r)

	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}

	if _, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID); !ok {
		return
	}

	if err := h.DB.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, db.ErrScheduleNotFound) {
			NotFound(w, r, "Schedule not found")
		} else {
			logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to delete schedule")
			DatabaseError(w, r, err)
		}
		return
	}
	h.invalidate(scheduleID)

	WriteSuccess(w, r, map[string]string{"id": scheduleID, "status": "deleted"}, "Schedule deleted successfully")
}

// retrySchedule handles POST /v1/schedules/:id/retry
func (h *Handler) retrySchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}
	if _, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID); !ok {
		return
	}

	attempt, err := h.Runs.RetryLatest(r.Context(), scheduleID)
	if err != nil {
		h.writeRunError(w, r, scheduleID, err)
		return
	}

	WriteAccepted(w, r, map[string]any{
		"schedule_id":          scheduleID,
		"execution_attempt_id": attempt.ID,
		"attempt_number":       attempt.AttemptNumber,
	}, "Retry started")
}

// pauseSchedule handles POST /v1/schedules/:id/pause
func (h *Handler) pauseSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}
	if _, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID); !ok {
		return
	}

	var req PauseRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, r, "Invalid JSON request body")
			return
		}
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "paused by operator"
		if user, ok := auth.GetUserFromContext(r.Context()); ok && user.Email != "" {
			reason = "paused by " + user.Email
		}
	}

	schedule, err := h.Runs.Pause(r.Context(), scheduleID, reason)
	if err != nil {
		h.writeRunError(w, r, scheduleID, err)
		return
	}

	WriteSuccess(w, r, scheduleToResponse(schedule), "Schedule paused")
}

// resumeSchedule handles POST /v1/schedules/:id/resume
func (h *Handler) resumeSchedule(w http.ResponseWriter, r *http.Request, scheduleID string) {
	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}
	if _, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID); !ok {
		return
	}

	schedule, err := h.Runs.Resume(r.Context(), scheduleID)
	if err != nil {
		h.writeRunError(w, r, scheduleID, err)
		return
	}

	WriteSuccess(w, r, scheduleToResponse(schedule), "Schedule resumed")
}

// writeRunError maps coordinator errors onto API error responses
func (h *Handler) writeRunError(w http.ResponseWriter, r *http.Request, scheduleID string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrScheduleNotFound):
		NotFound(w, r, "Schedule not found")
	case errors.Is(err, coordinator.ErrAttemptNotFound):
		NotFound(w, r, "No failed execution to retry")
	case errors.Is(err, coordinator.ErrAlreadyProcessing):
		Conflict(w, r, "Schedule is already processing")
	case errors.Is(err, coordinator.ErrSchedulePaused):
		Conflict(w, r, "Schedule is paused; resume it before retrying")
	default:
		logger := loggerWithRequest(r)
		logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Run control failed")
		InternalError(w, r, err)
	}
}

// scheduleToResponse converts a db.Schedule to ScheduleResponse
func scheduleToResponse(s *db.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:                  s.ID,
		OwnerUserID:         s.OwnerUserID,
		TenantID:            s.TenantID,
		AnalyticsPropertyID: s.AnalyticsPropertyID,
		ReportKind:          string(s.ReportKind),
		CronPattern:         s.CronPattern,
		RecipientEmails:     s.RecipientEmails,
		Branding:            s.Branding,
		IsActive:            s.IsActive,
		IsPaused:            s.IsPaused,
		PauseReason:         s.PauseReason,
		ConsecutiveFailures: s.ConsecutiveFailures,
		Status:              string(s.Status),
		NextRunAt:           s.NextRunAt.Format(time.RFC3339),
		CreatedAt:           s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           s.UpdatedAt.Format(time.RFC3339),
	}
	if resp.RecipientEmails == nil {
		resp.RecipientEmails = []string{}
	}
	if s.LastRunAt != nil {
		last := s.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &last
	}
	return resp
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
