package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/storage"
)

const (
	defaultReportsLimit = 20
	maxReportsLimit     = 100

	reportLinkTTL = 15 * time.Minute
)

// RenderedReportResponse is one archived delivery of a schedule
type RenderedReportResponse struct {
	ID                 string `json:"id"`
	ScheduleID         string `json:"schedule_id"`
	ExecutionTimestamp string `json:"execution_timestamp"`
	HTMLRef            string `json:"html_ref"`
	HTMLURL            string `json:"html_url"`
	PDFRef             string `json:"pdf_ref,omitempty"`
	PDFURL             string `json:"pdf_url,omitempty"`
	CreatedAt          string `json:"created_at"`
}

var reportFormats = map[string]string{
	"html": "text/html; charset=utf-8",
	"pdf":  "application/pdf",
}

// scheduleReports handles /v1/schedules/:id/reports and
// /v1/schedules/:id/reports/:reportId/{html,pdf}
func (h *Handler) scheduleReports(w http.ResponseWriter, r *http.Request, scheduleID string, rest []string) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	tenantID := tenantFromRequest(w, r)
	if tenantID == "" {
		return
	}
	if _, ok := h.loadTenantSchedule(w, r, scheduleID, tenantID); !ok {
		return
	}

	switch len(rest) {
	case 0:
		h.listReports(w, r, scheduleID)
	case 2:
		h.downloadReport(w, r, scheduleID, rest[0], rest[1])
	default:
		NotFound(w, r, "Endpoint not found")
	}
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request, scheduleID string) {
	logger := loggerWithRequest(r)

	limit := defaultReportsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxReportsLimit)
	}

	rows, err := h.DB.ListRenderedReports(r.Context(), scheduleID, limit)
	if err != nil {
		logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to list rendered reports")
		DatabaseError(w, r, err)
		return
	}

	reports := make([]RenderedReportResponse, 0, len(rows))
	for _, row := range rows {
		resp := RenderedReportResponse{
			ID:                 row.ID,
			ScheduleID:         row.ScheduleID,
			ExecutionTimestamp: row.ExecutionTimestamp.Format(time.RFC3339),
			HTMLRef:            row.HTMLBlobRef,
			HTMLURL:            h.reportLink(r, row, "html", row.HTMLBlobRef),
			PDFRef:             row.PDFBlobRef,
			CreatedAt:          row.CreatedAt.Format(time.RFC3339),
		}
		if row.PDFBlobRef != "" {
			resp.PDFURL = h.reportLink(r, row, "pdf", row.PDFBlobRef)
		}
		reports = append(reports, resp)
	}

	WriteSuccess(w, r, map[string]any{"reports": reports}, "Rendered reports retrieved successfully")
}

// reportLink prefers a signed link from the archive and falls back to the
// download endpoint, which streams through this service.
func (h *Handler) reportLink(r *http.Request, row *db.RenderedReport, format, ref string) string {
	if signer, ok := h.Archive.(storage.Signer); ok {
		url, err := signer.SignedURL(r.Context(), ref, reportLinkTTL)
		if err == nil {
			return url
		}
		logger := loggerWithRequest(r)
		logger.Warn().Err(err).Str("report_id", row.ID).Msg("Failed to sign report link, using download endpoint")
	}
	return fmt.Sprintf("/v1/schedules/%s/reports/%s/%s", row.ScheduleID, row.ID, format)
}

func (h *Handler) downloadReport(w http.ResponseWriter, r *http.Request, scheduleID, reportID, format string) {
	logger := loggerWithRequest(r)

	contentType, ok := reportFormats[format]
	if !ok {
		NotFound(w, r, "Endpoint not found")
		return
	}
	if _, err := uuid.Parse(reportID); err != nil {
		BadRequest(w, r, "Invalid report ID format")
		return
	}
	if h.Archive == nil {
		ServiceUnavailable(w, r, "Report archive is not configured")
		return
	}

	row, err := h.DB.GetRenderedReport(r.Context(), scheduleID, reportID)
	if err != nil {
		if errors.Is(err, db.ErrRenderedReportNotFound) {
			NotFound(w, r, "Report not found")
			return
		}
		logger.Error().Err(err).Str("schedule_id", scheduleID).Str("report_id", reportID).Msg("Failed to get rendered report")
		DatabaseError(w, r, err)
		return
	}

	ref := row.HTMLBlobRef
	if format == "pdf" {
		ref = row.PDFBlobRef
	}
	if ref == "" {
		NotFound(w, r, "Report has no "+format+" document")
		return
	}

	data, err := h.Archive.Get(r.Context(), ref)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			logger.Warn().Str("report_id", reportID).Str("ref", ref).Msg("Archived report document is missing")
			NotFound(w, r, "Report document not found")
			return
		}
		logger.Error().Err(err).Str("report_id", reportID).Str("ref", ref).Msg("Failed to read archived report")
		InternalError(w, r, err)
		return
	}

	filename := fmt.Sprintf("report-%s.%s", row.ExecutionTimestamp.UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
