package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Harvey-AU/report-scheduler/internal/cron"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

const maxWebhookBody = 1 << 20

// FulfillmentRequest is the provisioning payload that creates a schedule
type FulfillmentRequest struct {
	OwnerUserID         string             `json:"owner_user_id"`
	TenantID            string             `json:"tenant_id"`
	AnalyticsPropertyID string             `json:"analytics_property_id"`
	ReportKind          string             `json:"report_kind"`
	CronPattern         string             `json:"cron_pattern"`
	RecipientEmails     []string           `json:"recipient_emails"`
	Branding            *db.BrandingConfig `json:"branding,omitempty"`
}

// Validate returns every problem with the payload, empty when it is usable
func (req *FulfillmentRequest) Validate() []string {
	var problems []string
	problems = append(problems, validateUUID("owner_user_id", req.OwnerUserID)...)
	problems = append(problems, validateUUID("tenant_id", req.TenantID)...)
	problems = append(problems, validateRequired("analytics_property_id", req.AnalyticsPropertyID)...)
	problems = append(problems, validateReportKind(req.ReportKind)...)
	problems = append(problems, validateCronPattern(req.CronPattern)...)
	problems = append(problems, validateRecipients(req.RecipientEmails)...)
	return problems
}

// FulfillmentWebhook handles POST /v1/webhooks/fulfillment
func (h *Handler) FulfillmentWebhook(w http.ResponseWriter, r *http.Request) {
	logger := loggerWithRequest(r)

	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	secret := strings.TrimSpace(h.WebhookSecret)
	if secret == "" {
		ServiceUnavailable(w, r, "Fulfillment webhook secret is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		BadRequest(w, r, "Failed to read webhook payload")
		return
	}

	if !verifySignature(r.Header.Get("X-Signature"), body, secret) {
		Unauthorised(w, r, "Invalid webhook signature")
		return
	}

	req, err := decodeStrict(body)
	if err != nil {
		ValidationFailed(w, r, []string{err.Error()})
		return
	}
	if problems := req.Validate(); len(problems) > 0 {
		ValidationFailed(w, r, problems)
		return
	}

	now := h.now()
	nextRunAt, err := cron.Next(req.CronPattern, now)
	if err != nil {
		ValidationFailed(w, r, []string{err.Error()})
		return
	}

	schedule := &db.Schedule{
		ID:                  uuid.New().String(),
		OwnerUserID:         req.OwnerUserID,
		TenantID:            req.TenantID,
		AnalyticsPropertyID: strings.TrimSpace(req.AnalyticsPropertyID),
		ReportKind:          db.ReportKind(req.ReportKind),
		CronPattern:         strings.TrimSpace(req.CronPattern),
		RecipientEmails:     normaliseRecipients(req.RecipientEmails),
		Branding:            req.Branding,
		IsActive:            true,
		Status:              db.StatusIdle,
		NextRunAt:           nextRunAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := h.DB.CreateSchedule(r.Context(), schedule); err != nil {
		logger.Error().Err(err).Str("tenant_id", schedule.TenantID).Msg("Failed to create schedule from fulfillment webhook")
		DatabaseError(w, r, err)
		return
	}

	logger.Info().
		Str("schedule_id", schedule.ID).
		Str("tenant_id", schedule.TenantID).
		Str("report_kind", string(schedule.ReportKind)).
		Time("next_run_at", schedule.NextRunAt).
		Msg("Schedule provisioned")

	WriteCreated(w, r, scheduleToResponse(schedule), "Schedule provisioned")
}

// decodeStrict rejects unknown fields and trailing data
func decodeStrict(body []byte) (*FulfillmentRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req FulfillmentRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid payload: unexpected data after JSON object")
	}
	return &req, nil
}

// verifySignature checks an X-Signature header of the form sha256=<hex>
func verifySignature(header string, body []byte, secret string) bool {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return false
	}

	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// SignPayload returns the X-Signature header value for body
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
