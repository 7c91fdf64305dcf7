package coordinator

import (
	"errors"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/delivery"
	"github.com/Harvey-AU/report-scheduler/internal/loops"
	"github.com/Harvey-AU/report-scheduler/internal/render"
	"github.com/Harvey-AU/report-scheduler/internal/tokens"
)

// ErrCredentialRejected is returned when the analytics API still answers 401
// after a forced token refresh
var ErrCredentialRejected = errors.New("credential rejected after forced refresh")

// Classify maps a run error to the persisted error code
func Classify(err error) db.ErrorCode {
	if err == nil {
		return ""
	}

	var refreshErr *tokens.RefreshFailedError
	if errors.As(err, &refreshErr) {
		if refreshErr.Permanent {
			return db.ErrorCodeOAuthInvalid
		}
		return db.ErrorCodeOAuthExpired
	}

	if errors.Is(err, tokens.ErrNoCredential) ||
		errors.Is(err, ErrCredentialRejected) ||
		errors.Is(err, analytics.ErrUnauthorized) {
		return db.ErrorCodeOAuthInvalid
	}

	var rateErr *analytics.RateLimitError
	if errors.As(err, &rateErr) {
		return db.ErrorCodeAPIRateLimit
	}

	var quotaErr *analytics.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return db.ErrorCodeAPIQuotaExceeded
	}

	var renderErr *render.RenderError
	if errors.As(err, &renderErr) {
		return db.ErrorCodeRenderError
	}

	var deliveryErr *delivery.DeliveryError
	if errors.As(err, &deliveryErr) {
		return db.ErrorCodeDeliveryError
	}

	return db.ErrorCodeUnknown
}

// retryHint returns the server-supplied delay carried by an analytics
// rate-limit error or a throttled mail provider response
func retryHint(err error) time.Duration {
	var rateErr *analytics.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	var loopsErr *loops.APIError
	if errors.As(err, &loopsErr) && loopsErr.Retryable() {
		return loopsErr.RetryAfter
	}
	return 0
}
