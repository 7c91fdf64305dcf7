package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrorResponse is the envelope for every 4xx and 5xx body
type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ValidationErrorResponse is an ErrorResponse carrying each validation problem
type ValidationErrorResponse struct {
	ErrorResponse
	Problems []string `json:"problems"`
}

// ErrorCode is the machine-readable code in ErrorResponse
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorised     ErrorCode = "UNAUTHORISED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
)

// errorEvent logs client errors at warn and server errors at error
func errorEvent(r *http.Request, status int) *zerolog.Event {
	logger := loggerWithRequest(r)
	if status >= http.StatusInternalServerError {
		return logger.Error()
	}
	return logger.Warn()
}

func newErrorResponse(r *http.Request, message string, status int, code ErrorCode) ErrorResponse {
	return ErrorResponse{
		Status:    status,
		Message:   message,
		Code:      string(code),
		RequestID: GetRequestID(r),
	}
}

// WriteError responds with err's message. 5xx causes are logged with the error attached.
func WriteError(w http.ResponseWriter, r *http.Request, err error, status int, code ErrorCode) {
	errorEvent(r, status).Err(err).Int("status", status).Str("code", string(code)).Msg("API error response")
	WriteJSON(w, r, newErrorResponse(r, err.Error(), status, code), status)
}

func WriteErrorMessage(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	errorEvent(r, status).Int("status", status).Str("code", string(code)).Str("message", message).Msg("API error response")
	WriteJSON(w, r, newErrorResponse(r, message, status, code), status)
}

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusBadRequest, ErrCodeBadRequest)
}

func Unauthorised(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusUnauthorized, ErrCodeUnauthorised)
}

func Forbidden(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusForbidden, ErrCodeForbidden)
}

// NotFound is also used for schedules owned by another tenant
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusNotFound, ErrCodeNotFound)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, "Method not allowed", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed)
}

func Conflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusConflict, ErrCodeConflict)
}

func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, http.StatusInternalServerError, ErrCodeInternal)
}

func DatabaseError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, http.StatusInternalServerError, ErrCodeDatabaseError)
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusServiceUnavailable, ErrCodeServiceUnavailable)
}

// TooManyRequests sets Retry-After in whole seconds, at least one
func TooManyRequests(w http.ResponseWriter, r *http.Request, message string, retryAfter time.Duration) {
	seconds := max(int(math.Ceil(retryAfter.Seconds())), 1)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteErrorMessage(w, r, message, http.StatusTooManyRequests, ErrCodeRateLimit)
}

// ValidationFailed responds 400 with every problem found in the request
func ValidationFailed(w http.ResponseWriter, r *http.Request, problems []string) {
	logger := loggerWithRequest(r)
	logger.Warn().Strs("problems", problems).Msg("API validation failed")
	WriteJSON(w, r, ValidationErrorResponse{
		ErrorResponse: newErrorResponse(r, "Request failed validation", http.StatusBadRequest, ErrCodeValidation),
		Problems:      problems,
	}, http.StatusBadRequest)
}
