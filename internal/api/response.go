package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SuccessResponse is the envelope for every 2xx body
type SuccessResponse struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// HealthResponse is the body of the health endpoints
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON encodes data with the given status. Encoding failures are logged
// since the header has already been sent.
func WriteJSON(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Str("request_id", GetRequestID(r)).Msg("Failed to encode JSON response")
	}
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, outcome string, data interface{}, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    outcome,
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, status)
}

func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	writeEnvelope(w, r, http.StatusOK, "success", data, message)
}

func WriteCreated(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	writeEnvelope(w, r, http.StatusCreated, "success", data, message)
}

// WriteAccepted is used when a run has been started in the background
func WriteAccepted(w http.ResponseWriter, r *http.Request, data interface{}, message string) {
	writeEnvelope(w, r, http.StatusAccepted, "accepted", data, message)
}

func WriteNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func WriteHealthy(w http.ResponseWriter, r *http.Request, service string, version string) {
	WriteJSON(w, r, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Version:   version,
	}, http.StatusOK)
}

func WriteUnhealthy(w http.ResponseWriter, r *http.Request, service string, err error) {
	WriteJSON(w, r, HealthResponse{
		Status:    "unhealthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Error:     err.Error(),
		RequestID: GetRequestID(r),
	}, http.StatusServiceUnavailable)
}
