package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/auth"
	"github.com/Harvey-AU/report-scheduler/internal/cache"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/storage"
	"github.com/rs/zerolog/log"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const serviceName = "report-scheduler"

// ScheduleStore is the persistence the API handlers need
type ScheduleStore interface {
	GetDB() *sql.DB
	CreateSchedule(ctx context.Context, s *db.Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*db.Schedule, error)
	ListSchedules(ctx context.Context, tenantID string) ([]*db.Schedule, error)
	UpdateSchedule(ctx context.Context, s *db.Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	ListFailedExecutions(ctx context.Context, filter db.ExecutionFilter) ([]*db.FailedExecution, int, error)
	ListRenderedReports(ctx context.Context, scheduleID string, limit int) ([]*db.RenderedReport, error)
	GetRenderedReport(ctx context.Context, scheduleID, reportID string) (*db.RenderedReport, error)
}

// RunController is the operator surface of the execution coordinator
type RunController interface {
	RetryLatest(ctx context.Context, scheduleID string) (*db.ExecutionAttempt, error)
	Pause(ctx context.Context, scheduleID, reason string) (*db.Schedule, error)
	Resume(ctx context.Context, scheduleID string) (*db.Schedule, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	DB            ScheduleStore
	Runs          RunController
	Auth          auth.AuthClient
	Schedules     cache.Cache[*db.Schedule]
	Archive       storage.BlobStore
	WebhookSecret string

	now func() time.Time
}

// NewHandler creates a new API handler with dependencies
func NewHandler(store ScheduleStore, runs RunController, authClient auth.AuthClient, schedules cache.Cache[*db.Schedule], archive storage.BlobStore, webhookSecret string) *Handler {
	return &Handler{
		DB:            store,
		Runs:          runs,
		Auth:          authClient,
		Schedules:     schedules,
		Archive:       archive,
		WebhookSecret: webhookSecret,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetupRoutes configures all API routes with proper middleware.
// Every route is served under /v1 and without the prefix.
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	requireAuth := auth.AuthMiddlewareWithClient(h.Auth)

	for _, prefix := range []string{"/v1", ""} {
		mux.Handle(prefix+"/schedules", requireAuth(http.HandlerFunc(h.SchedulesHandler)))
		mux.Handle(prefix+"/schedules/", requireAuth(http.HandlerFunc(h.ScheduleHandler)))
		mux.Handle(prefix+"/executions", requireAuth(http.HandlerFunc(h.ExecutionsHandler)))

		// Signed with the shared webhook secret instead of a user token
		mux.HandleFunc(prefix+"/webhooks/fulfillment", h.FulfillmentWebhook)
	}
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, serviceName, Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if h.DB == nil || h.DB.GetDB() == nil {
		WriteUnhealthy(w, r, "postgresql", fmt.Errorf("database connection not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.DB.GetDB().PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("PostgreSQL health check failed")
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", Version)
}

// tenantFromRequest returns the caller's tenant, set by the auth middleware
func tenantFromRequest(w http.ResponseWriter, r *http.Request) string {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok || user.TenantID() == "" {
		Unauthorised(w, r, "Authentication required")
		return ""
	}
	return user.TenantID()
}
