package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/auth"
)

// loggerWithRequest tags log lines with the request id, route and, once
// authenticated, the caller's user and tenant
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.Logger
	}

	ctx := log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path)

	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		ctx = ctx.Str("user_id", claims.UserID).Str("tenant_id", claims.TenantID())
	}

	return ctx.Logger()
}
