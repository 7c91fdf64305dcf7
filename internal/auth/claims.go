package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{}

// UserClaims are the Supabase access token claims the API relies on
type UserClaims struct {
	jwt.RegisteredClaims
	UserID       string                 `json:"sub"`
	Email        string                 `json:"email"`
	AppMetadata  map[string]interface{} `json:"app_metadata"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
	Role         string                 `json:"role"`
}

// TenantID is app_metadata.tenant_id, empty when absent
func (c *UserClaims) TenantID() string {
	if c == nil || c.AppMetadata == nil {
		return ""
	}
	tenant, _ := c.AppMetadata["tenant_id"].(string)
	return tenant
}

// WithUser stores user claims on a context
func WithUser(ctx context.Context, user *UserClaims) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// GetUserFromContext returns the claims stored by the auth middleware
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(contextKey{}).(*UserClaims)
	return user, ok && user != nil
}
