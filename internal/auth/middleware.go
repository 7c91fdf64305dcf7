package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingTenant is returned when a valid token carries no tenant
	ErrMissingTenant = errors.New("token has no tenant_id in app_metadata")
	// ErrJWKSUnavailable wraps failures to load the project's signing keys
	ErrJWKSUnavailable = errors.New("JWKS unavailable")
)

// AuthClient validates bearer tokens for the API
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetUserInContext(r *http.Request, user *UserClaims) *http.Request
}

// SupabaseAuthClient checks Supabase-issued JWTs against the project JWKS
type SupabaseAuthClient struct {
	config *Config

	jwksOnce    sync.Once
	jwks        keyfunc.Keyfunc
	jwksInitErr error
}

func NewSupabaseAuthClient(config *Config) *SupabaseAuthClient {
	return &SupabaseAuthClient{config: config}
}

func (s *SupabaseAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing or invalid Authorization header")
	}
	return token, nil
}

func (s *SupabaseAuthClient) SetUserInContext(r *http.Request, user *UserClaims) *http.Request {
	return r.WithContext(WithUser(r.Context(), user))
}

// ValidateToken verifies signature, issuer and audience, returning the claims
func (s *SupabaseAuthClient) ValidateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request context cancelled: %w", err)
	}

	jwks, err := s.getJWKS()
	if err != nil {
		return nil, err
	}

	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}),
		jwt.WithIssuer(s.config.Issuer()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("failed to read audience: %w", err)
	}
	if len(audiences) == 0 {
		return nil, errors.New("token missing audience")
	}

	allowed := s.config.Audiences
	if len(allowed) == 0 {
		allowed = DefaultAudiences
	}
	if !slices.ContainsFunc(audiences, func(aud string) bool { return slices.Contains(allowed, aud) }) {
		return nil, fmt.Errorf("token has unexpected audience: %v", audiences)
	}
	return claims, nil
}

// getJWKS loads the signing keys once; keyfunc refreshes them in the background
func (s *SupabaseAuthClient) getJWKS() (keyfunc.Keyfunc, error) {
	s.jwksOnce.Do(func() {
		if s.config == nil || s.config.AuthURL == "" {
			s.jwksInitErr = fmt.Errorf("%w: SUPABASE_AUTH_URL not configured", ErrJWKSUnavailable)
			return
		}

		jwksURL := s.config.JWKSURL()
		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURL}, override)
		if err != nil {
			s.jwksInitErr = fmt.Errorf("%w: %w", ErrJWKSUnavailable, err)
			return
		}
		s.jwks = jwks
	})

	return s.jwks, s.jwksInitErr
}

// AuthMiddlewareWithClient authenticates every request and stores the claims
// on its context. Tokens without a tenant are rejected with 403.
func AuthMiddlewareWithClient(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")
				message, status := classifyTokenError(err)
				writeAuthError(w, message, status)
				return
			}

			if claims.TenantID() == "" {
				log.Warn().Str("user_id", claims.UserID).Msg("Authenticated user has no tenant")
				writeAuthError(w, ErrMissingTenant.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, authClient.SetUserInContext(r, claims))
		})
	}
}

// classifyTokenError picks the client message and status for a rejected token.
// Signature and key failures are reported to Sentry; expiry is routine.
func classifyTokenError(err error) (string, int) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Authentication token has expired", http.StatusUnauthorized
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		sentry.CaptureException(err)
		return "Invalid token signature", http.StatusUnauthorized
	case errors.Is(err, ErrJWKSUnavailable):
		sentry.CaptureException(err)
		return "Authentication service misconfigured", http.StatusInternalServerError
	default:
		return "Invalid authentication token", http.StatusUnauthorized
	}
}

var authErrorCodes = map[int]string{
	http.StatusUnauthorized:        "UNAUTHORISED",
	http.StatusForbidden:           "FORBIDDEN",
	http.StatusInternalServerError: "INTERNAL_ERROR",
}

// writeAuthError writes the API error envelope. The request id is read back
// from the response header set by the request id middleware.
func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	err := json.NewEncoder(w).Encode(map[string]any{
		"status":     statusCode,
		"message":    message,
		"code":       authErrorCodes[statusCode],
		"request_id": w.Header().Get("X-Request-ID"),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode auth error response")
	}
}
