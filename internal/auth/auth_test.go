package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		authURL string
		want    string
		wantErr bool
	}{
		{name: "set", authURL: "https://test.supabase.co", want: "https://test.supabase.co"},
		{name: "trailing_slash", authURL: "https://test.supabase.co/", want: "https://test.supabase.co"},
		{name: "missing", authURL: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SUPABASE_AUTH_URL", tt.authURL)

			config, err := NewConfigFromEnv()
			if tt.wantErr {
				assert.EqualError(t, err, "SUPABASE_AUTH_URL environment variable is required")
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, config.AuthURL)
			assert.Equal(t, DefaultAudiences, config.Audiences)
		})
	}
}

func TestConfigURLs(t *testing.T) {
	c := &Config{AuthURL: "https://test.supabase.co"}
	assert.NoError(t, c.Validate())
	assert.Equal(t, "https://test.supabase.co/auth/v1", c.Issuer())
	assert.Equal(t, "https://test.supabase.co/auth/v1/.well-known/jwks.json", c.JWKSURL())
	assert.EqualError(t, (&Config{}).Validate(), "AuthURL is required")
}

func TestValidateSupabaseTokenRS256(t *testing.T) {
	privKey, kid, client := startTestJWKS(t)

	tokenString := signTestToken(t, jwt.SigningMethodRS256, privKey, kid, client.config.Issuer(), []string{"authenticated"}, time.Now().Add(time.Hour))

	claims, err := client.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)

	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, "tenant-1", claims.TenantID())
}

func TestValidateSupabaseTokenES256(t *testing.T) {
	ecPrivKey, kid, client := startTestJWKSWithES256(t)

	tokenString := signTestToken(t, jwt.SigningMethodES256, ecPrivKey, kid, client.config.Issuer(), []string{"authenticated"}, time.Now().Add(time.Hour))

	claims, err := client.ValidateToken(context.Background(), tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.UserID)
}

func TestValidateSupabaseTokenRejections(t *testing.T) {
	privKey, kid, client := startTestJWKS(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr string
		is      error
	}{
		{
			name:    "unexpected_audience",
			token:   signTestToken(t, jwt.SigningMethodRS256, privKey, kid, client.config.Issuer(), []string{"other-service"}, time.Now().Add(time.Hour)),
			wantErr: "unexpected audience",
		},
		{
			name:  "wrong_signature",
			token: signTestToken(t, jwt.SigningMethodRS256, otherKey, kid, client.config.Issuer(), []string{"authenticated"}, time.Now().Add(time.Hour)),
			is:    jwt.ErrTokenSignatureInvalid,
		},
		{
			name:  "expired",
			token: signTestToken(t, jwt.SigningMethodRS256, privKey, kid, client.config.Issuer(), []string{"authenticated"}, time.Now().Add(-time.Minute)),
			is:    jwt.ErrTokenExpired,
		},
		{
			name:  "wrong_issuer",
			token: signTestToken(t, jwt.SigningMethodRS256, privKey, kid, "https://elsewhere.supabase.co/auth/v1", []string{"authenticated"}, time.Now().Add(time.Hour)),
			is:    jwt.ErrTokenInvalidIssuer,
		},
		{
			name:    "malformed",
			token:   "invalid.token.format",
			wantErr: "failed to parse token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateToken(context.Background(), tt.token)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestValidateSupabaseTokenContextCancelled(t *testing.T) {
	privKey, kid, client := startTestJWKS(t)
	tokenString := signTestToken(t, jwt.SigningMethodRS256, privKey, kid, client.config.Issuer(), []string{"authenticated"}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ValidateToken(ctx, tokenString)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request context cancelled")
}

func TestValidateWithoutAuthURL(t *testing.T) {
	_, err := NewSupabaseAuthClient(&Config{}).ValidateToken(context.Background(), "x.y.z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWKS")
}

type stubAuthClient struct {
	*SupabaseAuthClient
	claims *UserClaims
	err    error
}

func (s stubAuthClient) ValidateToken(ctx context.Context, token string) (*UserClaims, error) {
	return s.claims, s.err
}

func TestAuthMiddleware(t *testing.T) {
	tenantClaims := &UserClaims{UserID: "user-1", AppMetadata: map[string]interface{}{"tenant_id": "tenant-1"}}

	tests := []struct {
		name       string
		header     string
		claims     *UserClaims
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "missing_header", header: "", wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORISED"},
		{name: "not_bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORISED"},
		{name: "expired", header: "Bearer token", err: jwt.ErrTokenExpired, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORISED"},
		{name: "jwks_down", header: "Bearer token", err: fmt.Errorf("%w: dial tcp", ErrJWKSUnavailable), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
		{name: "no_tenant", header: "Bearer token", claims: &UserClaims{UserID: "user-1"}, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "ok", header: "Bearer token", claims: tenantClaims, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := stubAuthClient{SupabaseAuthClient: NewSupabaseAuthClient(&Config{}), claims: tt.claims, err: tt.err}

			var gotTenant string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user, ok := GetUserFromContext(r.Context())
				require.True(t, ok)
				gotTenant = user.TenantID()
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/v1/schedules", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			rec.Header().Set("X-Request-ID", "req-1")

			AuthMiddlewareWithClient(client)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantCode, body["code"])
				assert.Equal(t, "req-1", body["request_id"])
				return
			}
			assert.Equal(t, "tenant-1", gotTenant)
		})
	}
}

func TestTenantID(t *testing.T) {
	var nilClaims *UserClaims
	assert.Equal(t, "", nilClaims.TenantID())
	assert.Equal(t, "", (&UserClaims{AppMetadata: map[string]interface{}{"tenant_id": 42}}).TenantID())
	assert.Equal(t, "t", (&UserClaims{AppMetadata: map[string]interface{}{"tenant_id": "t"}}).TenantID())
}

func TestGetUserFromContext(t *testing.T) {
	_, ok := GetUserFromContext(context.Background())
	assert.False(t, ok)

	user := &UserClaims{UserID: "user-1"}
	got, ok := GetUserFromContext(WithUser(context.Background(), user))
	require.True(t, ok)
	assert.Same(t, user, got)
}

func startTestJWKS(tb testing.TB) (*rsa.PrivateKey, string, *SupabaseAuthClient) {
	tb.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(tb, err)

	kid := "test-key"
	publicKey := &privateKey.PublicKey

	key := map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(publicKey.E)).Bytes()),
	}

	return privateKey, kid, newTestClient(tb, key)
}

func startTestJWKSWithES256(tb testing.TB) (*ecdsa.PrivateKey, string, *SupabaseAuthClient) {
	tb.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)

	kid := "test-key-es256"
	publicKey := &privateKey.PublicKey

	key := map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"alg": "ES256",
		"use": "sig",
		"kid": kid,
		"x":   base64.RawURLEncoding.EncodeToString(publicKey.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(publicKey.Y.FillBytes(make([]byte, 32))),
	}

	return privateKey, kid, newTestClient(tb, key)
}

func newTestClient(tb testing.TB, key map[string]string) *SupabaseAuthClient {
	tb.Helper()

	payload, err := json.Marshal(struct {
		Keys []map[string]string `json:"keys"`
	}{Keys: []map[string]string{key}})
	require.NoError(tb, err)

	server := newJWKSHTTPServer(tb, payload)
	tb.Cleanup(server.Close)

	return NewSupabaseAuthClient(&Config{
		AuthURL:   strings.TrimSuffix(server.URL, "/"),
		Audiences: DefaultAudiences,
	})
}

func signTestToken(tb testing.TB, method jwt.SigningMethod, privateKey interface{}, kid, issuer string, audience []string, expiry time.Time) string {
	tb.Helper()

	claims := &UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		UserID:      "user-123",
		Email:       "user@example.com",
		AppMetadata: map[string]interface{}{"tenant_id": "tenant-1"},
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(privateKey)
	require.NoError(tb, err)

	return signed
}

func newJWKSHTTPServer(tb testing.TB, payload []byte) *httptest.Server {
	tb.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, writeErr := w.Write(payload); writeErr != nil {
			tb.Logf("failed to write JWKS payload: %v", writeErr)
		}
	})

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if runtime.GOOS == "windows" {
			tb.Skipf("skipping JWKS server on Windows: %v", err)
		}
		require.NoError(tb, err)
	}

	server := &httptest.Server{
		Listener: listener,
		Config: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	server.Start()

	return server
}

func TestClassifyTokenError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{name: "expired", err: fmt.Errorf("failed to parse token: %w", jwt.ErrTokenExpired), wantStatus: http.StatusUnauthorized, wantMsg: "Authentication token has expired"},
		{name: "bad_signature", err: jwt.ErrTokenSignatureInvalid, wantStatus: http.StatusUnauthorized, wantMsg: "Invalid token signature"},
		{name: "jwks", err: fmt.Errorf("%w: timeout", ErrJWKSUnavailable), wantStatus: http.StatusInternalServerError, wantMsg: "Authentication service misconfigured"},
		{name: "other", err: fmt.Errorf("token missing audience"), wantStatus: http.StatusUnauthorized, wantMsg: "Invalid authentication token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, status := classifyTokenError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}
