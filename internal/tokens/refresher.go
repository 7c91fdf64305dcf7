package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTokenURL is Google's OAuth 2.0 token endpoint
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// RefreshFailedError reports a failed refresh-token grant. Permanent failures
// mean the grant was revoked or the client is misconfigured.
type RefreshFailedError struct {
	Permanent  bool
	StatusCode int
	Err        error
}

func (e *RefreshFailedError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("token refresh failed (%s): %v", kind, e.Err)
}

func (e *RefreshFailedError) Unwrap() error {
	return e.Err
}

// TokenResponse is the provider's answer to a refresh-token grant
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresher exchanges a refresh token for a new access token
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// OAuthRefresher performs the OAuth 2.0 refresh-token grant over HTTP
type OAuthRefresher struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewOAuthRefresher creates a refresher for the given OAuth client
func NewOAuthRefresher(tokenURL, clientID, clientSecret string) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &OAuthRefresher{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Refresh exchanges refreshToken for a new access token.
// Uses application/x-www-form-urlencoded as required by RFC 6749.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	formData := url.Values{}
	formData.Set("client_id", r.clientID)
	formData.Set("client_secret", r.clientSecret)
	formData.Set("refresh_token", refreshToken)
	formData.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshFailedError{Err: fmt.Errorf("failed to execute token refresh request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyRefreshFailure(resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, &RefreshFailedError{Err: fmt.Errorf("failed to decode token refresh response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return nil, &RefreshFailedError{Err: fmt.Errorf("token refresh response has no access_token")}
	}

	log.Debug().
		Int("expires_in", tokenResp.ExpiresIn).
		Bool("rotated_refresh_token", tokenResp.RefreshToken != "").
		Msg("Successfully refreshed access token")

	return &tokenResp, nil
}

// classifyRefreshFailure treats revoked grants and bad client credentials
// (400/401) as permanent; everything else can succeed later.
func classifyRefreshFailure(status int, body []byte) *RefreshFailedError {
	var payload tokenErrorResponse
	_ = json.Unmarshal(body, &payload)

	err := fmt.Errorf("token refresh failed with status %d: %s", status, strings.TrimSpace(string(body)))

	switch {
	case payload.Error == "invalid_grant", payload.Error == "unauthorized_client", payload.Error == "invalid_client":
		return &RefreshFailedError{Permanent: true, StatusCode: status, Err: err}
	case status == http.StatusBadRequest, status == http.StatusUnauthorized:
		return &RefreshFailedError{Permanent: true, StatusCode: status, Err: err}
	default:
		return &RefreshFailedError{StatusCode: status, Err: err}
	}
}
