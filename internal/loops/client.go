// Package loops provides a client for the Loops.so transactional email API.
// See https://loops.so/docs/api-reference for full documentation.
package loops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production Loops API
	DefaultBaseURL = "https://app.loops.so/api/v1"
	defaultTimeout = 30 * time.Second
)

// Client provides methods to interact with the Loops.so API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a new Loops client. An empty baseURL uses DefaultBaseURL.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Attachment is a file sent with a transactional email. Data is base64.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

// TransactionalRequest contains the fields for sending a transactional email.
type TransactionalRequest struct {
	// Email is the recipient's email address (required).
	Email string `json:"email"`
	// TransactionalID is the template ID from the Loops dashboard (required).
	TransactionalID string `json:"transactionalId"`
	// DataVariables are template variables to inject into the email.
	DataVariables map[string]any `json:"dataVariables,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	// IdempotencyKey prevents duplicate sends within 24 hours.
	IdempotencyKey string `json:"-"`
}

// ErrInvalidRequest is returned before any call when required fields are missing
var ErrInvalidRequest = errors.New("loops: invalid transactional request")

func (r *TransactionalRequest) validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	case strings.TrimSpace(r.Email) == "":
		return fmt.Errorf("%w: email is required", ErrInvalidRequest)
	case r.TransactionalID == "":
		return fmt.Errorf("%w: transactionalId is required", ErrInvalidRequest)
	}
	return nil
}

// SendTransactional sends a transactional email via the Loops API.
func (c *Client) SendTransactional(ctx context.Context, req *TransactionalRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("loops: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactional", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loops: failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	return c.do(httpReq)
}

// APIError is a non-2xx response from the Loops API
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server's Retry-After hint, zero when absent
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("loops: API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loops: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		apiErr.Message = payload.Message
	}
	return apiErr
}
