// Package cli implements reportctl, an operator client for the report
// scheduler HTTP API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/api"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Problems   []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	if len(e.Problems) > 0 {
		msg += "\n  - " + strings.Join(e.Problems, "\n  - ")
	}
	return msg
}

// Pagination mirrors the executions list pagination block
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// ExecutionPage is one page of failed executions
type ExecutionPage struct {
	Executions []api.ExecutionResponse `json:"executions"`
	Pagination Pagination              `json:"pagination"`
}

// RetryResult is returned when a retry is accepted
type RetryResult struct {
	ScheduleID         string `json:"schedule_id"`
	ExecutionAttemptID string `json:"execution_attempt_id"`
	AttemptNumber      int    `json:"attempt_number"`
}

// ExecutionQuery filters the failed executions list
type ExecutionQuery struct {
	ScheduleID string
	Limit      int
	Offset     int
}

// Client talks to the scheduler API with a bearer token
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListSchedules(ctx context.Context) ([]api.ScheduleResponse, error) {
	var out []api.ScheduleResponse
	return out, c.do(ctx, http.MethodGet, "/v1/schedules", nil, nil, &out)
}

func (c *Client) GetSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var out api.ScheduleResponse
	if err := c.do(ctx, http.MethodGet, "/v1/schedules/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Retry(ctx context.Context, id string) (*RetryResult, error) {
	var out RetryResult
	if err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/retry", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pause(ctx context.Context, id, reason string) (*api.ScheduleResponse, error) {
	var body any
	if reason != "" {
		body = api.PauseRequest{Reason: reason}
	}
	var out api.ScheduleResponse
	if err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/pause", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Resume(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	var out api.ScheduleResponse
	if err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/resume", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReports returns a schedule's archived deliveries. Links served by the
// API itself are made absolute against the base URL.
func (c *Client) ListReports(ctx context.Context, id string, limit int) ([]api.RenderedReportResponse, error) {
	path := "/v1/schedules/" + url.PathEscape(id) + "/reports"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var out struct {
		Reports []api.RenderedReportResponse `json:"reports"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Reports {
		out.Reports[i].HTMLURL = c.absolute(out.Reports[i].HTMLURL)
		out.Reports[i].PDFURL = c.absolute(out.Reports[i].PDFURL)
	}
	return out.Reports, nil
}

func (c *Client) absolute(link string) string {
	if strings.HasPrefix(link, "/") {
		return c.baseURL + link
	}
	return link
}

func (c *Client) ListFailedExecutions(ctx context.Context, q ExecutionQuery) (*ExecutionPage, error) {
	params := url.Values{"status": {"failed"}}
	if q.ScheduleID != "" {
		params.Set("schedule_id", q.ScheduleID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	var out ExecutionPage
	if err := c.do(ctx, http.MethodGet, "/v1/executions?"+params.Encode(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Provision posts a signed fulfilment webhook. No bearer token is sent.
func (c *Client) Provision(ctx context.Context, req api.FulfillmentRequest, secret string) (*api.ScheduleResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	headers := map[string]string{"X-Signature": api.SignPayload(body, secret)}
	var out api.ScheduleResponse
	if err := c.doRaw(ctx, http.MethodPost, "/v1/webhooks/fulfillment", body, headers, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	return c.doRaw(ctx, method, path, raw, headers, true, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, body []byte, headers map[string]string, withAuth bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var envelope api.ValidationErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Message != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
			apiErr.Problems = envelope.Problems
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
