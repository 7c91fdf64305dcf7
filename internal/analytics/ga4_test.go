package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

const testPropertyID = "123456789"

func testRange() DateRange {
	return DateRangeFor(db.ReportKindWeeklySummary, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
}

// ga4Handler answers each runReport by the first requested dimension
func ga4Handler(t *testing.T, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/properties/"+testPropertyID+":runReport", r.URL.Path)
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))

		var req ga4RunReportRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, []dateRange{{StartDate: "2026-02-23", EndDate: "2026-03-01"}}, req.DateRanges)

		w.Header().Set("Content-Type", "application/json")
		switch {
		case len(req.Dimensions) == 0:
			_, _ = w.Write([]byte(`{"rows":[{"metricValues":[{"value":"1200"},{"value":"800"},{"value":"3400"},{"value":"0.42"},{"value":""}]}],"rowCount":1}`))
		case req.Dimensions[0].Name == "pagePath":
			assert.Equal(t, TopPagesLimit, req.Limit)
			_, _ = w.Write([]byte(`{"rows":[
				{"dimensionValues":[{"value":"/"},{"value":"Home"}],"metricValues":[{"value":"900"}]},
				{"dimensionValues":[{"value":"/pricing"},{"value":"Pricing"}],"metricValues":[{"value":"300"}]},
				{"dimensionValues":[{"value":"/broken"}],"metricValues":[{"value":"1"}]}
			],"rowCount":3}`))
		case req.Dimensions[0].Name == "sessionSource":
			_, _ = w.Write([]byte(`{"rows":[
				{"dimensionValues":[{"value":"google"},{"value":"organic"},{"value":"desktop"}],"metricValues":[{"value":"500"}]},
				{"dimensionValues":[{"value":"google"},{"value":"organic"},{"value":"mobile"}],"metricValues":[{"value":"200"}]},
				{"dimensionValues":[{"value":"(direct)"},{"value":"(none)"},{"value":"mobile"}],"metricValues":[{"value":"400"}]}
			],"rowCount":3}`))
		default:
			t.Errorf("unexpected dimensions %+v", req.Dimensions)
		}
	}
}

func TestGA4ClientRunReport(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(ga4Handler(t, &calls))
	defer server.Close()

	data, err := NewGA4Client(server.URL).RunReport(context.Background(), testPropertyID, testRange(), "access-token")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	require.NotNil(t, data.Summary.Sessions)
	assert.Equal(t, int64(1200), *data.Summary.Sessions)
	assert.Equal(t, int64(800), *data.Summary.Users)
	assert.Equal(t, int64(3400), *data.Summary.PageViews)
	assert.InDelta(t, 0.42, *data.Summary.BounceRate, 0.0001)
	assert.Nil(t, data.Summary.AvgSessionDuration, "empty metric stays missing")

	assert.Equal(t, []TopPage{
		{Path: "/", Title: "Home", Views: 900},
		{Path: "/pricing", Title: "Pricing", Views: 300},
	}, data.TopPages)

	assert.Equal(t, []TrafficSource{
		{Source: "google", Medium: "organic", Sessions: 700},
		{Source: "(direct)", Medium: "(none)", Sessions: 400},
	}, data.TrafficSources)

	assert.Equal(t, []Device{
		{Category: "mobile", Sessions: 600},
		{Category: "desktop", Sessions: 500},
	}, data.Devices)
}

func TestGA4ClientEmptyProperty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rowCount":0}`))
	}))
	defer server.Close()

	data, err := NewGA4Client(server.URL).RunReport(context.Background(), testPropertyID, testRange(), "access-token")
	require.NoError(t, err)
	assert.Nil(t, data.Summary.Sessions)
	assert.Empty(t, data.TopPages)
	assert.Empty(t, data.TrafficSources)
	assert.Empty(t, data.Devices)
}

func TestGA4ClientErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":{"code":401,"status":"UNAUTHENTICATED"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnauthorized)
			},
		},
		{
			name:       "rate limited with hint",
			status:     http.StatusTooManyRequests,
			retryAfter: "120",
			body:       `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Exhausted concurrent requests quota."}}`,
			check: func(t *testing.T, err error) {
				var rle *RateLimitError
				require.True(t, errors.As(err, &rle))
				assert.Equal(t, 2*time.Minute, rle.RetryAfter)
			},
		},
		{
			name:   "rate limited without hint",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Exhausted property tokens per hour."}}`,
			check: func(t *testing.T, err error) {
				var rle *RateLimitError
				require.True(t, errors.As(err, &rle))
				assert.Zero(t, rle.RetryAfter)
			},
		},
		{
			name:   "daily quota on 429",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"Exhausted property tokens per day."}}`,
			check: func(t *testing.T, err error) {
				var qe *QuotaExceededError
				require.True(t, errors.As(err, &qe))
				assert.Equal(t, http.StatusTooManyRequests, qe.StatusCode)
			},
		},
		{
			name:   "quota on 403",
			status: http.StatusForbidden,
			body:   `{"error":{"code":403,"message":"Quota exceeded for quota metric"}}`,
			check: func(t *testing.T, err error) {
				var qe *QuotaExceededError
				assert.True(t, errors.As(err, &qe))
			},
		},
		{
			name:   "permission denied",
			status: http.StatusForbidden,
			body:   `{"error":{"code":403,"status":"PERMISSION_DENIED"}}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
				assert.Contains(t, apiErr.Body, "PERMISSION_DENIED")
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `oops`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewGA4Client(server.URL).RunReport(context.Background(), testPropertyID, testRange(), "access-token")
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int32(1), calls.Load(), "no internal retries")
		})
	}
}

func TestSampleClientIsDeterministic(t *testing.T) {
	c := NewSampleClient()
	a, err := c.RunReport(context.Background(), "prop-1", testRange(), "")
	require.NoError(t, err)
	b, err := c.RunReport(context.Background(), "prop-1", testRange(), "")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := c.RunReport(context.Background(), "prop-2", testRange(), "")
	require.NoError(t, err)
	assert.NotEqual(t, *a.Summary.Sessions, *other.Summary.Sessions)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(ModeSample, "")
	require.NoError(t, err)
	assert.IsType(t, &SampleClient{}, c)

	c, err = NewClient(ModeGA4, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultGA4BaseURL, c.(*GA4Client).baseURL)

	_, err = NewClient("bogus", "")
	assert.Error(t, err)
}
