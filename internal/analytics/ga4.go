package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultGA4BaseURL is the Google Analytics Data API host
	DefaultGA4BaseURL = "https://analyticsdata.googleapis.com"

	// TopPagesLimit caps the Top Pages table
	TopPagesLimit = 10

	// TrafficSourcesLimit caps the Traffic Sources table
	TrafficSourcesLimit = 10

	maxErrorBody = 4096
)

// GA4Client is an HTTP client for the Google Analytics 4 Data API
type GA4Client struct {
	httpClient *http.Client
	baseURL    string
}

// ga4RunReportRequest is the request structure for the GA4 runReport API
type ga4RunReportRequest struct {
	DateRanges []dateRange `json:"dateRanges"`
	Dimensions []dimension `json:"dimensions,omitempty"`
	Metrics    []metric    `json:"metrics"`
	OrderBys   []orderBy   `json:"orderBys,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

type dateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type dimension struct {
	Name string `json:"name"`
}

type metric struct {
	Name string `json:"name"`
}

type orderBy struct {
	Metric metricOrderBy `json:"metric"`
	Desc   bool          `json:"desc"`
}

type metricOrderBy struct {
	MetricName string `json:"metricName"`
}

type ga4Row struct {
	DimensionValues []struct {
		Value string `json:"value"`
	} `json:"dimensionValues"`
	MetricValues []struct {
		Value string `json:"value"`
	} `json:"metricValues"`
}

// ga4RunReportResponse is the response structure from the GA4 runReport API
type ga4RunReportResponse struct {
	Rows     []ga4Row `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// NewGA4Client creates a client. An empty baseURL uses DefaultGA4BaseURL.
func NewGA4Client(baseURL string) *GA4Client {
	if baseURL == "" {
		baseURL = DefaultGA4BaseURL
	}
	return &GA4Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// RunReport issues the summary, top pages and traffic/device requests for
// one property. The first failure aborts the report.
func (c *GA4Client) RunReport(ctx context.Context, propertyID string, dr DateRange, accessToken string) (*ReportData, error) {
	start := time.Now()
	ranges := []dateRange{{StartDate: dr.StartDate(), EndDate: dr.EndDate()}}

	summaryResp, err := c.runReport(ctx, propertyID, accessToken, ga4RunReportRequest{
		DateRanges: ranges,
		Metrics: []metric{
			{Name: "sessions"},
			{Name: "totalUsers"},
			{Name: "screenPageViews"},
			{Name: "bounceRate"},
			{Name: "averageSessionDuration"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary report: %w", err)
	}

	pagesResp, err := c.runReport(ctx, propertyID, accessToken, ga4RunReportRequest{
		DateRanges: ranges,
		Dimensions: []dimension{{Name: "pagePath"}, {Name: "pageTitle"}},
		Metrics:    []metric{{Name: "screenPageViews"}},
		OrderBys:   []orderBy{{Metric: metricOrderBy{MetricName: "screenPageViews"}, Desc: true}},
		Limit:      TopPagesLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("top pages report: %w", err)
	}

	trafficResp, err := c.runReport(ctx, propertyID, accessToken, ga4RunReportRequest{
		DateRanges: ranges,
		Dimensions: []dimension{{Name: "sessionSource"}, {Name: "sessionMedium"}, {Name: "deviceCategory"}},
		Metrics:    []metric{{Name: "sessions"}},
		OrderBys:   []orderBy{{Metric: metricOrderBy{MetricName: "sessions"}, Desc: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("traffic report: %w", err)
	}

	data := &ReportData{
		Summary:  parseSummary(summaryResp),
		TopPages: parseTopPages(pagesResp),
	}
	data.TrafficSources, data.Devices = parseTraffic(trafficResp)

	log.Info().
		Str("property_id", propertyID).
		Str("date_range", dr.String()).
		Int("top_pages", len(data.TopPages)).
		Int("traffic_sources", len(data.TrafficSources)).
		Dur("duration", time.Since(start)).
		Msg("GA4 report fetch completed")

	return data, nil
}

func (c *GA4Client) runReport(ctx context.Context, propertyID, accessToken string, body ga4RunReportRequest) (*ga4RunReportResponse, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runReport request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.baseURL, propertyID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create runReport request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute runReport request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyResponse(resp, respBody)
	}

	var reportResp ga4RunReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&reportResp); err != nil {
		return nil, fmt.Errorf("failed to decode runReport response: %w", err)
	}
	return &reportResp, nil
}

// classifyResponse maps a failed response to a typed error
func classifyResponse(resp *http.Response, body []byte) error {
	text := strings.TrimSpace(string(body))
	lower := strings.ToLower(text)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("GA4 API returned status 401: %w", ErrUnauthorized)
	case http.StatusTooManyRequests:
		if isDailyQuota(lower) {
			return &QuotaExceededError{StatusCode: resp.StatusCode, Body: text}
		}
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Body: text}
	case http.StatusForbidden:
		if isDailyQuota(lower) || strings.Contains(lower, "quota") {
			return &QuotaExceededError{StatusCode: resp.StatusCode, Body: text}
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Body: text}
}

func isDailyQuota(lowerBody string) bool {
	return strings.Contains(lowerBody, "resource_exhausted") &&
		(strings.Contains(lowerBody, "per day") || strings.Contains(lowerBody, "daily"))
}

// parseRetryAfter reads delay-seconds; HTTP-date values are ignored
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseSummary(resp *ga4RunReportResponse) Summary {
	var s Summary
	if len(resp.Rows) == 0 {
		return s
	}
	values := resp.Rows[0].MetricValues
	at := func(i int) (string, bool) {
		if i >= len(values) || values[i].Value == "" {
			return "", false
		}
		return values[i].Value, true
	}

	if v, ok := at(0); ok {
		s.Sessions = parseIntMetric("sessions", v)
	}
	if v, ok := at(1); ok {
		s.Users = parseIntMetric("totalUsers", v)
	}
	if v, ok := at(2); ok {
		s.PageViews = parseIntMetric("screenPageViews", v)
	}
	if v, ok := at(3); ok {
		s.BounceRate = parseFloatMetric("bounceRate", v)
	}
	if v, ok := at(4); ok {
		s.AvgSessionDuration = parseFloatMetric("averageSessionDuration", v)
	}
	return s
}

func parseIntMetric(name, v string) *int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn().Str("metric", name).Str("value", v).Err(err).Msg("Failed to parse GA4 metric as integer")
		return nil
	}
	return &n
}

func parseFloatMetric(name, v string) *float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("metric", name).Str("value", v).Err(err).Msg("Failed to parse GA4 metric as float")
		return nil
	}
	return &f
}

func rowCount(row ga4Row, idx int) int64 {
	if idx >= len(row.MetricValues) {
		return 0
	}
	n, err := strconv.ParseInt(row.MetricValues[idx].Value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseTopPages(resp *ga4RunReportResponse) []TopPage {
	pages := make([]TopPage, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		if len(row.DimensionValues) < 2 || len(row.MetricValues) < 1 {
			log.Warn().
				Int("dimensions", len(row.DimensionValues)).
				Int("metrics", len(row.MetricValues)).
				Msg("Skipping malformed GA4 row with insufficient dimensions or metrics")
			continue
		}
		pages = append(pages, TopPage{
			Path:  row.DimensionValues[0].Value,
			Title: row.DimensionValues[1].Value,
			Views: rowCount(row, 0),
		})
	}
	return pages
}

// parseTraffic folds source/medium/device rows into the two tables
func parseTraffic(resp *ga4RunReportResponse) ([]TrafficSource, []Device) {
	type sourceKey struct{ source, medium string }
	sourceTotals := map[sourceKey]int64{}
	deviceTotals := map[string]int64{}

	for _, row := range resp.Rows {
		if len(row.DimensionValues) < 3 || len(row.MetricValues) < 1 {
			continue
		}
		sessions := rowCount(row, 0)
		sourceTotals[sourceKey{row.DimensionValues[0].Value, row.DimensionValues[1].Value}] += sessions
		deviceTotals[row.DimensionValues[2].Value] += sessions
	}

	sources := make([]TrafficSource, 0, len(sourceTotals))
	for k, v := range sourceTotals {
		sources = append(sources, TrafficSource{Source: k.source, Medium: k.medium, Sessions: v})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Sessions != sources[j].Sessions {
			return sources[i].Sessions > sources[j].Sessions
		}
		if sources[i].Source != sources[j].Source {
			return sources[i].Source < sources[j].Source
		}
		return sources[i].Medium < sources[j].Medium
	})
	if len(sources) > TrafficSourcesLimit {
		sources = sources[:TrafficSourcesLimit]
	}

	devices := make([]Device, 0, len(deviceTotals))
	for k, v := range deviceTotals {
		devices = append(devices, Device{Category: k, Sessions: v})
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Sessions != devices[j].Sessions {
			return devices[i].Sessions > devices[j].Sessions
		}
		return devices[i].Category < devices[j].Category
	})

	return sources, devices
}
