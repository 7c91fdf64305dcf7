// Package analytics fetches the traffic data a report is built from.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// Report windows in days, by kind
const (
	WeeklyLookbackDays    = 7
	MonthlyLookbackDays   = 30
	QuarterlyLookbackDays = 90
)

// ga4DateLayout is the date format the Data API expects
const ga4DateLayout = "2006-01-02"

// AnalyticsClient runs a report against one analytics property
type AnalyticsClient interface {
	RunReport(ctx context.Context, propertyID string, dr DateRange, accessToken string) (*ReportData, error)
}

// ErrUnauthorized means the API rejected the access token (HTTP 401)
var ErrUnauthorized = errors.New("analytics API rejected access token")

// RateLimitError is a short-term throttle. RetryAfter is the server's hint, zero when absent.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("analytics API rate limited (retry after %s)", e.RetryAfter)
	}
	return "analytics API rate limited"
}

// QuotaExceededError means the property's daily token quota is spent
type QuotaExceededError struct {
	StatusCode int
	Body       string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("analytics API daily quota exceeded (status %d)", e.StatusCode)
}

// APIError is any other non-2xx response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("analytics API returned status %d: %s", e.StatusCode, e.Body)
}

// DateRange is the half-open window [Start, End)
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DateRangeFor returns the trailing window for kind, ending at triggerTime
func DateRangeFor(kind db.ReportKind, triggerTime time.Time) DateRange {
	days := WeeklyLookbackDays
	switch kind {
	case db.ReportKindMonthlyReport:
		days = MonthlyLookbackDays
	case db.ReportKindQuarterlyReview:
		days = QuarterlyLookbackDays
	}
	end := triggerTime.UTC()
	return DateRange{
		Start: end.AddDate(0, 0, -days),
		End:   end,
	}
}

// Days is the window length in whole days
func (d DateRange) Days() int {
	return int(d.End.Sub(d.Start).Hours() / 24)
}

// StartDate formats the first included day
func (d DateRange) StartDate() string {
	return d.Start.UTC().Format(ga4DateLayout)
}

// EndDate formats the last included day. GA4 end dates are inclusive, so a
// window ending exactly at midnight stops on the previous day.
func (d DateRange) EndDate() string {
	end := d.End.UTC()
	if end.Equal(end.Truncate(24 * time.Hour)) {
		end = end.AddDate(0, 0, -1)
	}
	return end.Format(ga4DateLayout)
}

func (d DateRange) String() string {
	return d.StartDate() + " to " + d.EndDate()
}

// Summary holds headline metrics. Nil means the API returned no value.
type Summary struct {
	Sessions           *int64   `json:"sessions,omitempty"`
	Users              *int64   `json:"users,omitempty"`
	PageViews          *int64   `json:"pageViews,omitempty"`
	BounceRate         *float64 `json:"bounceRate,omitempty"`
	AvgSessionDuration *float64 `json:"avgSessionDuration,omitempty"`
}

type TopPage struct {
	Path  string `json:"path"`
	Title string `json:"title"`
	Views int64  `json:"views"`
}

type TrafficSource struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Sessions int64  `json:"sessions"`
}

type Device struct {
	Category string `json:"category"`
	Sessions int64  `json:"sessions"`
}

// ReportData is everything a report renders
type ReportData struct {
	Summary        Summary         `json:"summary"`
	TopPages       []TopPage       `json:"topPages"`
	TrafficSources []TrafficSource `json:"trafficSources"`
	Devices        []Device        `json:"devices"`
}
