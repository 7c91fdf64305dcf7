package analytics

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Harvey-AU/report-scheduler/internal/tokens"
)

// Client modes for NewClient
const (
	ModeGA4    = "ga4"
	ModeSample = "sample"
)

// NewClient picks the implementation for mode once at startup
func NewClient(mode, baseURL string) (AnalyticsClient, error) {
	switch mode {
	case ModeGA4, "":
		return NewGA4Client(baseURL), nil
	case ModeSample:
		return NewSampleClient(), nil
	default:
		return nil, fmt.Errorf("unknown analytics mode %q", mode)
	}
}

// Fetcher rate-limits calls to the analytics API across all runs in the process
type Fetcher struct {
	client  AnalyticsClient
	limiter *rate.Limiter
}

// NewFetcher wraps client. requestsPerSecond <= 0 disables limiting.
func NewFetcher(client AnalyticsClient, requestsPerSecond float64) *Fetcher {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Fetch runs the report for propertyID with cred's access token
func (f *Fetcher) Fetch(ctx context.Context, propertyID string, dr DateRange, cred *tokens.Credential) (*ReportData, error) {
	if cred == nil {
		return nil, fmt.Errorf("fetch %s: %w", propertyID, tokens.ErrNoCredential)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("analytics rate limiter: %w", err)
	}

	log.Debug().
		Str("property_id", propertyID).
		Str("user_id", cred.UserID).
		Str("date_range", dr.String()).
		Msg("Fetching analytics report")

	data, err := f.client.RunReport(ctx, propertyID, dr, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return data, nil
}
