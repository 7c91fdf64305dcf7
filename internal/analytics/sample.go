package analytics

import (
	"context"
	"hash/fnv"
)

// SampleClient returns synthetic data derived from the property id and
// window, so repeated calls with the same inputs agree.
type SampleClient struct{}

func NewSampleClient() *SampleClient {
	return &SampleClient{}
}

func (c *SampleClient) RunReport(ctx context.Context, propertyID string, dr DateRange, accessToken string) (*ReportData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(propertyID + "|" + dr.StartDate() + "|" + dr.EndDate()))
	seed := h.Sum64()

	days := int64(dr.Days())
	if days <= 0 {
		days = 1
	}
	perDay := int64(200 + seed%800)

	sessions := perDay * days
	users := sessions * 7 / 10
	pageViews := sessions * int64(2+seed%3)
	bounce := 0.35 + float64(seed%30)/100
	avgDuration := 60 + float64(seed%180)

	pages := []TopPage{
		{Path: "/", Title: "Home", Views: pageViews * 30 / 100},
		{Path: "/pricing", Title: "Pricing", Views: pageViews * 12 / 100},
		{Path: "/blog", Title: "Blog", Views: pageViews * 9 / 100},
		{Path: "/about", Title: "About", Views: pageViews * 6 / 100},
		{Path: "/contact", Title: "Contact", Views: pageViews * 4 / 100},
	}

	sources := []TrafficSource{
		{Source: "google", Medium: "organic", Sessions: sessions * 45 / 100},
		{Source: "(direct)", Medium: "(none)", Sessions: sessions * 25 / 100},
		{Source: "newsletter", Medium: "email", Sessions: sessions * 15 / 100},
		{Source: "linkedin.com", Medium: "referral", Sessions: sessions * 10 / 100},
	}

	devices := []Device{
		{Category: "desktop", Sessions: sessions * 55 / 100},
		{Category: "mobile", Sessions: sessions * 40 / 100},
		{Category: "tablet", Sessions: sessions * 5 / 100},
	}

	return &ReportData{
		Summary: Summary{
			Sessions:           &sessions,
			Users:              &users,
			PageViews:          &pageViews,
			BounceRate:         &bounce,
			AvgSessionDuration: &avgDuration,
		},
		TopPages:       pages,
		TrafficSources: sources,
		Devices:        devices,
	}, nil
}
