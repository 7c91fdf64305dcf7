// Package backoff decides when a failed run may be retried.
package backoff

import (
	"time"

	expbackoff "github.com/cenkalti/backoff/v5"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// Policy maps an error code and attempt number to a retry time
type Policy struct {
	RateLimitInitial  time.Duration
	RateLimitMax      time.Duration
	TransientInitial  time.Duration
	TransientMax      time.Duration
	OAuthExpiredDelay time.Duration
	Multiplier        float64
}

// DefaultPolicy returns the production retry schedule
func DefaultPolicy() Policy {
	return Policy{
		RateLimitInitial:  15 * time.Minute,
		RateLimitMax:      4 * time.Hour,
		TransientInitial:  2 * time.Minute,
		TransientMax:      30 * time.Minute,
		OAuthExpiredDelay: 10 * time.Minute,
		Multiplier:        2,
	}
}

// RetryAfter returns when a run that failed with code on the given attempt
// (1-based) may run again. Nil means no automatic retry.
func (p Policy) RetryAfter(code db.ErrorCode, attempt int, now time.Time) *time.Time {
	return p.RetryAfterWithHint(code, attempt, now, 0)
}

// RetryAfterWithHint is RetryAfter, honouring a server-supplied delay for
// rate-limit failures when it is longer than the computed one.
func (p Policy) RetryAfterWithHint(code db.ErrorCode, attempt int, now time.Time, hint time.Duration) *time.Time {
	now = now.UTC()
	var at time.Time

	switch code {
	case db.ErrorCodeOAuthInvalid:
		return nil
	case db.ErrorCodeAPIQuotaExceeded:
		at = nextMidnight(now)
	case db.ErrorCodeAPIRateLimit:
		delay := p.step(p.RateLimitInitial, p.RateLimitMax, attempt)
		if hint > delay {
			delay = hint
		}
		at = now.Add(delay)
	case db.ErrorCodeOAuthExpired:
		at = now.Add(p.OAuthExpiredDelay)
	default:
		at = now.Add(max(p.step(p.TransientInitial, p.TransientMax, attempt), hint))
	}

	at = at.Truncate(time.Second)
	return &at
}

// step returns the delay for the nth attempt: initial * multiplier^(n-1), capped at max.
func (p Policy) step(initial, max time.Duration, attempt int) time.Duration {
	b := &expbackoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         max,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
