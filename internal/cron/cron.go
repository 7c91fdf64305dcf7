// Package cron evaluates schedule cron patterns.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when a pattern cannot be evaluated.
const DefaultInterval = 24 * time.Hour

// Standard five-field syntax plus descriptors such as @daily and @every 1h.
var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// ErrNoOccurrence is wrapped when a pattern parses but never fires (e.g. 30 February).
var ErrNoOccurrence = errors.New("pattern has no future occurrence")

// InvalidPatternError is returned for malformed or unsatisfiable patterns.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid cron pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error {
	return e.Err
}

// Validate checks that pattern parses and has at least one occurrence.
func Validate(pattern string) error {
	_, err := Next(pattern, time.Now().UTC())
	return err
}

// Next returns the first occurrence of pattern strictly after ref, in UTC.
func Next(pattern string, ref time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return time.Time{}, &InvalidPatternError{Pattern: pattern, Err: errors.New("empty pattern")}
	}

	schedule, err := parser.Parse(trimmed)
	if err != nil {
		return time.Time{}, &InvalidPatternError{Pattern: pattern, Err: err}
	}

	next := schedule.Next(ref.UTC())
	if next.IsZero() {
		return time.Time{}, &InvalidPatternError{Pattern: pattern, Err: ErrNoOccurrence}
	}

	return next.UTC(), nil
}

// NextOrDefault behaves like Next but falls back to ref+DefaultInterval when
// the pattern is invalid, so a single bad schedule never stalls the loop.
func NextOrDefault(pattern string, ref time.Time) time.Time {
	next, err := Next(pattern, ref)
	if err != nil {
		log.Warn().
			Err(err).
			Str("pattern", pattern).
			Dur("fallback", DefaultInterval).
			Msg("Cron pattern invalid, using default interval")
		return ref.UTC().Add(DefaultInterval)
	}
	return next
}
