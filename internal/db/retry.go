package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval
	Multiplier      float64       // Backoff multiplier
	Jitter          bool          // Randomise intervals to avoid a thundering herd
}

// DefaultRetryConfig returns sensible defaults for database connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	if !c.Jitter {
		b.RandomizationFactor = 0
	}
	return b
}

// InitFromEnvWithRetry creates a PostgreSQL connection using environment variables
// with automatic retry on connection failures
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	return InitFromEnvWithRetryConfig(ctx, DefaultRetryConfig())
}

// InitFromEnvWithRetryConfig creates a PostgreSQL connection with custom retry configuration
func InitFromEnvWithRetryConfig(ctx context.Context, retryConfig RetryConfig) (*DB, error) {
	return connectWithRetry(ctx, retryConfig, InitFromEnv)
}

func connectWithRetry(ctx context.Context, retryConfig RetryConfig, connect func() (*DB, error)) (*DB, error) {
	startTime := time.Now()
	attempt := 0
	var permanentErr error

	operation := func() (*DB, error) {
		attempt++
		db, err := connect()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		if !isRetryableError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			permanentErr = fmt.Errorf("database connection failed: %w", err)
			return nil, backoff.Permanent(permanentErr)
		}
		return nil, err
	}

	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retryConfig.MaxAttempts).
			Dur("retry_in", next).
			Msg("Database connection failed, retrying...")
	}

	db, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(retryConfig.backOff()),
		backoff.WithMaxTries(uint(max(retryConfig.MaxAttempts, 1))),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connection retry cancelled: %w", err)
		}
		if permanentErr != nil {
			return nil, permanentErr
		}
		log.Error().
			Err(err).
			Int("max_attempts", retryConfig.MaxAttempts).
			Msg("Database connection failed after all retry attempts")
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retryConfig.MaxAttempts, err)
	}

	return db, nil
}

// isRetryableError reports whether a database error is worth retrying.
// Integrity and data errors are not; connection and resource errors are.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if class, ok := sqlStateClass(err); ok {
		switch class {
		case "08", "53", "57", "58": // connection, resources, operator intervention, system
			return true
		case "23", "22", "28", "3D", "42": // integrity, data, auth, missing db, syntax
			return false
		default:
			return true
		}
	}

	// Driver-less failures (refused, reset, timeouts) are network blips.
	return true
}

// sqlStateClass extracts the two-character SQLSTATE class from either driver's error type
func sqlStateClass(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()), true
	}
	return "", false
}
