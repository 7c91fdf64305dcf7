// Package lock provides the single-flight lease that keeps two runs of the
// same schedule from overlapping across processes.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Locker grants an exclusive, expiring lease per schedule. Leases are not
// re-entrant: owner must be unique to one run attempt (see NewRunToken).
type Locker interface {
	Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scheduleID, owner string) error
}

// NewOwnerID returns a lease owner id unique to this process: hostname:pid:uuid
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// NewRunToken returns a lease owner for a single run attempt of processOwner
func NewRunToken(processOwner string) string {
	return processOwner + ":" + uuid.NewString()
}

// DefaultKeyPrefix namespaces lease keys in Redis
const DefaultKeyPrefix = "report-scheduler:run-lock:"

// Deletes the key only if it still holds our owner id.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release
type RedisLocker struct {
	client redisClient
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: DefaultKeyPrefix}
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) key(scheduleID string) string {
	return l.prefix + scheduleID
}

// Acquire takes the lease if no one holds it
func (l *RedisLocker) Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(scheduleID), owner, ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to acquire redis run lock")
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lease if owner still holds it
func (l *RedisLocker) Release(ctx context.Context, scheduleID, owner string) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key(scheduleID)}, owner).Int64()
	if err != nil {
		log.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to release redis run lock")
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	if n == 0 {
		log.Debug().Str("schedule_id", scheduleID).Str("owner", owner).Msg("Run lock already expired or taken over")
	}
	return nil
}
