package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps keys in a map and honours the subset of commands the locker uses.
type fakeRedis struct {
	values  map[string]string
	ttls    map[string]time.Duration
	failSet bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.failSet {
		return redis.NewBoolResult(false, errors.New("connection refused"))
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if !strings.Contains(script, `redis.call("DEL", KEYS[1])`) {
		return redis.NewCmdResult(nil, errors.New("unexpected script"))
	}
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func newTestLocker(client redisClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: DefaultKeyPrefix}
}

func TestRedisLockerAcquire(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	locker := newTestLocker(fake)

	ok, err := locker.Acquire(ctx, "sched-1", "owner-a", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "owner-a", fake.values[DefaultKeyPrefix+"sched-1"])
	assert.Equal(t, 10*time.Minute, fake.ttls[DefaultKeyPrefix+"sched-1"])

	ok, err = locker.Acquire(ctx, "sched-1", "owner-b", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second owner must not get the lease")

	ok, err = locker.Acquire(ctx, "sched-1", "owner-a", 20*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "leases are not re-entrant")
	assert.Equal(t, 10*time.Minute, fake.ttls[DefaultKeyPrefix+"sched-1"])

	ok, err = locker.Acquire(ctx, "sched-2", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "leases are per schedule")
}

func TestRedisLockerAcquireError(t *testing.T) {
	fake := newFakeRedis()
	fake.failSet = true

	ok, err := newTestLocker(fake).Acquire(context.Background(), "sched-1", "owner-a", time.Minute)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire run lock")
}

func TestRedisLockerRelease(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	locker := newTestLocker(fake)

	_, err := locker.Acquire(ctx, "sched-1", "owner-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, "sched-1", "owner-b"))
	assert.Contains(t, fake.values, DefaultKeyPrefix+"sched-1", "only the holder may release")

	require.NoError(t, locker.Release(ctx, "sched-1", "owner-a"))
	assert.NotContains(t, fake.values, DefaultKeyPrefix+"sched-1")

	ok, err := locker.Acquire(ctx, "sched-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunTokensExcludeEachOther(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	locker := newTestLocker(fake)
	process := NewOwnerID()

	scheduled := NewRunToken(process)
	retry := NewRunToken(process)
	require.NotEqual(t, scheduled, retry)
	assert.True(t, strings.HasPrefix(retry, process+":"))

	ok, err := locker.Acquire(ctx, "sched-1", scheduled, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locker.Acquire(ctx, "sched-1", retry, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second run in the same process must not get the lease")

	// The losing attempt's release must leave the holder's lease in place.
	require.NoError(t, locker.Release(ctx, "sched-1", retry))
	ok, err = locker.Acquire(ctx, "sched-1", NewRunToken(NewOwnerID()), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewOwnerID(t *testing.T) {
	a := NewOwnerID()
	b := NewOwnerID()
	assert.NotEqual(t, a, b)
	assert.Len(t, strings.Split(a, ":"), 3)
}
