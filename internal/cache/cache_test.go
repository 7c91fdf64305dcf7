package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache[V any](maxEntries int, ttl time.Duration) (*InMemoryCache[V], *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewInMemoryCache[V](maxEntries, ttl)
	c.now = clock.Now
	return c, clock
}

func TestNewInMemoryCache(t *testing.T) {
	c := NewInMemoryCache[string](0, 0)

	assert.NotNil(t, c)
	assert.Equal(t, DefaultMaxEntries, c.maxEntries)
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, 0, c.Len())
}

func TestInMemoryCache_GetSet(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "string_value", key: "test-key", value: "test-value"},
		{name: "int_value", key: "count", value: 42},
		{
			name: "struct_value",
			key:  "user",
			value: struct {
				Name string
				Age  int
			}{Name: "John", Age: 30},
		},
		{name: "nil_value", key: "nil-key", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache[any](10, time.Minute)

			val, found := c.Get(tt.key)
			assert.False(t, found)
			assert.Nil(t, val)

			c.Set(tt.key, tt.value)
			val, found = c.Get(tt.key)
			assert.True(t, found)
			assert.Equal(t, tt.value, val)

			c.Set(tt.key, "overwritten")
			val, found = c.Get(tt.key)
			assert.True(t, found)
			assert.Equal(t, "overwritten", val)
			assert.Equal(t, 1, c.Len())
		})
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c, clock := newTestCache[string](10, time.Minute)

	c.Set("token", "abc")
	clock.Advance(59 * time.Second)
	val, found := c.Get("token")
	require.True(t, found)
	assert.Equal(t, "abc", val)

	clock.Advance(time.Second)
	_, found = c.Get("token")
	assert.False(t, found)
	assert.Equal(t, 0, c.Len(), "expired entry should be reaped on read")
}

func TestInMemoryCache_SetRefreshesTTL(t *testing.T) {
	c, clock := newTestCache[int](10, time.Minute)

	c.Set("k", 1)
	clock.Advance(50 * time.Second)
	c.Set("k", 2)
	clock.Advance(50 * time.Second)

	val, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, 2, val)
}

func TestInMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache[int](3, time.Hour)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the oldest.
	_, found := c.Get("a")
	require.True(t, found)

	c.Set("d", 4)

	assert.Equal(t, 3, c.Len())
	_, found = c.Get("b")
	assert.False(t, found)
	for _, key := range []string{"a", "c", "d"} {
		_, found := c.Get(key)
		assert.True(t, found, key)
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c, _ := newTestCache[string](10, time.Hour)

	c.Set("key1", "value1")
	c.Set("key2", "value2")
	c.Set("key3", "value3")

	c.Delete("key2")

	_, found := c.Get("key2")
	assert.False(t, found)

	val, found := c.Get("key1")
	assert.True(t, found)
	assert.Equal(t, "value1", val)

	// Delete non-existent key (should not panic)
	c.Delete("non-existent")
	assert.Equal(t, 2, c.Len())
}

func TestInMemoryCache_Purge(t *testing.T) {
	c, _ := newTestCache[int](10, time.Hour)
	for i := range 5 {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	c.Purge()

	assert.Equal(t, 0, c.Len())
	_, found := c.Get("k1")
	assert.False(t, found)

	c.Set("after", 1)
	assert.Equal(t, 1, c.Len())
}

func TestInMemoryCache_Concurrent(t *testing.T) {
	c := NewInMemoryCache[int](50, time.Minute)
	const numGoroutines = 100
	const numOperations = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 3)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				c.Set(fmt.Sprintf("key%d", (id+j)%80), id*1000+j)
			}
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				c.Get(fmt.Sprintf("key%d", (id+j)%80))
			}
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j += 10 {
				c.Delete(fmt.Sprintf("key%d", (id+j)%80))
			}
		}(i)
	}

	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
	c.Set("final", 7)
	val, found := c.Get("final")
	assert.True(t, found)
	assert.Equal(t, 7, val)
}

func BenchmarkInMemoryCache_Set(b *testing.B) {
	c := NewInMemoryCache[int](1000, time.Minute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(fmt.Sprintf("key%d", i%2000), i)
	}
}
