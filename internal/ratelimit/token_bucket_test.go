package ratelimit

import (
	"net/http"
	"net/http/httptest"
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

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBucket(rate float64, capacity int) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tb := NewTokenBucket(rate, capacity)
	tb.now = clock.Now
	tb.lastUpdate = clock.Now()
	return tb, clock
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{RequestsPerSecond: 0.5}.Enabled())
}

func TestTokenBucket_Burst(t *testing.T) {
	tb, _ := newTestBucket(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "request %d", i)
	}
	assert.False(t, tb.Allow())
}

func TestTokenBucket_Refill(t *testing.T) {
	tb, clock := newTestBucket(2, 2)
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())

	ok, wait := tb.Take()
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	clock.Advance(500 * time.Millisecond)
	assert.True(t, tb.Allow())

	clock.Advance(time.Hour)
	assert.InDelta(t, 2.0, tb.Tokens(), 0.001)
}

func TestTokenBucket_MinimumCapacity(t *testing.T) {
	tb, _ := newTestBucket(1, 0)
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucket_ZeroRate(t *testing.T) {
	tb, clock := newTestBucket(0, 1)
	require.True(t, tb.Allow())

	clock.Advance(time.Hour)
	ok, wait := tb.Take()
	assert.False(t, ok)
	assert.Greater(t, wait, time.Hour)
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb, _ := newTestBucket(0, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMiddleware(t *testing.T) {
	tb, clock := newTestBucket(0.5, 1)
	calls := 0
	h := Middleware(tb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	clock.Advance(2 * time.Second)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_NilBucket(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
