package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *clock) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m.now = c.now
	return m, c
}

func TestAllowWithinBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "w1", 1)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := m.Allow(ctx, "w1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "w2", 1)
	assert.True(t, ok, "keys have independent buckets")
}

func TestAllowChargesCost(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 10)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "w1", 7)
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "w1", 4)
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "w1", 3)
	assert.True(t, ok)

	ok, _ = m.Allow(ctx, "w2", 11)
	assert.False(t, ok, "a cost above burst is never satisfiable")
	ok, _ = m.Allow(ctx, "w2", 0)
	assert.True(t, ok)
}

func TestRefill(t *testing.T) {
	m, c := newTestLimiter(t, 2, 2)
	ctx := context.Background()
	m.Allow(ctx, "w1", 2) //nolint:errcheck
	ok, _ := m.Allow(ctx, "w1", 1)
	require.False(t, ok)

	c.add(500 * time.Millisecond)
	ok, _ = m.Allow(ctx, "w1", 1)
	assert.True(t, ok)

	c.add(time.Hour)
	ok, _ = m.Allow(ctx, "w1", 2)
	assert.True(t, ok, "refill caps at burst")
	ok, _ = m.Allow(ctx, "w1", 1)
	assert.False(t, ok)
}

func TestEvictIdle(t *testing.T) {
	m, c := newTestLimiter(t, 1, 1)
	m.Allow(context.Background(), "w1", 1) //nolint:errcheck
	assert.Equal(t, 1, m.Len())
	c.add(idleTTL + time.Second)
	m.evictIdle()
	assert.Equal(t, 0, m.Len())
}

func TestConcurrentAllow(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 100)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "w1", 1); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}

func TestMiddleware(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 1)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	deny := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	key := func(r *http.Request) string { return r.Header.Get("X-Worker") }
	h := Middleware(m, key, slog.Default(), deny)(ok)

	do := func(worker string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/seeds", nil)
		req.Header.Set("X-Worker", worker)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("w1").Code)
	rec := do("w1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, do("").Code, "empty key is not limited")
}
