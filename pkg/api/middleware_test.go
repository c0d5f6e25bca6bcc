package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 2)
	h := rl.Middleware(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/attendance/a", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestRateLimiterIsPerIP(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	h := rl.Middleware(okHandler())

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	// A different client gets its own bucket.
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitedResponseCarriesRetryAfter(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 1)
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			return
		}
	}
	t.Fatal("expected a rate limited response")
}

func TestIdempotencyMiddlewareReplaysResponse(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"att-1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/attendance/a/check-in", nil)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"id":"att-1"}`, rec.Body.String())
	}

	assert.Equal(t, 1, calls, "second request must be served from cache")
}

func TestIdempotencyMiddlewareSkipsFailures(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			WriteConflict(w, "not checked in")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/attendance/a/check-out", nil)
		req.Header.Set("Idempotency-Key", "key-2")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	// The 409 was not cached, so the retry reached the handler.
	assert.Equal(t, 2, calls)
}

func TestIdempotencyMiddlewareIgnoresReads(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	calls := 0
	h := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/workers/w/balance", nil)
		req.Header.Set("Idempotency-Key", "key-3")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}
	assert.Equal(t, 2, calls)
}
