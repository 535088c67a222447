package ratelimit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/ratelimit"
)

func newMiddlewareHandler(t *testing.T, limit int) http.Handler {
	t.Helper()
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{
		Rules:    map[string]ratelimit.Rule{"tool-stream": {Limit: limit, Window: time.Minute}},
		MaxBlock: time.Hour,
	})
	t.Cleanup(func() { _ = limiter.Close() })

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := ratelimit.Middleware(limiter, "tool-stream", ratelimit.IPKeyFunc,
		func(*http.Request) string { return "req-test" })
	return mw(next)
}

func TestMiddlewareSetsHeaders(t *testing.T) {
	h := newMiddlewareHandler(t, 5)

	req := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	h := newMiddlewareHandler(t, 2)

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
		req.RemoteAddr = "10.0.0.2:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-test", apiErr.Meta.RequestID)
}

func TestMiddlewareDistinguishesClients(t *testing.T) {
	h := newMiddlewareHandler(t, 1)

	req := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
	req.RemoteAddr = "10.0.0.3:1000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same client, over the limit.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Different client address, fresh limit.
	other := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
	other.RemoteAddr = "10.0.0.4:1000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := ratelimit.Middleware(nil, "tool-stream", ratelimit.IPKeyFunc, nil)(next)

	for range 20 {
		req := httptest.NewRequest(http.MethodPost, "/tool-stream", nil)
		req.RemoteAddr = "10.0.0.5:1000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
