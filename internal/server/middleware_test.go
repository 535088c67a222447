package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/ctxutil"
	"github.com/ashita-ai/nagare/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddlewarePassthrough(t *testing.T) {
	var got string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/tools", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "client-supplied", got)
	assert.Equal(t, "client-supplied", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var got string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/tools", nil))

	assert.NotEmpty(t, got)
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/tools", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeInternalError, resp.Error.Code)
}

func TestAuthMiddlewareDisabledPassesThrough(t *testing.T) {
	authn := auth.NewAuthenticator(nil, nil)
	called := false
	handler := authMiddleware(authn, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, ctxutil.IdentityFromContext(r.Context()))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/tool-stream", nil))
	assert.True(t, called)
}

func TestAuthMiddlewareEnabled(t *testing.T) {
	digest, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)
	keys, err := auth.ParseAPIKeys("key1:alice:" + digest)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(nil, keys)

	var identity *auth.Identity
	handler := authMiddleware(authn, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity = ctxutil.IdentityFromContext(r.Context())
	}))

	// Missing credentials are rejected.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/tool-stream", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnauthorized, resp.Error.Code)

	// A wrong secret is rejected.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/tool-stream", nil)
	req.Header.Set("X-API-Key", "key1.wrong")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A valid key injects the identity.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/tool-stream", nil)
	req.Header.Set("X-API-Key", "key1.s3cret")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "alice", identity.UserID)
}

func TestAuthMiddlewareSkipsHealth(t *testing.T) {
	digest, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)
	keys, err := auth.ParseAPIKeys("key1:alice:" + digest)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(nil, keys)

	called := false
	handler := authMiddleware(authn, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.True(t, called)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/tool-stream", strings.NewReader(`{"toolName":"echo","bogus":1}`))
	var target model.ToolStreamRequest
	err := decodeJSON(req, &target)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/tools", nil)
	req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-42"))

	writeError(rec, req, http.StatusNotFound, model.ErrCodeNotFound, "nope")

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "nope", resp.Error.Message)
	assert.Equal(t, "req-42", resp.Meta.RequestID)
	assert.False(t, resp.Meta.Timestamp.IsZero())
}
