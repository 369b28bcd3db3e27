package httpapi

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

	"github.com/inboxhub/aggregator/internal/app/account"
	"github.com/inboxhub/aggregator/internal/app/config"
	"github.com/inboxhub/aggregator/internal/app/ratelimit"
	"github.com/inboxhub/aggregator/internal/app/service"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registry, err := account.New(nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := service.New(config.Default(), registry, nil, logger)
	t.Cleanup(svc.Shutdown)

	limits := ratelimit.NewBridge(100, 30, 10, svc.SetRateLimited)

	return New(svc, limits, func(*http.Request) service.Viewer { return service.Anonymous }, logger)
}

func TestHandleProviderAccountsEmptyRegistry(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/provider-accounts", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Accounts  []wireAccount  `json:"accounts"`
		Providers map[string]int `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Accounts)
	assert.Equal(t, 0, body.Providers["gmail"])
}

func TestHandleStatsReportsEmptyBackends(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestDeleteRequiresIDAndBackend(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/emails/abc", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderAliasRejectsUnknownBase(t *testing.T) {
	srv := newTestServer(t)

	body := `{"provider":"gmail","baseEmail":"nobody@gmail.com","customSuffix":"shop"}`
	req := httptest.NewRequest(http.MethodPost, "/provider-alias", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitHeadersEmittedOnExhaustion(t *testing.T) {
	srv := newTestServer(t)
	srv.limits.General = ratelimit.New(1)

	req := httptest.NewRequest(http.MethodGet, "/emails", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/emails", nil)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
}
