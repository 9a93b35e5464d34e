package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ansledger/internal/observability"
	"github.com/odyssey-erp/ansledger/internal/source"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Limit)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsOutOfRange(t *testing.T) {
	t.Setenv("LEDGER_WORKERS", "0")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Workers failed gte")

	t.Setenv("LEDGER_WORKERS", "4")
	t.Setenv("LOG_FORMAT", "xml")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestNewTransportPicksByLocation(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.IsType(t, source.DirTransport{}, NewTransport(cfg, t.TempDir(), nil))
	assert.IsType(t, &source.HTTPTransport{}, NewTransport(cfg, "https://dadosabertos.ans.gov.br/FTP/PDA/", nil))
}

func TestRouterHealthAndNotFound(t *testing.T) {
	router := NewRouter(RouterParams{Metrics: observability.NewMetrics()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ansledger_http_requests_total")
}
