package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/insights/internal/config"
	"github.com/agentoven/agentoven/insights/internal/insights"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Telemetry.Enabled = false
	cfg.Store.Driver = "memory"
	cfg.Store.DataDir = ""
	cfg.ThresholdsFile = ""
	cfg.Alerts.WebhookURL = ""
	return cfg
}

func TestNewWithConfig_Memory(t *testing.T) {
	ctx := context.Background()
	srv, err := NewWithConfig(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.IsType(t, &insights.MemoryStore{}, srv.Store)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rep := srv.Sequencer.Tick(ctx)
	assert.Equal(t, uint64(1), rep.Tick)
	require.NoError(t, srv.ShutdownFunc(ctx))
}

func TestNewWithConfig_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "insights.db")

	srv, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.IsType(t, &insights.SQLiteStore{}, srv.Store)
	_, err = os.Stat(cfg.Store.DBPath)
	assert.NoError(t, err)
}

func TestNewWithConfig_Rejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := NewWithConfig(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alerts:\n  - code: INS-C01\n    min_severity: loud\n"), 0644))
	cfg.ThresholdsFile = path
	_, err = NewWithConfig(context.Background(), cfg)
	assert.Error(t, err)
}
