package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/cache"
	"github.com/fyrsmithlabs/leadrelay/internal/config"
	"github.com/fyrsmithlabs/leadrelay/internal/conversation"
	httpapi "github.com/fyrsmithlabs/leadrelay/internal/http"
	"github.com/fyrsmithlabs/leadrelay/internal/migration"
)

func TestNewApp_FallbackOnly(t *testing.T) {
	cfg := config.Default()
	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.remote)
	assert.Nil(t, a.archive)
	assert.Nil(t, a.migrator)

	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health httpapi.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "healthy", health.Cache)

	// Without NATS the dashboard actions have no transport.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/leads/lead-1/messages", bytes.NewReader([]byte(`{"phone":"5551234567","body":"hi"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.OrgHeader, "orgA")
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewApp_MissingSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.Migration.SnapshotPath = filepath.Join(t.TempDir(), "missing.json")
	_, err := newApp(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSnapshotMigrator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	legacy := migration.NewLegacyState()
	legacy.PutContext("orgA", "+15551234567", []conversation.Message{
		{Role: conversation.RoleCustomer, Channel: conversation.ChannelSMS, Content: "hello", Timestamp: time.Unix(1700000000, 0).UTC()},
	})
	legacy.PutLead("orgA", "+15551234567", "lead-1")
	require.NoError(t, legacy.SaveFile(path))

	store := cache.NewTiered(nil, cache.DefaultConfig(), zap.NewNop())
	repo := conversation.NewRepository(store, conversation.DefaultConfig(), zap.NewNop())

	m, err := newSnapshotMigrator(path, repo, true, zap.NewNop())
	require.NoError(t, err)

	report, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total())
	assert.Equal(t, 0, report.Remaining)

	msgs := repo.GetContext(context.Background(), "orgA", "+15551234567")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	// The drained snapshot is written back empty.
	reloaded, err := migration.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Len())
}

func TestTTLPolicy(t *testing.T) {
	c := config.Default().Cache
	p := ttlPolicy(c)
	assert.Equal(t, c.TTLMapping, p.Mapping)
	assert.Equal(t, c.TTLContext, p.Longest())

	c.TTLMapping = 12 * time.Hour
	assert.Equal(t, 12*time.Hour, ttlPolicy(c).Longest())
}

func TestRunHealth(t *testing.T) {
	status := "healthy"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/health/cache", r.URL.Path)
		_ = json.NewEncoder(w).Encode(httpapi.CacheHealthResponse{
			Status:          status,
			RemoteConnected: status == "healthy",
			HitRatio:        0.5,
		})
	}))
	defer srv.Close()

	old := serverURL
	serverURL = srv.URL
	defer func() { serverURL = old }()

	var out bytes.Buffer
	healthCmd.SetOut(&out)
	defer healthCmd.SetOut(nil)

	require.NoError(t, runHealth(healthCmd, nil))
	assert.Contains(t, out.String(), "Cache Status:     healthy")
	assert.Contains(t, out.String(), "Hit Ratio:        0.50")

	status = "degraded"
	assert.Error(t, runHealth(healthCmd, nil))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	printVersion(versionCmd)
	assert.Contains(t, out.String(), "Version:    dev")
}
