package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/referral-tracker/internal/config"
	"github.com/referral-tracker/internal/models"
	"github.com/referral-tracker/internal/registry"
	"github.com/referral-tracker/internal/vault"
	"github.com/referral-tracker/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)

	return &config.Config{
		Database: config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "tracker.db")},
		Queue: config.QueueConfig{
			Name:         "promoter",
			Concurrency:  1,
			Attempts:     3,
			BackoffDelay: time.Second,
			PollInterval: 50 * time.Millisecond,
		},
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second},
		Vault:    config.VaultConfig{EncryptionKey: key},
		Fanout:   config.FanoutConfig{Buffer: 4, Heartbeat: time.Second},
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.EncryptionKey = ""

	_, err := New(cfg, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNew_WiresComponents(t *testing.T) {
	a, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Repo.UpsertUser(ctx, &models.User{ID: "u1", Email: "ann@example.com"}))
	p, err := a.Registry.Create(ctx, "u1", registry.CreateInput{
		Source:   "https://acme.example.com",
		Email:    "promoter@example.com",
		Password: "correct-horse",
		Schedule: "*/15 * * * *",
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))

	sched, err := a.Queue.GetJobScheduler(ctx, registry.SchedulerKey(p.ID))
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, "*/15 * * * *", sched.Pattern)

	rec := httptest.NewRecorder()
	a.API().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))
}
