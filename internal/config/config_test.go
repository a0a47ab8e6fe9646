package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "promoter", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffDelay)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, "https://api.fprom.io/api/affiliate/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Fanout.Heartbeat)
	assert.False(t, cfg.Email.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"queue:",
		"  concurrency: 8",
		"upstream:",
		"  timeout: 5s",
		"vault:",
		"  encryption_key: " + testKey,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("TRACKER_WEBHOOK_URL", "https://hooks.example.com/promoter")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, "https://hooks.example.com/promoter", cfg.Webhook.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MOCK_API_URL", "http://localhost:9999")
	t.Setenv("CREDENTIALS_ENCRYPTION_KEY", testKey)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9999", cfg.Upstream.BaseURL)
	assert.Equal(t, testKey, cfg.Vault.EncryptionKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Queue:    QueueConfig{Concurrency: 1, Attempts: 3},
			Upstream: UpstreamConfig{BaseURL: "http://x"},
			Vault:    VaultConfig{EncryptionKey: testKey},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing key", mutate: func(c *Config) { c.Vault.EncryptionKey = "" }, wantErr: "vault.encryption_key is required"},
		{name: "short key", mutate: func(c *Config) { c.Vault.EncryptionKey = "abcd" }, wantErr: "64 hex characters"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Queue.Concurrency = 0 }, wantErr: "queue.concurrency"},
		{name: "email without host", mutate: func(c *Config) { c.Email.Enabled = true }, wantErr: "email.smtp_host"},
		{name: "sheets without id", mutate: func(c *Config) { c.Sheets.Enabled = true }, wantErr: "sheets.spreadsheet_id"},
		{name: "sheets without credentials", mutate: func(c *Config) {
			c.Sheets.Enabled = true
			c.Sheets.SpreadsheetID = "abc"
		}, wantErr: "sheets.credentials_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
