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

var testMasterKey = strings.Repeat("ab", 32)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("KEYSHARE_MASTER_KEY", testMasterKey)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "memory://", cfg.Store.URL)
	assert.Equal(t, 10*time.Minute, cfg.Shares.DefaultTTL)
	assert.Equal(t, 5, cfg.Shares.MaxAttempts)
	assert.Equal(t, 5, cfg.RateLimit.RetrieveAttempts)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "0.0.0.0:4000", cfg.Addr())

	keys, err := cfg.Keys()
	require.NoError(t, err)
	assert.Len(t, keys.Master, 32)
	assert.Empty(t, keys.Hash)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5000
store:
  url: redis://localhost:6379/0
shares:
  default_ttl: 15m
  max_attempts: 3
audit:
  sink: file
  path: /var/log/keyshare/audit.jsonl
`), 0o600))

	t.Setenv("KEYSHARE_MASTER_KEY", testMasterKey)
	t.Setenv("KEYSHARE_PORT", "4100")
	t.Setenv("KEYSHARE_TTL_MINUTES", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.URL)
	assert.Equal(t, 20*time.Minute, cfg.Shares.DefaultTTL)
	assert.Equal(t, 3, cfg.Shares.MaxAttempts)
	assert.Equal(t, "file", cfg.Audit.Sink)
}

func TestLoad_StoreURLPrecedence(t *testing.T) {
	t.Setenv("KEYSHARE_MASTER_KEY", testMasterKey)
	t.Setenv("DATABASE_URL", "postgres://localhost/keyshare")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/keyshare", cfg.Store.URL)

	t.Setenv("KEYSHARE_STORE_URL", "redis://cache:6379")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379", cfg.Store.URL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("KEYSHARE_MASTER_KEY", testMasterKey)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing master key", func(c *Config) { c.Crypto.MasterKey = "" }, "master key is required"},
		{"short master key", func(c *Config) { c.Crypto.MasterKey = "abcd" }, "master key must be"},
		{"non-hex master key", func(c *Config) { c.Crypto.MasterKey = strings.Repeat("zz", 32) }, "master key"},
		{"bad hash key", func(c *Config) { c.Crypto.HashKey = "xyz" }, "hash key"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"unknown store", func(c *Config) { c.Store.URL = "mongodb://localhost" }, "invalid store url scheme"},
		{"default ttl above max", func(c *Config) { c.Shares.DefaultTTL = 48 * time.Hour }, "default_ttl"},
		{"max below min", func(c *Config) { c.Shares.MaxTTL = 30 * time.Second }, "max_ttl"},
		{"zero attempts", func(c *Config) { c.Shares.MaxAttempts = 0 }, "max_attempts"},
		{"file sink without path", func(c *Config) { c.Audit.Sink = "file" }, "audit path"},
		{"unknown sink", func(c *Config) { c.Audit.Sink = "syslog" }, "invalid audit sink"},
		{"postgres sink on memory store", func(c *Config) { c.Audit.Sink = "postgres" }, "requires a postgres store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Crypto.MasterKey = testMasterKey
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
