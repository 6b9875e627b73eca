package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.True(t, cfg.Proxy.Allow)
	assert.Equal(t, "netxfer.db", cfg.Journal.DBPath)
	assert.Equal(t, 168*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, time.Hour, cfg.Journal.CleanupInterval)
	assert.Equal(t, "127.0.0.1:9092", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ShutdownTimeout)
	assert.Empty(t, cfg.WebhookURL)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("NETXFER_LOG_LEVEL", "debug")
	t.Setenv("NETXFER_MAX_CONCURRENT", "2")
	t.Setenv("NETXFER_THROTTLE_RPS", "10")
	t.Setenv("NETXFER_PROXY_ALLOW", "false")
	t.Setenv("NETXFER_PROXY_USER_PWD", "u:p")
	t.Setenv("NETXFER_JOURNAL_DB_PATH", "/tmp/x.db")
	t.Setenv("NETXFER_WEB_BIND_ADDRESS", "0.0.0.0:8080")
	t.Setenv("NETXFER_WEBHOOK_URL", "https://hooks.example.test/x")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 10, cfg.Throttle.RPS)
	assert.False(t, cfg.Proxy.Allow)
	assert.Equal(t, "u:p", cfg.Proxy.UserPwd)
	assert.Equal(t, "/tmp/x.db", cfg.Journal.DBPath)
	assert.Equal(t, "0.0.0.0:8080", cfg.Web.BindAddress)
	assert.Equal(t, "https://hooks.example.test/x", cfg.WebhookURL)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "log level", key: "NETXFER_LOG_LEVEL", val: "LOUD"},
		{name: "negative concurrency", key: "NETXFER_MAX_CONCURRENT", val: "-1"},
		{name: "webhook", key: "NETXFER_WEBHOOK_URL", val: "not a url"},
		{name: "bind address", key: "NETXFER_WEB_BIND_ADDRESS", val: "nowhere"},
		{name: "not a number", key: "NETXFER_THROTTLE_BURST", val: "many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
	}

	for in, want := range tests {
		c := Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel(), in)
	}
}
