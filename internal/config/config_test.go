package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "leadrelay")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.RemoteTimeout)
	assert.Equal(t, 4*time.Hour, cfg.Cache.TTLContext)
	assert.Equal(t, 50, cfg.Conversation.MaxMessages)
	assert.Equal(t, 25*time.Second, cfg.Stream.KeepaliveInterval)
	assert.Equal(t, 5*time.Second, cfg.Webhook.SilenceThreshold)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"remote timeout", func(c *Config) { c.Cache.RemoteTimeout = 0 }},
		{"context ttl", func(c *Config) { c.Cache.TTLContext = -time.Second }},
		{"max messages", func(c *Config) { c.Conversation.MaxMessages = 0 }},
		{"negative fallback", func(c *Config) { c.Cache.FallbackMaxEntries = -1 }},
		{"negative rate", func(c *Config) { c.Webhook.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9191
cache:
  nats_url: nats://cache:4222
  remote_timeout: 100ms
  ttl_context: 2h
webhook:
  voice_secret: s3cret
  numbers:
    "+15550001111": acme
stream:
  allowed_origins:
    - dashboard.example.com
outbound:
  subject: relay.out
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "nats://cache:4222", cfg.Cache.NATSURL)
	assert.Equal(t, 100*time.Millisecond, cfg.Cache.RemoteTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTLContext)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTLMapping, "unset keys keep defaults")
	assert.Equal(t, "s3cret", cfg.Webhook.VoiceSecret.Value())
	assert.Equal(t, "acme", cfg.Webhook.Numbers["+15550001111"])
	assert.Equal(t, []string{"dashboard.example.com"}, cfg.Stream.AllowedOrigins)
	assert.Equal(t, "relay.out", cfg.Outbound.Subject)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9191\n", 0600)
	t.Setenv("SERVER_HTTP_PORT", "9292")
	t.Setenv("CACHE_RETRY_INTERVAL", "2s")
	t.Setenv("CONVERSATION_MAX_MESSAGES", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Cache.RetryInterval)
	assert.Equal(t, 20, cfg.Conversation.MaxMessages)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9191\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")

	_, err := Load(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "conversation:\n  max_messages: 0\n", 0600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_messages")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "cache.nats_url", envKey("CACHE_NATS_URL"))
	assert.Equal(t, "webhook.voice_secret", envKey("WEBHOOK_VOICE_SECRET"))
	assert.Equal(t, "", envKey("HOME"))
	assert.Equal(t, "", envKey("GOPATH_EXTRA"))
}

func TestSecret_NeverSerialized(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")

	data, err := json.Marshal(struct{ S Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
