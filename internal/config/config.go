// Package config loads leadrelay configuration.
//
// Values come from, highest precedence first: environment variables, a YAML
// file, and the defaults in Default.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete leadrelay configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Cache         CacheConfig         `koanf:"cache"`
	Conversation  ConversationConfig  `koanf:"conversation"`
	Stream        StreamConfig        `koanf:"stream"`
	Webhook       WebhookConfig       `koanf:"webhook"`
	Archive       ArchiveConfig       `koanf:"archive"`
	Migration     MigrationConfig     `koanf:"migration"`
	Outbound      OutboundConfig      `koanf:"outbound"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// CacheConfig configures the dual-tier cache. An empty NATSURL runs the cache
// in fallback-only mode.
type CacheConfig struct {
	NATSURL            string        `koanf:"nats_url"`
	Bucket             string        `koanf:"bucket"`
	Replicas           int           `koanf:"replicas"`
	RemoteTimeout      time.Duration `koanf:"remote_timeout"`
	RetryInterval      time.Duration `koanf:"retry_interval"`
	FallbackMaxEntries int           `koanf:"fallback_max_entries"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	TTLContext         time.Duration `koanf:"ttl_context"`
	TTLMapping         time.Duration `koanf:"ttl_mapping"`
	TTLOrganization    time.Duration `koanf:"ttl_organization"`
	TTLEphemeral       time.Duration `koanf:"ttl_ephemeral"`
}

// ConversationConfig configures the conversation repository.
type ConversationConfig struct {
	MaxMessages int `koanf:"max_messages"`
}

// StreamConfig configures live dashboard streams.
type StreamConfig struct {
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	// MirrorSubject enables publishing every frame to NATS under this prefix.
	MirrorSubject string `koanf:"mirror_subject"`
	// AllowedOrigins are host patterns accepted on cross-origin websocket
	// upgrades.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// WebhookConfig configures inbound provider webhooks.
type WebhookConfig struct {
	VoiceSecret        Secret            `koanf:"voice_secret"`
	SignatureTolerance time.Duration     `koanf:"signature_tolerance"`
	SilenceThreshold   time.Duration     `koanf:"silence_threshold"`
	RateLimit          float64           `koanf:"rate_limit"`
	RateBurst          int               `koanf:"rate_burst"`
	DefaultOrg         string            `koanf:"default_org"`
	Numbers            map[string]string `koanf:"numbers"` // dialled number -> org id
}

// ArchiveConfig configures the Postgres archive. An empty DSN disables it.
type ArchiveConfig struct {
	DSN     Secret        `koanf:"dsn"`
	Timeout time.Duration `koanf:"timeout"`
}

// MigrationConfig configures the legacy state migration.
type MigrationConfig struct {
	SnapshotPath string `koanf:"snapshot_path"`
	RunOnStart   bool   `koanf:"run_on_start"`
}

// OutboundConfig configures the handoff of dashboard actions (manual texts,
// call starts) to the transport worker. Handoff needs cache.nats_url.
type OutboundConfig struct {
	Subject string `koanf:"subject"`
}

// LoggingConfig holds the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Insecure        bool   `koanf:"insecure"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Bucket:             "leadrelay",
			Replicas:           1,
			RemoteTimeout:      250 * time.Millisecond,
			RetryInterval:      5 * time.Second,
			FallbackMaxEntries: 10000,
			SweepInterval:      time.Minute,
			TTLContext:         4 * time.Hour,
			TTLMapping:         10 * time.Minute,
			TTLOrganization:    10 * time.Minute,
			TTLEphemeral:       30 * time.Second,
		},
		Conversation: ConversationConfig{MaxMessages: 50},
		Stream: StreamConfig{
			KeepaliveInterval: 25 * time.Second,
			WriteTimeout:      5 * time.Second,
		},
		Webhook: WebhookConfig{
			SignatureTolerance: 30 * time.Minute,
			SilenceThreshold:   5 * time.Second,
			RateLimit:          50,
			RateBurst:          100,
		},
		Archive:  ArchiveConfig{Timeout: 5 * time.Second},
		Outbound: OutboundConfig{Subject: "leadrelay.outbound"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{
			ServiceName: "leadrelay",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	positive := map[string]time.Duration{
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"cache.remote_timeout":      c.Cache.RemoteTimeout,
		"cache.retry_interval":      c.Cache.RetryInterval,
		"cache.sweep_interval":      c.Cache.SweepInterval,
		"cache.ttl_context":         c.Cache.TTLContext,
		"cache.ttl_mapping":         c.Cache.TTLMapping,
		"cache.ttl_organization":    c.Cache.TTLOrganization,
		"cache.ttl_ephemeral":       c.Cache.TTLEphemeral,
		"stream.keepalive_interval": c.Stream.KeepaliveInterval,
		"stream.write_timeout":      c.Stream.WriteTimeout,
		"archive.timeout":           c.Archive.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Conversation.MaxMessages < 1 {
		errs = append(errs, errors.New("conversation.max_messages must be at least 1"))
	}
	if c.Cache.FallbackMaxEntries < 0 {
		errs = append(errs, errors.New("cache.fallback_max_entries cannot be negative"))
	}
	if c.Outbound.Subject == "" {
		errs = append(errs, errors.New("outbound.subject is required"))
	}
	if c.Webhook.RateLimit < 0 || c.Webhook.RateBurst < 0 {
		errs = append(errs, errors.New("webhook rate limits cannot be negative"))
	}
	return errors.Join(errs...)
}
