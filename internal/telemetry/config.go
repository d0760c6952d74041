package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/leadrelay/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" or "http/protobuf"
	ServiceName     string
	ServiceVersion  string
	Insecure        bool
	SampleRate      float64
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns disabled telemetry with local collector defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "leadrelay",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1.0,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromObservability builds a Config from the operator-facing section.
func FromObservability(o config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = o.EnableTelemetry
	if o.Endpoint != "" {
		cfg.Endpoint = o.Endpoint
	}
	if o.ServiceName != "" {
		cfg.ServiceName = o.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = o.Insecure
	return cfg
}

// Validate checks the configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	case c.ServiceName == "":
		return fmt.Errorf("service name is required when telemetry is enabled")
	case c.Protocol != "grpc" && c.Protocol != "http/protobuf":
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	case c.SampleRate < 0 || c.SampleRate > 1:
		return fmt.Errorf("sample rate must be between 0 and 1, got %v", c.SampleRate)
	case c.ExportInterval <= 0 || c.ShutdownTimeout <= 0:
		return fmt.Errorf("export interval and shutdown timeout must be positive")
	case c.Insecure && !isLocalEndpoint(c.Endpoint):
		return fmt.Errorf("insecure export is only allowed to a local endpoint, got %q", c.Endpoint)
	}
	return nil
}

// isLocalEndpoint reports whether endpoint names a loopback host.
func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
