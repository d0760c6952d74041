package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	appDir            = "leadrelay"
)

// Load reads configuration from path (or the default path when empty), then
// applies environment overrides.
//
// The file must live in ~/.config/leadrelay/ or /etc/leadrelay/, have 0600 or
// 0400 permissions, and be at most 1MB. A missing file is not an error.
//
// Environment variables map to keys by splitting on the first underscore:
//
//	CACHE_NATS_URL          -> cache.nats_url
//	SERVER_HTTP_PORT        -> server.http_port
//	WEBHOOK_VOICE_SECRET    -> webhook.voice_secret
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".config", appDir, "config.yaml")
	}
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}
	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	// Decoding onto the defaults keeps every value the sources leave unset.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var sections = map[string]bool{
	"server": true, "cache": true, "conversation": true, "stream": true,
	"webhook": true, "archive": true, "migration": true, "outbound": true, "logging": true,
	"observability": true,
}

// envKey maps SECTION_FIELD_NAME to section.field_name. Variables outside the
// known sections map to "" and are ignored.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(s), "_")
	if !ok || !sections[section] {
		return ""
	}
	return section + "." + field
}

// readConfigFile returns nil content when path does not exist. Properties are
// checked on the opened descriptor so the file cannot be swapped in between.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxConfigFileSize))
}

// validateConfigPath rejects files outside the allowed config directories.
func validateConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", appDir), filepath.Join("/etc", appDir)} {
		if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/%s/ or /etc/%s/", appDir, appDir)
}
