// Package config loads the messaging client configuration from a TOML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "SPHERE_MSG_CONFIG"
	EnvRelayURL     = "SPHERE_RELAY_URL"
	EnvNostrSecret  = "SPHERE_NOSTR_SECRET"
	EnvTelemetry    = "SPHERE_TELEMETRY"
	EnvOTLPEndpoint = "SPHERE_OTLP_ENDPOINT"
	EnvSelfCopy     = "SPHERE_SELF_COPY"
)

// DefaultRelayURL is the marketplace testnet relay.
const DefaultRelayURL = "wss://nostr-relay.testnet.unicity.network"

// MessagingConfig is the on-disk configuration (config.toml).
type MessagingConfig struct {
	RelayURL          string `toml:"relay_url"`
	MinBackoffMS      int    `toml:"min_backoff_ms"`
	MaxBackoffMS      int    `toml:"max_backoff_ms"`
	MaxPendingPublish int    `toml:"max_pending_publish"`
	UnwrapConcurrency int    `toml:"unwrap_concurrency"`
	ReadLimitBytes    int64  `toml:"read_limit_bytes"`
	SelfCopy          bool   `toml:"self_copy"`

	// RuntimeDir holds the listener lock file.
	RuntimeDir string `toml:"runtime_dir"`

	Telemetry TelemetryConfig `toml:"telemetry"`

	// Secret is the development signer key. It is only ever read from the
	// environment, never from the file.
	Secret string `toml:"-"`
}

// TelemetryConfig selects OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *MessagingConfig {
	return &MessagingConfig{
		RelayURL:          DefaultRelayURL,
		MinBackoffMS:      1000,
		MaxBackoffMS:      30000,
		MaxPendingPublish: 1000,
		UnwrapConcurrency: 4,
		ReadLimitBytes:    1 << 20,
		RuntimeDir:        defaultRuntimeDir(),
	}
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "spheremsg", "config.toml")
}

func defaultRuntimeDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "spheremsg")
	}
	return filepath.Join(os.TempDir(), "spheremsg")
}

// Load reads the configuration. The path argument wins over
// SPHERE_MSG_CONFIG; with neither set, the default path is tried and may be
// absent. Environment overrides are applied last, then the result is
// validated.
func Load(path string) (*MessagingConfig, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath()
		explicit = false
	}

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		switch {
		case err == nil:
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, 0, len(undecoded))
				for _, k := range undecoded {
					keys = append(keys, k.String())
				}
				sort.Strings(keys)
				return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			// No config file is fine.
		default:
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *MessagingConfig) applyEnv() {
	if v := os.Getenv(EnvRelayURL); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.Endpoint = v
	}
	c.Telemetry.Enabled = envBool(EnvTelemetry, c.Telemetry.Enabled)
	c.SelfCopy = envBool(EnvSelfCopy, c.SelfCopy)
	c.Secret = strings.TrimSpace(os.Getenv(EnvNostrSecret))
}

// Validate checks the configuration for values the client cannot run with.
func (c *MessagingConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url is empty")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("relay_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay_url %q: scheme must be ws or wss", c.RelayURL)
	}
	if u.Host == "" {
		return fmt.Errorf("relay_url %q: missing host", c.RelayURL)
	}
	if c.MinBackoffMS <= 0 {
		return fmt.Errorf("min_backoff_ms must be positive, got %d", c.MinBackoffMS)
	}
	if c.MaxBackoffMS < c.MinBackoffMS {
		return fmt.Errorf("max_backoff_ms (%d) is less than min_backoff_ms (%d)", c.MaxBackoffMS, c.MinBackoffMS)
	}
	if c.MaxPendingPublish < 0 {
		return fmt.Errorf("max_pending_publish cannot be negative")
	}
	if c.UnwrapConcurrency < 1 {
		return fmt.Errorf("unwrap_concurrency must be at least 1, got %d", c.UnwrapConcurrency)
	}
	if c.ReadLimitBytes < 0 {
		return fmt.Errorf("read_limit_bytes cannot be negative")
	}
	if u.Scheme == "ws" {
		log.Printf("[config] relay %s is not using TLS", c.RelayURL)
	}
	return nil
}

// MinBackoff returns min_backoff_ms as a duration.
func (c *MessagingConfig) MinBackoff() time.Duration {
	return time.Duration(c.MinBackoffMS) * time.Millisecond
}

// MaxBackoff returns max_backoff_ms as a duration.
func (c *MessagingConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// envBool reads a boolean from the environment, falling back to defaultVal
// when unset or unrecognized.
func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	default:
		return defaultVal
	}
}
