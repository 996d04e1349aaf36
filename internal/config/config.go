// Package config loads the controller configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML or TOML
// file, HYBRIDMAC_* environment variables, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

// EnvConfigFile names the file loaded when no path is given.
const EnvConfigFile = "HYBRIDMAC_CONFIG"

// Config represents the complete controller configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon" toml:"daemon"`
	Superframe SuperframeConfig `yaml:"superframe" toml:"superframe"`
	Control    ControlConfig    `yaml:"control" toml:"control"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle" toml:"lifecycle"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Audit      AuditConfig      `yaml:"audit" toml:"audit"`
	API        APIConfig        `yaml:"api" toml:"api"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Slots      []SlotConfig     `yaml:"slots" toml:"slots"`
}

// DaemonConfig holds the scheduling daemon invocation.
type DaemonConfig struct {
	Binary     string `yaml:"binary" toml:"binary"`
	Interface  string `yaml:"interface" toml:"interface"`
	DebugLevel int    `yaml:"debugLevel" toml:"debugLevel"`
}

// SuperframeConfig fixes the TDMA frame layout.
type SuperframeConfig struct {
	SlotCount      int   `yaml:"slotCount" toml:"slotCount"`
	SlotDurationUs int64 `yaml:"slotDurationUs" toml:"slotDurationUs"`
}

// ControlConfig holds the control channel settings.
type ControlConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	TimeoutMs   int    `yaml:"timeoutMs" toml:"timeoutMs"`
	DialRetryMs int    `yaml:"dialRetryMs" toml:"dialRetryMs"`
}

// LifecycleConfig holds uninstall and readiness timing.
type LifecycleConfig struct {
	GracePeriodMs   int `yaml:"gracePeriodMs" toml:"gracePeriodMs"`
	ReadyAttempts   int `yaml:"readyAttempts" toml:"readyAttempts"`
	ReadyIntervalMs int `yaml:"readyIntervalMs" toml:"readyIntervalMs"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" toml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
}

// AuditConfig holds the audit trail location.
type AuditConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" toml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
}

// APIConfig holds the operator HTTP server settings.
type APIConfig struct {
	Listen         string `yaml:"listen" toml:"listen"`
	ReadTimeoutSec int    `yaml:"readTimeoutSec" toml:"readTimeoutSec"`
	// WriteTimeoutSec must exceed UninstallBudget so a lifecycle request
	// answers before the connection is cut. Zero disables the timeout.
	WriteTimeoutSec int `yaml:"writeTimeoutSec" toml:"writeTimeoutSec"`
	// EventBufferSize is the number of events kept for stream resume.
	EventBufferSize int `yaml:"eventBufferSize" toml:"eventBufferSize"`
	HeartbeatSec    int `yaml:"heartbeatSec" toml:"heartbeatSec"`
}

// AuthConfig selects bearer token verification. An empty Algorithm leaves the
// API unauthenticated.
type AuthConfig struct {
	Algorithm     string `yaml:"algorithm" toml:"algorithm"`
	Secret        string `yaml:"secret" toml:"secret"`
	PublicKeyFile string `yaml:"publicKeyFile" toml:"publicKeyFile"`
}

// SlotConfig declares the initial policy of one slot.
type SlotConfig struct {
	Slot     int           `yaml:"slot" toml:"slot"`
	AllowAll bool          `yaml:"allowAll" toml:"allowAll"`
	Entries  []EntryConfig `yaml:"entries" toml:"entries"`
	ToS      []ToSConfig   `yaml:"tos" toml:"tos"`
}

// EntryConfig is one address with an explicit TID mask.
type EntryConfig struct {
	Address string `yaml:"address" toml:"address"`
	Mask    int    `yaml:"mask" toml:"mask"`
}

// ToSConfig admits an address for the TIDs derived from ToS values.
type ToSConfig struct {
	Address string `yaml:"address" toml:"address"`
	Values  []int  `yaml:"values" toml:"values"`
}

// Load resolves the configuration. An empty path falls back to
// $HYBRIDMAC_CONFIG; with neither set only defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Binary:     "hybrid-mac",
			Interface:  "wlan0",
			DebugLevel: 0,
		},
		Superframe: SuperframeConfig{
			SlotCount:      10,
			SlotDurationUs: 20000,
		},
		Control: ControlConfig{
			Endpoint:    "127.0.0.1:" + strconv.Itoa(control.DefaultPort),
			TimeoutMs:   int(control.DefaultTimeout / time.Millisecond),
			DialRetryMs: 100,
		},
		Lifecycle: LifecycleConfig{
			GracePeriodMs:   int(lifecycle.DefaultGracePeriod / time.Millisecond),
			ReadyAttempts:   20,
			ReadyIntervalMs: 50,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Audit: AuditConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		API: APIConfig{
			Listen:          "127.0.0.1:8717",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 30,
			EventBufferSize: 256,
			HeartbeatSec:    15,
		},
	}
}

// LoadFile overlays a YAML (.yaml, .yml) or TOML (.toml) file onto cfg.
func LoadFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, cfg)
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(filename))
	}
}

// applyEnvOverrides applies HYBRIDMAC_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"HYBRIDMAC_BINARY", &cfg.Daemon.Binary},
		{"HYBRIDMAC_INTERFACE", &cfg.Daemon.Interface},
		{"HYBRIDMAC_CONTROL_ENDPOINT", &cfg.Control.Endpoint},
		{"HYBRIDMAC_LOG_LEVEL", &cfg.Log.Level},
		{"HYBRIDMAC_LOG_FILE", &cfg.Log.File},
		{"HYBRIDMAC_AUDIT_FILE", &cfg.Audit.File},
		{"HYBRIDMAC_API_LISTEN", &cfg.API.Listen},
		{"HYBRIDMAC_AUTH_ALGORITHM", &cfg.Auth.Algorithm},
		{"HYBRIDMAC_AUTH_SECRET", &cfg.Auth.Secret},
		{"HYBRIDMAC_AUTH_PUBLIC_KEY_FILE", &cfg.Auth.PublicKeyFile},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HYBRIDMAC_DEBUG_LEVEL", &cfg.Daemon.DebugLevel},
		{"HYBRIDMAC_SLOT_COUNT", &cfg.Superframe.SlotCount},
		{"HYBRIDMAC_CONTROL_TIMEOUT_MS", &cfg.Control.TimeoutMs},
		{"HYBRIDMAC_GRACE_PERIOD_MS", &cfg.Lifecycle.GracePeriodMs},
		{"HYBRIDMAC_READY_ATTEMPTS", &cfg.Lifecycle.ReadyAttempts},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}

	if v := os.Getenv("HYBRIDMAC_SLOT_DURATION_US"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HYBRIDMAC_SLOT_DURATION_US: %w", err)
		}
		cfg.Superframe.SlotDurationUs = n
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Daemon.Binary == "" {
		return fmt.Errorf("daemon binary must be set")
	}
	if c.Daemon.Interface == "" {
		return fmt.Errorf("daemon interface must be set")
	}
	if c.Daemon.DebugLevel < 0 {
		return fmt.Errorf("debug level %d must not be negative", c.Daemon.DebugLevel)
	}
	if err := c.Superframe.frame().Validate(); err != nil {
		return fmt.Errorf("superframe: %w", err)
	}
	if c.Control.Endpoint == "" {
		return fmt.Errorf("control endpoint must be set")
	}
	if c.Control.TimeoutMs <= 0 || c.Control.TimeoutMs > 60000 {
		return fmt.Errorf("control timeout %d ms is outside range [1, 60000]", c.Control.TimeoutMs)
	}
	if c.Lifecycle.GracePeriodMs <= 0 {
		return fmt.Errorf("grace period %d ms must be positive", c.Lifecycle.GracePeriodMs)
	}
	if c.Lifecycle.ReadyAttempts < 0 {
		return fmt.Errorf("ready attempts %d must not be negative", c.Lifecycle.ReadyAttempts)
	}
	if c.Lifecycle.ReadyIntervalMs < 0 || (c.Lifecycle.ReadyAttempts > 0 && c.Lifecycle.ReadyIntervalMs == 0) {
		return fmt.Errorf("ready interval %d ms must be positive when ready attempts are set", c.Lifecycle.ReadyIntervalMs)
	}

	if c.API.EventBufferSize < 0 || c.API.HeartbeatSec < 0 {
		return fmt.Errorf("event buffer size and heartbeat must not be negative")
	}
	if c.API.WriteTimeoutSec < 0 {
		return fmt.Errorf("write timeout %d s must not be negative", c.API.WriteTimeoutSec)
	}
	if wt := time.Duration(c.API.WriteTimeoutSec) * time.Second; wt > 0 && wt <= c.UninstallBudget() {
		return fmt.Errorf("write timeout %s must exceed the uninstall budget %s", wt, c.UninstallBudget())
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be console or json", c.Log.Format)
	}

	switch c.Auth.Algorithm {
	case "":
	case "HS256":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth algorithm HS256 requires a secret")
		}
	case "RS256":
		if c.Auth.PublicKeyFile == "" {
			return fmt.Errorf("auth algorithm RS256 requires a public key file")
		}
	default:
		return fmt.Errorf("unsupported auth algorithm %q", c.Auth.Algorithm)
	}

	// Slot policies are checked against the frame by building a table.
	if _, err := c.BuildTable(); err != nil {
		return err
	}
	return nil
}

func (s SuperframeConfig) frame() policy.Superframe {
	return policy.Superframe{
		SlotCount:    s.SlotCount,
		SlotDuration: time.Duration(s.SlotDurationUs) * time.Microsecond,
	}
}

// Frame returns the configured frame layout.
func (c *Config) Frame() policy.Superframe {
	return c.Superframe.frame()
}

// BuildTable returns a table holding the declared slot policies.
func (c *Config) BuildTable() (*policy.Table, error) {
	table := policy.NewTable(c.Superframe.frame())
	for _, sc := range c.Slots {
		if err := sc.apply(table); err != nil {
			return nil, fmt.Errorf("slot %d: %w", sc.Slot, err)
		}
	}
	return table, nil
}

func (s SlotConfig) apply(t *policy.Table) error {
	if s.AllowAll {
		if err := t.SetAllowAll(s.Slot); err != nil {
			return err
		}
	}

	if len(s.Entries) > 0 {
		current, err := t.Policy(s.Slot)
		if err != nil {
			return err
		}
		for _, e := range s.Entries {
			addr, err := policy.ParseAddress(e.Address)
			if err != nil {
				return err
			}
			if e.Mask < 0 || e.Mask > 0xFF {
				return fmt.Errorf("mask %d for %s is outside range [0, 255]", e.Mask, addr)
			}
			current = append(current, policy.Entry{Address: addr, Mask: policy.TIDMask(e.Mask)})
		}
		if err := t.SetPolicy(s.Slot, current); err != nil {
			return err
		}
	}

	for _, ts := range s.ToS {
		addr, err := policy.ParseAddress(ts.Address)
		if err != nil {
			return err
		}
		values := make([]uint8, 0, len(ts.Values))
		for _, v := range ts.Values {
			if v < 0 || v > 0xFF {
				return fmt.Errorf("tos %d for %s is outside range [0, 255]", v, addr)
			}
			values = append(values, uint8(v))
		}
		if err := t.AddEntryByToS(s.Slot, addr, values); err != nil {
			return err
		}
	}
	return nil
}

// UninstallBudget is the longest an uninstall can take: a full readiness
// probe, the final push, the grace period and TERMINATE.
func (c *Config) UninstallBudget() time.Duration {
	timeout := time.Duration(c.Control.TimeoutMs) * time.Millisecond
	interval := time.Duration(c.Lifecycle.ReadyIntervalMs) * time.Millisecond
	ready := time.Duration(c.Lifecycle.ReadyAttempts) * (interval + control.ReadyDialTimeout)
	grace := time.Duration(c.Lifecycle.GracePeriodMs) * time.Millisecond
	return ready + 2*timeout + grace
}

// ChannelConfig returns the control channel settings.
func (c *Config) ChannelConfig() control.Config {
	def := control.DefaultConfig()
	return control.Config{
		Endpoint:    c.Control.Endpoint,
		Timeout:     time.Duration(c.Control.TimeoutMs) * time.Millisecond,
		DialTimeout: def.DialTimeout,
		DialRetry:   time.Duration(c.Control.DialRetryMs) * time.Millisecond,
	}
}

// ControllerConfig returns the lifecycle controller settings.
func (c *Config) ControllerConfig() lifecycle.Config {
	return lifecycle.Config{
		Binary:        c.Daemon.Binary,
		Interface:     c.Daemon.Interface,
		DebugLevel:    c.Daemon.DebugLevel,
		GracePeriod:   time.Duration(c.Lifecycle.GracePeriodMs) * time.Millisecond,
		ReadyEndpoint: c.Control.Endpoint,
		ReadyAttempts: c.Lifecycle.ReadyAttempts,
		ReadyInterval: time.Duration(c.Lifecycle.ReadyIntervalMs) * time.Millisecond,
	}
}
