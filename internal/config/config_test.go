package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-graviton/hybridmac/internal/policy"
	"github.com/freifunk-graviton/hybridmac/internal/schedconf"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:1217", cfg.Control.Endpoint)
	assert.Equal(t, 1000, cfg.Control.TimeoutMs)
	assert.Equal(t, 2000, cfg.Lifecycle.GracePeriodMs)

	frame := cfg.Frame()
	assert.Equal(t, 10, frame.SlotCount)
	assert.Equal(t, 20*time.Millisecond, frame.SlotDuration)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

const sampleYAML = `
daemon:
  binary: /usr/sbin/hybrid-mac
  interface: mesh0
  debugLevel: 2
superframe:
  slotCount: 4
  slotDurationUs: 1500
slots:
  - slot: 0
    allowAll: true
  - slot: 2
    entries:
      - address: "02:00:00:00:00:0b"
        mask: 3
    tos:
      - address: "02:00:00:00:00:0a"
        values: [14, 0]
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "hybridmac.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/usr/sbin/hybrid-mac", cfg.Daemon.Binary)
	assert.Equal(t, "mesh0", cfg.Daemon.Interface)
	assert.Equal(t, 2, cfg.Daemon.DebugLevel)
	assert.Equal(t, 1000, cfg.Control.TimeoutMs, "unset keys keep defaults")

	table, err := cfg.BuildTable()
	require.NoError(t, err)
	assert.Equal(t,
		"0,FF:FF:FF:FF:FF:FF,255#2,02:00:00:00:00:0A,129#2,02:00:00:00:00:0B,3",
		schedconf.Serialize(table))
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "hybridmac.toml", `
[daemon]
interface = "mesh1"

[superframe]
slotCount = 2
slotDurationUs = 500

[[slots]]
slot = 1
allowAll = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mesh1", cfg.Daemon.Interface)
	assert.Equal(t, 500*time.Microsecond, cfg.Frame().SlotDuration)

	table, err := cfg.BuildTable()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, table.Slots())
}

func TestLoadFileErrors(t *testing.T) {
	cases := map[string]struct {
		name    string
		content string
	}{
		"unknown yaml key":   {"a.yaml", "daemon:\n  binray: x\n"},
		"unknown toml key":   {"a.toml", "[daemon]\nbinray = \"x\"\n"},
		"bad yaml":           {"a.yml", "daemon: [\n"},
		"unsupported format": {"a.json", "{}"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := LoadFile(Default(), writeFile(t, tc.name, tc.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "hybridmac.yaml", sampleYAML)
	t.Setenv("HYBRIDMAC_INTERFACE", "wlan9")
	t.Setenv("HYBRIDMAC_CONTROL_TIMEOUT_MS", "250")
	t.Setenv("HYBRIDMAC_SLOT_DURATION_US", "2000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wlan9", cfg.Daemon.Interface)
	assert.Equal(t, 250, cfg.Control.TimeoutMs)
	assert.Equal(t, int64(2000), cfg.Superframe.SlotDurationUs)
	assert.Equal(t, "/usr/sbin/hybrid-mac", cfg.Daemon.Binary)
}

func TestEnvConfigFile(t *testing.T) {
	t.Setenv(EnvConfigFile, writeFile(t, "hybridmac.yaml", sampleYAML))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mesh0", cfg.Daemon.Interface)
}

func TestEnvOverrideRejectsNonNumeric(t *testing.T) {
	t.Setenv("HYBRIDMAC_SLOT_COUNT", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "HYBRIDMAC_SLOT_COUNT")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no binary", func(c *Config) { c.Daemon.Binary = "" }},
		{"no interface", func(c *Config) { c.Daemon.Interface = "" }},
		{"zero slots", func(c *Config) { c.Superframe.SlotCount = 0 }},
		{"zero duration", func(c *Config) { c.Superframe.SlotDurationUs = 0 }},
		{"timeout too long", func(c *Config) { c.Control.TimeoutMs = 120000 }},
		{"zero grace", func(c *Config) { c.Lifecycle.GracePeriodMs = 0 }},
		{"zero ready interval", func(c *Config) { c.Lifecycle.ReadyIntervalMs = 0 }},
		{"negative ready interval", func(c *Config) { c.Lifecycle.ReadyIntervalMs = -5 }},
		{"negative write timeout", func(c *Config) { c.API.WriteTimeoutSec = -1 }},
		{"write timeout under uninstall budget", func(c *Config) { c.API.WriteTimeoutSec = 5 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"hs256 without secret", func(c *Config) { c.Auth.Algorithm = "HS256" }},
		{"rs256 without key", func(c *Config) { c.Auth.Algorithm = "RS256" }},
		{"unknown algorithm", func(c *Config) { c.Auth.Algorithm = "none" }},
		{"slot out of range", func(c *Config) {
			c.Slots = []SlotConfig{{Slot: 10, AllowAll: true}}
		}},
		{"bad address", func(c *Config) {
			c.Slots = []SlotConfig{{Slot: 1, Entries: []EntryConfig{{Address: "nope", Mask: 1}}}}
		}},
		{"mask too wide", func(c *Config) {
			c.Slots = []SlotConfig{{Slot: 1, Entries: []EntryConfig{{Address: "02:00:00:00:00:01", Mask: 256}}}}
		}},
		{"tos too wide", func(c *Config) {
			c.Slots = []SlotConfig{{Slot: 1, ToS: []ToSConfig{{Address: "02:00:00:00:00:01", Values: []int{300}}}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestReadyAndWriteTimeoutBounds(t *testing.T) {
	cfg := Default()
	// 20 x (50ms + 500ms) probe, 2 x 1s round trips, 2s grace.
	assert.Equal(t, 15*time.Second, cfg.UninstallBudget())

	cfg.Lifecycle.ReadyAttempts = 0
	cfg.Lifecycle.ReadyIntervalMs = 0
	assert.NoError(t, cfg.Validate(), "interval is irrelevant without a probe")
	assert.Equal(t, 4*time.Second, cfg.UninstallBudget())

	cfg.API.WriteTimeoutSec = 4
	assert.ErrorContains(t, cfg.Validate(), "uninstall budget")
	cfg.API.WriteTimeoutSec = 5
	assert.NoError(t, cfg.Validate())
	cfg.API.WriteTimeoutSec = 0
	assert.NoError(t, cfg.Validate(), "zero disables the write timeout")
}

func TestSlotOutOfRangeIsTyped(t *testing.T) {
	cfg := Default()
	cfg.Slots = []SlotConfig{{Slot: -1, AllowAll: true}}
	_, err := cfg.BuildTable()
	assert.ErrorIs(t, err, policy.ErrOutOfRange)
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.Control.Endpoint = "127.0.0.1:2000"
	cfg.Control.TimeoutMs = 300
	cfg.Lifecycle.GracePeriodMs = 500

	ch := cfg.ChannelConfig()
	assert.Equal(t, "127.0.0.1:2000", ch.Endpoint)
	assert.Equal(t, 300*time.Millisecond, ch.Timeout)
	assert.Equal(t, 100*time.Millisecond, ch.DialRetry)

	lc := cfg.ControllerConfig()
	assert.Equal(t, 500*time.Millisecond, lc.GracePeriod)
	assert.Equal(t, "127.0.0.1:2000", lc.ReadyEndpoint)
	assert.Equal(t, 20, lc.ReadyAttempts)
	assert.Equal(t, "wlan0", lc.Interface)
}

func TestLoadSampleConfig(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg, err := Load(filepath.Join("..", "..", "config", "hybridmac.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/var/log/hybridmac/audit.jsonl", cfg.Audit.File)
	assert.Equal(t, 256, cfg.API.EventBufferSize)

	table, err := cfg.BuildTable()
	require.NoError(t, err)
	// ToS 0xB8 maps to TID 4, ToS 0 to TID 0.
	assert.Equal(t,
		"0,FF:FF:FF:FF:FF:FF,255#1,02:00:00:00:00:0A,255#2,02:00:00:00:00:0B,17",
		schedconf.Serialize(table))
}
