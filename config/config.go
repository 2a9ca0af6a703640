// Package config loads the node's build-time parameters from a YAML file,
// with environment-variable overrides for the handful of settings worth
// flipping without a redeploy.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RadioProfile carries the declared radio parameters mac.DeriveTiming needs.
type RadioProfile struct {
	PreambleSymbols int     `yaml:"preamble_symbols"`
	BitRateKbps     float64 `yaml:"bit_rate_kbps"`
	MaxFrameBytes   int     `yaml:"max_frame_bytes"`
	MarginMicros    int     `yaml:"margin_micros"`
}

// Network names the UDP multicast group a non-simulated node transmits and
// listens on, standing in for a physical radio's device-address/network-ID
// configuration.
type Network struct {
	MulticastAddr string `yaml:"multicast_addr"`
	Iface         string `yaml:"iface"`
}

// Reporting selects which output sinks are active.
type Reporting struct {
	ConsoleMode      string `yaml:"console_mode"` // parsed but not consulted; the console is selected by ui.mode
	WebsocketEnabled bool   `yaml:"websocket_enabled"`
	WebsocketAddr    string `yaml:"websocket_addr"`
	MQTTEnabled      bool   `yaml:"mqtt_enabled"`
	MQTTBroker       string `yaml:"mqtt_broker"`
	TelemetryPath    string `yaml:"telemetry_path"`
}

// PaneLines sizes each ring buffer in the ANSI console.
type PaneLines struct {
	Peers  int `yaml:"peers"`
	Ranges int `yaml:"ranges"`
	System int `yaml:"system"`
}

// UIConfig controls the root-package ansiConsole: refresh interval, color,
// clear-screen, and per-pane line counts.
type UIConfig struct {
	Mode        string    `yaml:"mode"` // "ansi" or "" (disabled)
	RefreshMS   int       `yaml:"refresh_ms"`
	Color       bool      `yaml:"color"`
	ClearScreen bool      `yaml:"clear_screen"`
	PaneLines   PaneLines `yaml:"pane_lines"`
}

// Config is the full set of node build-time parameters.
type Config struct {
	OurID                 uint8        `yaml:"our_id"`
	NumDevices            int          `yaml:"num_devices"`
	DelayTimeUS           int          `yaml:"delay_time_us"`
	DelayUntilAssumedLost int          `yaml:"delay_until_assumed_lost"`
	EvictionThreshold     int          `yaml:"eviction_threshold"`
	Radio                 RadioProfile `yaml:"radio"`
	Network               Network      `yaml:"network"`
	CalibPath             string       `yaml:"calib_path"`
	Reporting             Reporting    `yaml:"reporting"`
	UI                    UIConfig     `yaml:"ui"`

	// TelemetryEnabled defaults to true unless explicitly set false; the
	// pointer distinguishes an omitted key from an explicit false.
	TelemetryEnabled *bool `yaml:"telemetry_enabled"`

	// LoadedFrom records the file path Load() read, for diagnostics.
	LoadedFrom string `yaml:"-"`
}

const (
	envOurID = "UWBMESH_OUR_ID"
	envCalib = "UWBMESH_CALIB_PATH"
	envTelem = "UWBMESH_TELEMETRY_ENABLED"
)

// Load reads and parses the YAML configuration at path, applies defaults,
// and then applies environment-variable overrides (env beats file).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		NumDevices:        8,
		EvictionThreshold: 5,
		Radio: RadioProfile{
			PreambleSymbols: 128,
			BitRateKbps:     850,
			MaxFrameBytes:   256,
			MarginMicros:    100,
		},
		Network: Network{
			MulticastAddr: "239.192.29.71:7654",
		},
		UI: UIConfig{
			RefreshMS: 250,
			PaneLines: PaneLines{Peers: 16, Ranges: 16, System: 8},
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.TelemetryEnabled == nil {
		enabled := true
		cfg.TelemetryEnabled = &enabled
	}
	cfg.LoadedFrom = path

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envOurID); v != "" {
		var id int
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil && id >= 0 && id <= 254 {
			cfg.OurID = uint8(id)
		}
	}
	if v := os.Getenv(envCalib); v != "" {
		cfg.CalibPath = v
	}
	if v := os.Getenv(envTelem); v != "" {
		enabled := v == "1" || v == "true"
		cfg.TelemetryEnabled = &enabled
	}
}

// Print writes the effective configuration to stdout, once at startup.
func (c *Config) Print() {
	fmt.Printf("config loaded from %s: our_id=%d num_devices=%d delay_time_us=%d delay_until_assumed_lost=%d eviction_threshold=%d telemetry_enabled=%v\n",
		c.LoadedFrom, c.OurID, c.NumDevices, c.DelayTimeUS, c.DelayUntilAssumedLost, c.EvictionThreshold, *c.TelemetryEnabled)
}
