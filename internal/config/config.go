// Package config loads the control plane's settings from <home>/config.yaml
// with environment overrides, and watches that file for changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/otel"
)

const (
	DefaultEndpoint          = "ws://localhost:8000/ws"
	DefaultSimulatorBindAddr = "127.0.0.1:8000"
	DefaultHeartbeatSpec     = "@every 5s"
)

// LinkConfig shapes the reconnect supervisor.
type LinkConfig struct {
	MaxAttempts   int  `yaml:"max_attempts"`
	BaseDelayMS   int  `yaml:"base_delay_ms"`
	MaxDelayMS    int  `yaml:"max_delay_ms"`
	DialTimeoutMS int  `yaml:"dial_timeout_ms"`
	ReadyOnOpen   bool `yaml:"ready_on_open"`
}

// Policy converts the millisecond settings into a reconnect policy.
func (l LinkConfig) Policy() link.Policy {
	return link.Policy{
		MaxAttempts: l.MaxAttempts,
		BaseDelay:   time.Duration(l.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(l.MaxDelayMS) * time.Millisecond,
		DialTimeout: time.Duration(l.DialTimeoutMS) * time.Millisecond,
		ReadyOnOpen: l.ReadyOnOpen,
	}
}

// BuffersConfig caps the in-memory event and terminal logs.
type BuffersConfig struct {
	Events   int `yaml:"events"`
	Terminal int `yaml:"terminal"`
}

// SimulatorConfig drives `orbital simulate`.
type SimulatorConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// Heartbeat is a cron spec; descriptors such as "@every 5s" are accepted.
	Heartbeat string `yaml:"heartbeat"`
	// StepDelayMS paces the scripted event loop.
	StepDelayMS int `yaml:"step_delay_ms"`
	// Loop restarts the script after its last step. Default true.
	Loop *bool `yaml:"loop,omitempty"`
}

// LoopEnabled reports whether the script repeats.
func (s SimulatorConfig) LoopEnabled() bool {
	return s.Loop == nil || *s.Loop
}

type Config struct {
	HomeDir string `yaml:"-"`

	Endpoint string `yaml:"endpoint"`
	LogLevel string `yaml:"log_level"`

	Link      LinkConfig      `yaml:"link"`
	Buffers   BuffersConfig   `yaml:"buffers"`
	Telemetry otel.Config     `yaml:"telemetry"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetEndpoint updates the daemon endpoint in config.yaml, preserving other settings.
func SetEndpoint(homeDir, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "ws://") && !strings.HasPrefix(endpoint, "wss://") {
		return fmt.Errorf("endpoint %q: scheme must be ws or wss", endpoint)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create orbital home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["endpoint"] = endpoint
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that affect the link.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "endpoint=%s|log=%s|link=%+v|buffers=%+v",
		c.Endpoint, c.LogLevel, c.Link, c.Buffers)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		LogLevel: "info",
		Link: LinkConfig{
			MaxAttempts:   5,
			BaseDelayMS:   1000,
			MaxDelayMS:    10000,
			DialTimeoutMS: 5000,
		},
		Buffers: BuffersConfig{
			Events:   100,
			Terminal: 500,
		},
		Telemetry: otel.Config{
			Exporter:   "none",
			SampleRate: 1.0,
		},
		Simulator: SimulatorConfig{
			BindAddr:    DefaultSimulatorBindAddr,
			Heartbeat:   DefaultHeartbeatSpec,
			StepDelayMS: 1500,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ORBITAL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orbital")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml. A missing file yields the defaults; a
// malformed one is an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orbital home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Link.MaxAttempts <= 0 {
		cfg.Link.MaxAttempts = def.Link.MaxAttempts
	}
	if cfg.Link.BaseDelayMS <= 0 {
		cfg.Link.BaseDelayMS = def.Link.BaseDelayMS
	}
	if cfg.Link.MaxDelayMS <= 0 {
		cfg.Link.MaxDelayMS = def.Link.MaxDelayMS
	}
	if cfg.Link.MaxDelayMS < cfg.Link.BaseDelayMS {
		cfg.Link.MaxDelayMS = cfg.Link.BaseDelayMS
	}
	if cfg.Link.DialTimeoutMS < 0 {
		cfg.Link.DialTimeoutMS = def.Link.DialTimeoutMS
	}
	if cfg.Buffers.Events <= 0 {
		cfg.Buffers.Events = def.Buffers.Events
	}
	if cfg.Buffers.Terminal <= 0 {
		cfg.Buffers.Terminal = def.Buffers.Terminal
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if strings.TrimSpace(cfg.Simulator.BindAddr) == "" {
		cfg.Simulator.BindAddr = def.Simulator.BindAddr
	}
	if strings.TrimSpace(cfg.Simulator.Heartbeat) == "" {
		cfg.Simulator.Heartbeat = def.Simulator.Heartbeat
	}
	if cfg.Simulator.StepDelayMS <= 0 {
		cfg.Simulator.StepDelayMS = def.Simulator.StepDelayMS
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORBITAL_ENDPOINT"); raw != "" {
		cfg.Endpoint = raw
	}
	if raw := os.Getenv("ORBITAL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORBITAL_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Link.MaxAttempts = v
		}
	}
	if raw := os.Getenv("ORBITAL_SIMULATOR_ADDR"); raw != "" {
		cfg.Simulator.BindAddr = raw
	}
}
