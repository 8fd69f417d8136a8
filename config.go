package pwkeeper

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pwkeeper configuration. Values arrive as plain data;
// loading mechanism is the caller's concern.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	ListenAddr string           `yaml:"listen_addr"`
	Playwright PlaywrightConfig `yaml:"playwright"`
	Health     HealthConfig     `yaml:"health"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
}

// PlaywrightConfig describes how to spawn the Playwright MCP subprocess.
type PlaywrightConfig struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Browser  string   `yaml:"browser"`
	Headless bool     `yaml:"headless"`
}

// HealthConfig controls probing and the restart policy.
type HealthConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartWindow      time.Duration `yaml:"restart_window"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// RecoveryConfig controls snapshotting and rehydration.
type RecoveryConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxSessionAge    time.Duration `yaml:"max_session_age"`
	MaxSnapshots     int           `yaml:"max_snapshots"`
	AutoRehydrate    bool          `yaml:"auto_rehydrate"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "pwkeeper.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "localhost:34501"
	}
	if c.Playwright.Command == "" {
		c.Playwright.Command = "npx"
	}
	if len(c.Playwright.Args) == 0 {
		c.Playwright.Args = []string{"@playwright/mcp@latest"}
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Health.CallTimeout <= 0 {
		c.Health.CallTimeout = 30 * time.Second
	}
	if c.Health.MaxRestartAttempts <= 0 {
		c.Health.MaxRestartAttempts = 3
	}
	if c.Health.RestartWindow <= 0 {
		c.Health.RestartWindow = 5 * time.Minute
	}
	if c.Health.ShutdownTimeout <= 0 {
		c.Health.ShutdownTimeout = 5 * time.Second
	}
	if c.Recovery.SnapshotInterval <= 0 {
		c.Recovery.SnapshotInterval = 30 * time.Second
	}
	if c.Recovery.MaxSessionAge <= 0 {
		c.Recovery.MaxSessionAge = 24 * time.Hour
	}
	if c.Recovery.MaxSnapshots <= 0 {
		c.Recovery.MaxSnapshots = 10
	}
	if c.Recovery.LeaseTTL <= 0 {
		c.Recovery.LeaseTTL = 2 * time.Minute
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
