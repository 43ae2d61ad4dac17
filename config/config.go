package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Journal JournalConfig `yaml:"journal"`
	Rules   RulesConfig   `yaml:"rules"`
	Log     LogConfig     `yaml:"log"`
	Tracker TrackerConfig `yaml:"tracker"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MonitorConfig struct {
	// Backend is auto, ebpf, netlink, wmi, poll or sim.
	Backend      string        `yaml:"backend"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	StopWarning  time.Duration `yaml:"stop_warning"`
}

type JournalConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

type RulesConfig struct {
	// Dir holds enabled_rules/ and disabled_rules/. Empty disables rule
	// evaluation.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TrackerConfig struct {
	Size int `yaml:"size"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Monitor: MonitorConfig{
			Backend:      "auto",
			PollInterval: time.Second,
			ScanInterval: time.Second,
			StopWarning:  5 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:    true,
			MaxEntries: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracker: TrackerConfig{
			Size: 10000,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.ScanInterval <= 0 {
		return fmt.Errorf("monitor.scan_interval must be positive")
	}
	if c.Monitor.StopWarning <= 0 {
		return fmt.Errorf("monitor.stop_warning must be positive")
	}
	if c.Journal.MaxEntries < 0 {
		return fmt.Errorf("journal.max_entries must not be negative")
	}
	if c.Tracker.Size <= 0 {
		return fmt.Errorf("tracker.size must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Addr is the listen address of the web host.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
