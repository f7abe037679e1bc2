package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, read from atelier.yaml. Every field
// has a working default so the daemon runs with no config file at all.
type Config struct {
	Addr    string        `yaml:"addr"`
	Dir     string        `yaml:"dir"` // state directory (settings.json, history.db, logs)
	Agent   AgentConfig   `yaml:"agent"`
	Dev     DevConfig     `yaml:"dev"`
	Ports   PortsConfig   `yaml:"ports"`
	Logging LoggingConfig `yaml:"logging"`
}

type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type DevConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Install string   `yaml:"install"` // dependency install step, run before the dev server
}

type PortsConfig struct {
	Base int `yaml:"base"`
	Span int `yaml:"span"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Addr: "127.0.0.1:8787",
		Dir:  filepath.Join(home, ".atelier"),
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
		},
		Dev: DevConfig{
			Command: "netlify",
			Args:    []string{"dev"},
			Install: "npm install",
		},
		Ports:   PortsConfig{Base: 4000, Span: 1000},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if addr := os.Getenv("ATELIER_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if dir := os.Getenv("ATELIER_STATE"); dir != "" {
		cfg.Dir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Dev.Command == "" {
		return fmt.Errorf("dev.command is required")
	}
	if c.Ports.Base < 1024 || c.Ports.Base > 65000 {
		return fmt.Errorf("ports.base %d out of range", c.Ports.Base)
	}
	if c.Ports.Span <= 0 {
		return fmt.Errorf("ports.span must be positive")
	}
	return nil
}

func (c *Config) SettingsPath() string { return filepath.Join(c.Dir, "settings.json") }

func (c *Config) HistoryPath() string { return filepath.Join(c.Dir, "history.db") }
