// Package config loads the server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "30s" or "15m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ApprovalConfig tunes the human-approval escalation path.
type ApprovalConfig struct {
	Timeout        Duration          `yaml:"timeout"`
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
}

// CheckpointConfig tunes the Merkle checkpoint service.
type CheckpointConfig struct {
	Interval  Duration `yaml:"interval"`
	BatchSize int64    `yaml:"batch_size"`
}

// Config holds all server configuration.
type Config struct {
	Listen         string           `yaml:"listen"`
	DBPath         string           `yaml:"db_path"`
	PolicyPath     string           `yaml:"policy_path"`
	FailMode       string           `yaml:"fail_mode"`
	SessionStreams bool             `yaml:"session_streams"`
	Approval       ApprovalConfig   `yaml:"approval"`
	Checkpoint     CheckpointConfig `yaml:"checkpoint"`
	AnchorURL      string           `yaml:"anchor_url"`
	SigningKeyPath string           `yaml:"signing_key_path"`
	ExportDir      string           `yaml:"export_dir"`
}

// DefaultDir returns the default data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "provara")
	}
	return filepath.Join(home, ".provara")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		Listen:         ":8484",
		DBPath:         filepath.Join(dir, "provara.db"),
		FailMode:       "deny",
		Approval:       ApprovalConfig{Timeout: Duration(15 * time.Minute)},
		Checkpoint:     CheckpointConfig{Interval: Duration(5 * time.Minute), BatchSize: 256},
		SigningKeyPath: filepath.Join(dir, "signing.key"),
		ExportDir:      filepath.Join(dir, "exports"),
	}
}

// Load reads YAML configuration from path, overlaying the defaults.
// A missing file returns defaults; invalid YAML is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.FailMode != "deny" && cfg.FailMode != "allow" {
		return nil, fmt.Errorf("config: fail_mode must be deny or allow, got %q", cfg.FailMode)
	}
	return cfg, nil
}
