package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models regline.yml.
type Config struct {
	Upstream struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"upstream"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Autosave struct {
		ContentDelayMS  int `yaml:"content_delay_ms"`
		SettingsDelayMS int `yaml:"settings_delay_ms"`
	} `yaml:"autosave"`
	QR struct {
		SigningSecret string `yaml:"signing_secret"`
	} `yaml:"qr"`
	// ClosedPhrases are matched (case-insensitive substring) against
	// resolution failure messages to recognize the terminal
	// closed/not-started outcome.
	ClosedPhrases []string `yaml:"closed_phrases"`
}

// ContentDelay returns the quiet period for content edits.
func (c *Config) ContentDelay() time.Duration {
	return time.Duration(c.Autosave.ContentDelayMS) * time.Millisecond
}

// SettingsDelay returns the quiet period for settings edits.
func (c *Config) SettingsDelay() time.Duration {
	return time.Duration(c.Autosave.SettingsDelayMS) * time.Millisecond
}

// UpstreamTimeout returns the per-request upstream timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config.upstream.base_url is required")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config.upstream.timeout_seconds must not be negative")
	}
	if c.Autosave.ContentDelayMS <= 0 {
		return fmt.Errorf("config.autosave.content_delay_ms must be positive")
	}
	if c.Autosave.SettingsDelayMS <= 0 {
		return fmt.Errorf("config.autosave.settings_delay_ms must be positive")
	}
	if len(c.ClosedPhrases) == 0 {
		return fmt.Errorf("config.closed_phrases must not be empty")
	}
	for _, p := range c.ClosedPhrases {
		if p == "" {
			return fmt.Errorf("config.closed_phrases contains empty phrase")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "regline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with regline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an upstream base URL.
func Default(baseURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, baseURL)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `upstream:
  base_url: %s
  api_key: ""
  timeout_seconds: 10

server:
  addr: ":8080"
  base_path: /v0

autosave:
  content_delay_ms: 2000
  settings_delay_ms: 1000

qr:
  signing_secret: ""

closed_phrases:
  - registration closed
  - registration is closed
  - not started
  - yet to start
  - not yet open
`
