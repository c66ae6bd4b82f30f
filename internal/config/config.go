package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models upkeep.yml. Secrets (JWT signing key, evidence URL signing
// key) are taken from the environment, never from the file.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		TokenTTLMinutes int `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
	Storage struct {
		Root           string `yaml:"root"`
		PublicBaseURL  string `yaml:"public_base_url"`
		SlotTTLMinutes int    `yaml:"slot_ttl_minutes"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	} `yaml:"storage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	if c.Storage.PublicBaseURL == "" {
		return fmt.Errorf("config.storage.public_base_url is required")
	}
	if !strings.HasPrefix(c.Storage.PublicBaseURL, "http://") && !strings.HasPrefix(c.Storage.PublicBaseURL, "https://") {
		return fmt.Errorf("config.storage.public_base_url must be an absolute http(s) URL")
	}
	if c.Storage.SlotTTLMinutes < 0 {
		return fmt.Errorf("config.storage.slot_ttl_minutes must not be negative")
	}
	if c.Storage.MaxUploadBytes < 0 {
		return fmt.Errorf("config.storage.max_upload_bytes must not be negative")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "upkeep.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes, layered over the
// defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v1"
	cfg.Auth.TokenTTLMinutes = 12 * 60
	cfg.Storage.PublicBaseURL = "http://127.0.0.1:8080/evidence"
	cfg.Storage.SlotTTLMinutes = 60
	cfg.Storage.MaxUploadBytes = 10 << 20
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return &cfg
}
