// Package config loads the backend configuration from a YAML file with
// environment overrides for the OAuth client credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath overrides the configuration file location.
	EnvConfigPath = "BINCHOTAN_CONFIG"

	envClientID     = "BINCHOTAN_CLIENT_ID"
	envClientSecret = "BINCHOTAN_CLIENT_SECRET"

	defaultRequestTimeout = 30 * time.Second
	defaultFilterTimeout  = 3 * time.Second
)

// DefaultPipeline is the pipelines key applied to accounts without their own
// entry.
const DefaultPipeline = "default"

// Config is the full daemon configuration.
type Config struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	FilterDir  string `yaml:"filter_dir"`

	TwitterClientID     string   `yaml:"twitter_client_id"`
	TwitterClientSecret string   `yaml:"twitter_client_secret"`
	RedirectHost        string   `yaml:"redirect_host"`
	Scopes              []string `yaml:"scopes"`

	// Pipelines maps an upstream user id (or "default") to an ordered list of
	// filter file names applied to that account's timeline requests.
	Pipelines map[string][]string `yaml:"pipelines"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	FilterTimeout  time.Duration `yaml:"filter_timeout"`
}

// Load reads and validates the configuration file at path. When path is empty
// the BINCHOTAN_CONFIG environment variable and then ./config.yaml are tried.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{
		RequestTimeout: defaultRequestTimeout,
		FilterTimeout:  defaultFilterTimeout,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if v := os.Getenv(envClientID); v != "" {
		cfg.TwitterClientID = v
	}
	if v := os.Getenv(envClientSecret); v != "" {
		cfg.TwitterClientSecret = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.SocketPath == "":
		return fmt.Errorf("config: socket_path is required")
	case c.DBPath == "":
		return fmt.Errorf("config: db_path is required")
	case c.FilterDir == "":
		return fmt.Errorf("config: filter_dir is required")
	case c.TwitterClientID == "":
		return fmt.Errorf("config: twitter_client_id is required (or set %s)", envClientID)
	case c.RedirectHost == "":
		return fmt.Errorf("config: redirect_host is required")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("config: request_timeout must be positive")
	case c.FilterTimeout <= 0:
		return fmt.Errorf("config: filter_timeout must be positive")
	case c.FilterTimeout >= c.RequestTimeout:
		return fmt.Errorf("config: filter_timeout must be shorter than request_timeout")
	}
	return nil
}

// PipelineFor returns the ordered filter list for an upstream user id, falling
// back to the default pipeline. An absent entry means no filtering.
func (c *Config) PipelineFor(userID string) []string {
	if p, ok := c.Pipelines[userID]; ok {
		return p
	}
	return c.Pipelines[DefaultPipeline]
}
