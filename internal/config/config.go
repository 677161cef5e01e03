package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models treeline.yml.
type Config struct {
	Tracker struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"tracker"`
	Fetch Fetch `yaml:"fetch"`
}

// Fetch holds hierarchy traversal settings.
type Fetch struct {
	MaxDepth           int    `yaml:"max_depth"`
	ParallelFetches    int    `yaml:"parallel_fetches"`
	CircularRefs       string `yaml:"circular_refs"`
	IncludeEpicLink    *bool  `yaml:"include_epic_link"`
	IncludeParentField *bool  `yaml:"include_parent_field"`
	EpicLinkField      string `yaml:"epic_link_field"`
	MaxResults         int    `yaml:"max_results"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fetch.MaxDepth < 0 || c.Fetch.MaxDepth > 100 {
		return fmt.Errorf("config.fetch.max_depth must be between 1 and 100")
	}
	if c.Fetch.ParallelFetches < 0 || c.Fetch.ParallelFetches > 20 {
		return fmt.Errorf("config.fetch.parallel_fetches must be between 1 and 20")
	}
	switch c.Fetch.CircularRefs {
	case "", "warn", "skip", "error":
	default:
		return fmt.Errorf("config.fetch.circular_refs must be one of warn, skip, error")
	}
	if c.Fetch.MaxResults < 0 {
		return fmt.Errorf("config.fetch.max_results must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "treeline.yml")
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

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

const defaultTemplate = `tracker:
  base_url: %s
  api_key: ""

fetch:
  max_depth: 10
  parallel_fetches: 5
  circular_refs: warn
  include_epic_link: true
  include_parent_field: true
  epic_link_field: epic_link
  max_results: 50
`
