package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models campaignflow.yml.
type Config struct {
	Pipeline struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"pipeline"`
	LLM      LLMConfig     `yaml:"llm"`
	Pricing  ServiceConfig `yaml:"pricing"`
	Assets   ServiceConfig `yaml:"assets"`
	Render   ServiceConfig `yaml:"render"`
	Publish  struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"publish"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StageConfig carries the retry and gate parameters of one pipeline stage.
type StageConfig struct {
	Name                 string  `yaml:"name"`
	Gated                bool    `yaml:"gated"`
	MaxRetries           int     `yaml:"max_retries"`
	BackoffBaseMS        int     `yaml:"backoff_base_ms"`
	BackoffMaxMS         int     `yaml:"backoff_max_ms"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	// Threshold is the passing score of a gated stage. Zero or unset means the
	// default of 70; a gate that passes everything is not expressible.
	Threshold            float64 `yaml:"threshold"`
	MaxQualityIterations int     `yaml:"max_quality_iterations"`
	HardFloor            float64 `yaml:"hard_floor"`
}

func (s StageConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

func (s StageConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMS) * time.Millisecond
}

func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ServiceConfig describes an external REST collaborator.
type ServiceConfig struct {
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheSize       int    `yaml:"cache_size"`
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s ServiceConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Stage returns the configuration of the named stage.
func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Pipeline.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Pipeline.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config.pipeline.stages[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %s is listed twice", s.Name)
		}
		seen[s.Name] = true
		if s.MaxRetries < 0 {
			return fmt.Errorf("stage %s: max_retries must be >= 0", s.Name)
		}
		if s.BackoffBaseMS < 0 || s.BackoffMaxMS < 0 || s.TimeoutSeconds < 0 {
			return fmt.Errorf("stage %s: durations must be >= 0", s.Name)
		}
		if s.BackoffMaxMS > 0 && s.BackoffBaseMS > s.BackoffMaxMS {
			return fmt.Errorf("stage %s: backoff_base_ms exceeds backoff_max_ms", s.Name)
		}
		if !s.Gated {
			continue
		}
		if s.Threshold < 0 || s.Threshold > 100 {
			return fmt.Errorf("stage %s: threshold must be within [0,100]", s.Name)
		}
		if s.MaxQualityIterations < 0 {
			return fmt.Errorf("stage %s: max_quality_iterations must be >= 0", s.Name)
		}
		if s.HardFloor < 0 || (s.Threshold > 0 && s.HardFloor > s.Threshold) {
			return fmt.Errorf("stage %s: hard_floor must be within [0,threshold]", s.Name)
		}
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("config.llm.requests_per_second must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "campaignflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `pipeline:
  stages:
    - name: content
      max_retries: 2
      backoff_base_ms: 500
      backoff_max_ms: 8000
      timeout_seconds: 60
    - name: pricing
      max_retries: 3
      backoff_base_ms: 1000
      backoff_max_ms: 30000
      timeout_seconds: 30
    - name: design
      max_retries: 2
      backoff_base_ms: 500
      backoff_max_ms: 8000
      timeout_seconds: 30
    - name: quality
      gated: true
      max_retries: 2
      backoff_base_ms: 500
      backoff_max_ms: 8000
      timeout_seconds: 90
      threshold: 70
      max_quality_iterations: 3
    - name: delivery
      max_retries: 1
      backoff_base_ms: 500
      timeout_seconds: 30

llm:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  temperature: 0.7
  requests_per_second: 2

pricing:
  base_url: https://api.travelpayouts.com
  timeout_seconds: 10
  cache_ttl_seconds: 900
  cache_size: 256

assets:
  base_url: https://api.figma.com
  timeout_seconds: 10
  cache_ttl_seconds: 3600
  cache_size: 128

render:
  base_url: https://api.mjml.io
  timeout_seconds: 15

publish:
  output_dir: .campaignflow/out
`
