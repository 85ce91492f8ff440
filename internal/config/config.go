package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
	"forgeline/internal/scorer"
)

// Config models forgeline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	// Budget is the default cap given to runs created by EnsureRun.
	Budget   domain.Spend `yaml:"budget"`
	StepCost domain.Spend `yaml:"step_cost"`

	RateLimit struct {
		Window time.Duration `yaml:"window"`
		Max    int           `yaml:"max"`
	} `yaml:"rate_limit"`

	Watchdog struct {
		Delay         time.Duration `yaml:"delay"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"watchdog"`

	Events struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"events"`

	Scorer struct {
		Weights scorer.Weights `yaml:"weights"`
		TopN    int            `yaml:"top_n"`
	} `yaml:"scorer"`

	Proofs struct {
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
	} `yaml:"proofs"`

	Server struct {
		Addr              string  `yaml:"addr"`
		BasePath          string  `yaml:"base_path"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"server"`

	Workers WorkersConfig `yaml:"workers"`

	Webhooks []WebhookConfig `yaml:"webhooks"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Telemetry struct {
		Tracing bool `yaml:"tracing"`
	} `yaml:"telemetry"`
}

// WorkersConfig configures the local stage adapters.
type WorkersConfig struct {
	CodegenCommand []string      `yaml:"codegen_command"`
	TestCommand    []string      `yaml:"test_command"`
	BuildCommand   []string      `yaml:"build_command"`
	ArtifactGlobs  []string      `yaml:"artifact_globs"`
	PreviewBaseURL string        `yaml:"preview_base_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace, falling back to defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Budget.Tokens < 0 || c.Budget.USD < 0 {
		return fmt.Errorf("config.budget must not be negative")
	}
	if c.StepCost.Tokens < 0 || c.StepCost.USD < 0 {
		return fmt.Errorf("config.step_cost must not be negative")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config.rate_limit.window must be positive")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("config.rate_limit.max must be positive")
	}
	if c.Watchdog.Delay <= 0 {
		return fmt.Errorf("config.watchdog.delay must be positive")
	}
	if c.Watchdog.SweepInterval <= 0 {
		return fmt.Errorf("config.watchdog.sweep_interval must be positive")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("config.events.buffer must be positive")
	}
	if err := c.Scorer.Weights.Validate(); err != nil {
		return fmt.Errorf("config.scorer.weights: %w", err)
	}
	if c.Proofs.TokenTTL <= 0 {
		return fmt.Errorf("config.proofs.token_ttl must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the built-in configuration.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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

const defaultTemplate = `project:
  id: "%s"

budget:
  tokens: 200000
  usd: 20

step_cost:
  tokens: 500
  usd: 0.05

rate_limit:
  window: 1m
  max: 10

watchdog:
  delay: 2h
  sweep_interval: 30s

events:
  buffer: 1000

scorer:
  top_n: 5
  weights:
    priority: 0.30
    dependencies: 0.20
    duration: 0.15
    complexity: 0.15
    urgency: 0.20

proofs:
  token_secret: ""
  token_ttl: 15m

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  requests_per_second: 20
  burst: 40

workers:
  codegen_command: []
  test_command: []
  build_command: []
  artifact_globs: ["dist/*"]
  preview_base_url: http://127.0.0.1:8080/previews
  timeout: 10m

webhooks: []

log:
  level: info
  format: json

telemetry:
  tracing: false
`
