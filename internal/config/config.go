package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the per-workspace coordinator configuration, loaded from
// storyline.yml at the workspace root.
type Config struct {
	Domain  string        `yaml:"domain"`
	Actor   string        `yaml:"actor"`
	Stuck   StuckConfig   `yaml:"stuck"`
	Verify  VerifyConfig  `yaml:"verify"`
	Server  ServerConfig  `yaml:"server"`
	Webhook WebhookConfig `yaml:"webhooks"`
}

// StuckConfig tunes stuck detection and the alternative-approach retry.
type StuckConfig struct {
	// RepeatThreshold is the number of consecutive identical failure
	// signatures that marks a story stuck.
	RepeatThreshold int `yaml:"repeat_threshold"`
	// FoundationMultiplier extends the iteration allowance for
	// foundation-phase stories before escalation.
	FoundationMultiplier int `yaml:"foundation_multiplier"`
	// Normalizer selects the failure signature normalizer: exact | collapse.
	Normalizer string `yaml:"normalizer"`
	// DefaultEstimate applies when a story declares no iteration estimate.
	DefaultEstimate int `yaml:"default_estimate"`
}

type VerifyConfig struct {
	// Command is run per attempt; non-zero exit is a failure, and its
	// combined output feeds the failure signature.
	Command string `yaml:"command"`
	// TimeoutSeconds bounds one attempt. 0 means no limit.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Default returns a Config with the documented defaults applied.
func Default() Config {
	return Config{
		Domain: "default",
		Actor:  "ralph",
		Stuck: StuckConfig{
			RepeatThreshold:      3,
			FoundationMultiplier: 2,
			Normalizer:           "collapse",
			DefaultEstimate:      5,
		},
		Verify: VerifyConfig{TimeoutSeconds: 600},
		Server: ServerConfig{Addr: ":8099"},
	}
}

// FromYAML parses raw YAML on top of the defaults and validates the result.
func FromYAML(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromFile loads and validates the config at path. A missing file yields
// the defaults.
func FromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(raw)
}

func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("config: domain must not be empty")
	}
	if c.Stuck.RepeatThreshold < 1 {
		return fmt.Errorf("config: stuck.repeat_threshold must be >= 1")
	}
	if c.Stuck.FoundationMultiplier < 1 {
		return fmt.Errorf("config: stuck.foundation_multiplier must be >= 1")
	}
	switch c.Stuck.Normalizer {
	case "exact", "collapse":
	default:
		return fmt.Errorf("config: stuck.normalizer must be exact or collapse, got %q", c.Stuck.Normalizer)
	}
	if c.Stuck.DefaultEstimate < 1 {
		return fmt.Errorf("config: stuck.default_estimate must be >= 1")
	}
	for i, ep := range c.Webhook.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("config: webhooks.endpoints[%d].url must not be empty", i)
		}
	}
	return nil
}

// YAML renders the effective configuration for storage or display.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `# storyline workspace configuration
domain: default
actor: ralph

stuck:
  repeat_threshold: 3
  foundation_multiplier: 2
  normalizer: collapse
  default_estimate: 5

verify:
  command: ""
  timeout_seconds: 600

server:
  addr: ":8099"
  jwt_secret: ""

webhooks:
  endpoints: []
`

// WriteDefault writes the commented default template to path unless a
// file already exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
}
