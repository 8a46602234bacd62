package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models porthub.yml.
type Config struct {
	Marketplace struct {
		AdminIdentity string `yaml:"admin_identity"`
		OpsChannel    string `yaml:"ops_channel"`
		JobsPageSize  int    `yaml:"jobs_page_size"`
		TicketHint    string `yaml:"ticket_hint"`
	} `yaml:"marketplace"`
	Feedback struct {
		AwaitTimeout time.Duration `yaml:"await_timeout"`
	} `yaml:"feedback"`
	Verification VerificationConfig `yaml:"verification"`
	Notify       struct {
		Webhook NotifyWebhookConfig `yaml:"webhook"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type VerificationConfig struct {
	ProfileURL       string        `yaml:"profile_url"`
	Timeout          time.Duration `yaml:"timeout"`
	UserAgent        string        `yaml:"user_agent"`
	CircuitThreshold int           `yaml:"circuit_threshold"`
	CircuitReset     time.Duration `yaml:"circuit_reset"`
}

// NotifyWebhookConfig mirrors every notification to an HTTP endpoint.
type NotifyWebhookConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	// Secret is never read from yaml; see Secrets.
	Secret string `yaml:"-"`
}

// WebhookConfig forwards event log entries to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Secrets are read from the environment only.
type Secrets struct {
	JWTSecret           string `env:"PORTHUB_JWT_SECRET"`
	NotifyWebhookSecret string `env:"PORTHUB_NOTIFY_WEBHOOK_SECRET"`
	AdminIdentity       string `env:"PORTHUB_ADMIN_IDENTITY"`
	AllowDevHeader      bool   `env:"PORTHUB_ALLOW_DEV_HEADER" envDefault:"false"`
}

// LoadSecrets parses Secrets from the process environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("parse env: %w", err)
	}
	return s, nil
}

// ApplySecrets overlays environment values that override the file.
func (c *Config) ApplySecrets(s Secrets) {
	if s.AdminIdentity != "" {
		c.Marketplace.AdminIdentity = s.AdminIdentity
	}
	c.Notify.Webhook.Secret = s.NotifyWebhookSecret
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with porthub config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// MinAwaitTimeout is the shortest feedback wait a workspace may configure.
const MinAwaitTimeout = time.Second

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.JobsPageSize < 1 || c.Marketplace.JobsPageSize > 100 {
		return fmt.Errorf("config.marketplace.jobs_page_size must be between 1 and 100")
	}
	if strings.TrimSpace(c.Marketplace.OpsChannel) == "" {
		return fmt.Errorf("config.marketplace.ops_channel is required")
	}
	if c.Feedback.AwaitTimeout < MinAwaitTimeout {
		return fmt.Errorf("config.feedback.await_timeout must be at least %s", MinAwaitTimeout)
	}
	v := c.Verification
	if !strings.Contains(v.ProfileURL, "%s") {
		return fmt.Errorf("config.verification.profile_url must contain %%s for the handle")
	}
	if v.Timeout <= 0 {
		return fmt.Errorf("config.verification.timeout must be positive")
	}
	if v.CircuitThreshold < 0 {
		return fmt.Errorf("config.verification.circuit_threshold must not be negative")
	}
	if w := c.Notify.Webhook; w.URL != "" {
		if _, err := url.ParseRequestURI(w.URL); err != nil {
			return fmt.Errorf("config.notify.webhook.url invalid: %w", err)
		}
		if w.RatePerSecond < 0 || w.Burst < 0 {
			return fmt.Errorf("config.notify.webhook rate and burst must not be negative")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("config.webhooks[%d].url invalid: %w", i, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "porthub.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
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

const defaultTemplate = `marketplace:
  # identity allowed to delete accounts
  admin_identity: ""
  ops_channel: disputes
  jobs_page_size: 10
  ticket_hint: "If something went sideways, please join our Discord and open a ticket so an admin can help."

feedback:
  await_timeout: 60s

verification:
  profile_url: "https://robertsspaceindustries.com/citizens/%s"
  timeout: 12s
  user_agent: "PortHubBot/1.0"
  circuit_threshold: 5
  circuit_reset: 30s

notify:
  webhook:
    url: ""
    timeout: 5s
    rate_per_second: 5
    burst: 10

webhooks: []
`
