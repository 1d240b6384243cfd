// Package config loads hookwatch configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NavarchProject/hookwatch/pkg/coordinator"
	"github.com/NavarchProject/hookwatch/pkg/decision"
	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/notify"
	"github.com/NavarchProject/hookwatch/pkg/retry"
	"github.com/NavarchProject/hookwatch/pkg/scheduler"
	"github.com/NavarchProject/hookwatch/pkg/watcher"
)

// MaxPollInterval is the longest delay the continuation queue can hold a
// message for.
const MaxPollInterval = 15 * time.Minute

// Environment variables that override file values.
const (
	EnvRole            = "HOOKWATCH_ROLE"
	EnvQueueURL        = "HOOKWATCH_QUEUE_URL"
	EnvTriggerQueueURL = "HOOKWATCH_TRIGGER_QUEUE_URL"
	EnvRegion          = "HOOKWATCH_REGION"
	EnvCluster         = "HOOKWATCH_CLUSTER"
	EnvPollInterval    = "HOOKWATCH_POLL_INTERVAL"
)

// Config is the root configuration for hookwatch.
type Config struct {
	// Role is join or drain. It decides how notifications that do not name
	// a transition are read.
	Role string `yaml:"role"`

	// HookName is used when a notification omits the lifecycle hook name.
	HookName string `yaml:"hook_name,omitempty"`

	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`      // Default: 60s
	TransitionTimeout time.Duration `yaml:"transition_timeout,omitempty"` // Default: 1h
	ActivationTimeout time.Duration `yaml:"activation_timeout,omitempty"` // Default: 2m

	Retry         retry.Config              `yaml:"retry,omitempty"`
	AWS           AWSConfig                 `yaml:"aws,omitempty"`
	Readiness     decision.Conditions       `yaml:"readiness,omitempty"`
	Coordinator   coordinator.WebhookConfig `yaml:"coordinator,omitempty"`
	Notifications NotificationsConfig       `yaml:"notifications,omitempty"`
	Server        ServerConfig              `yaml:"server,omitempty"`
	Logging       LoggingConfig             `yaml:"logging,omitempty"`
}

// AWSConfig configures the AWS provider.
type AWSConfig struct {
	Region  string `yaml:"region,omitempty"`
	Cluster string `yaml:"cluster,omitempty"` // Pins the ECS cluster instead of reading user data

	ContinuationQueueURL string `yaml:"continuation_queue_url"`
	TriggerQueueURL      string `yaml:"trigger_queue_url,omitempty"` // Lifecycle notifications, for serve
}

// NotificationsConfig configures verdict notifications.
type NotificationsConfig struct {
	Webhooks []notify.WebhookConfig `yaml:"webhooks,omitempty"`
}

// ServerConfig configures the long-running serve command.
type ServerConfig struct {
	MetricsAddress    string        `yaml:"metrics_address,omitempty"`    // Default: ":9090"
	Concurrency       int           `yaml:"concurrency,omitempty"`        // Default: 8
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"` // Default: activation_timeout + 30s
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error. Default: info
	Format string `yaml:"format,omitempty"` // json or text. Default: json
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file, applies environment overrides
// and defaults, and validates the result. An empty path starts from
// Default().
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return Parse(data, os.Getenv)
}

// Parse decodes data, applies overrides read through getenv, applies
// defaults and validates.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Role, EnvRole)
	set(&c.AWS.ContinuationQueueURL, EnvQueueURL)
	set(&c.AWS.TriggerQueueURL, EnvTriggerQueueURL)
	set(&c.AWS.Region, EnvRegion)
	set(&c.AWS.Cluster, EnvCluster)

	if v := getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.PollInterval = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = string(lifecycle.RoleDrain)
	}
	if c.PollInterval == 0 {
		c.PollInterval = scheduler.DefaultPollInterval
	}
	if c.TransitionTimeout == 0 {
		c.TransitionTimeout = event.DefaultTransitionTimeout
	}
	if c.ActivationTimeout == 0 {
		c.ActivationTimeout = watcher.DefaultActivationTimeout
	}

	def := retry.DefaultConfig()
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = def.Attempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = def.Multiplier
	}

	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Server.Concurrency == 0 {
		c.Server.Concurrency = 8
	}
	if c.Server.VisibilityTimeout == 0 {
		c.Server.VisibilityTimeout = c.ActivationTimeout + 30*time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := lifecycle.ParseRole(c.Role); err != nil {
		return fmt.Errorf("role: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll_interval %s exceeds the %s queue delay limit", c.PollInterval, MaxPollInterval)
	}
	if c.TransitionTimeout <= 0 {
		return fmt.Errorf("transition_timeout must be > 0")
	}
	if c.ActivationTimeout <= 0 {
		return fmt.Errorf("activation_timeout must be > 0")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1")
	}
	if c.Server.Concurrency < 1 {
		return fmt.Errorf("server.concurrency must be >= 1")
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d]: url is required", i)
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// LifecycleRole returns the parsed role. It is only valid after Validate.
func (c *Config) LifecycleRole() lifecycle.Role {
	r, _ := lifecycle.ParseRole(c.Role)
	return r
}
