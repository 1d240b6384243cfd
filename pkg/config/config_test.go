package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

func env(vals map[string]string) func(string) string {
	return func(key string) string { return vals[key] }
}

func TestLoad(t *testing.T) {
	yaml := `
role: join
hook_name: ecs-launch
poll_interval: 30s
retry:
  attempts: 5
aws:
  region: us-west-2
  continuation_queue_url: https://sqs.us-west-2.amazonaws.com/123/continuations
readiness:
  join_condition: probe.agent_connected
coordinator:
  drain_url: http://drainer.internal/drain
  timeout: 5s
notifications:
  webhooks:
    - url: http://hooks.internal/verdicts
server:
  concurrency: 4
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LifecycleRole() != lifecycle.RoleJoin {
		t.Errorf("expected role join, got %s", cfg.Role)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("expected poll_interval 30s, got %s", cfg.PollInterval)
	}
	if cfg.TransitionTimeout != time.Hour {
		t.Errorf("expected default transition_timeout 1h, got %s", cfg.TransitionTimeout)
	}
	if cfg.Retry.Attempts != 5 {
		t.Errorf("expected retry.attempts 5, got %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.InitialDelay != time.Second {
		t.Errorf("expected default retry.initial_delay 1s, got %s", cfg.Retry.InitialDelay)
	}
	if cfg.AWS.Region != "us-west-2" {
		t.Errorf("expected region us-west-2, got %s", cfg.AWS.Region)
	}
	if cfg.Readiness.Join != "probe.agent_connected" {
		t.Errorf("expected join condition, got %q", cfg.Readiness.Join)
	}
	if cfg.Coordinator.Timeout != 5*time.Second || !cfg.Coordinator.Enabled() {
		t.Errorf("unexpected coordinator config %+v", cfg.Coordinator)
	}
	if len(cfg.Notifications.Webhooks) != 1 {
		t.Errorf("expected 1 notification webhook, got %d", len(cfg.Notifications.Webhooks))
	}
	if cfg.Server.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Server.Concurrency)
	}
	if cfg.Server.MetricsAddress != ":9090" {
		t.Errorf("expected default metrics address :9090, got %s", cfg.Server.MetricsAddress)
	}
	if cfg.Server.VisibilityTimeout != 150*time.Second {
		t.Errorf("expected visibility timeout 2m30s, got %s", cfg.Server.VisibilityTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.PollInterval != time.Minute {
		t.Errorf("expected poll_interval 1m, got %s", cfg.PollInterval)
	}
	if cfg.TransitionTimeout != time.Hour {
		t.Errorf("expected transition_timeout 1h, got %s", cfg.TransitionTimeout)
	}
	if cfg.ActivationTimeout != 2*time.Minute {
		t.Errorf("expected activation_timeout 2m, got %s", cfg.ActivationTimeout)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("expected retry.attempts 3, got %d", cfg.Retry.Attempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	data := []byte(`
role: join
aws:
  region: us-east-1
`)
	cfg, err := Parse(data, env(map[string]string{
		EnvRole:            "autoscaling:EC2_INSTANCE_TERMINATING",
		EnvQueueURL:        "https://sqs/continuations",
		EnvTriggerQueueURL: "https://sqs/triggers",
		EnvRegion:          "eu-west-1",
		EnvCluster:         "prod",
		EnvPollInterval:    "45s",
	}))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.LifecycleRole() != lifecycle.RoleDrain {
		t.Errorf("expected role drain, got %s", cfg.Role)
	}
	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("expected region override, got %s", cfg.AWS.Region)
	}
	if cfg.AWS.Cluster != "prod" {
		t.Errorf("expected cluster override, got %s", cfg.AWS.Cluster)
	}
	if cfg.AWS.ContinuationQueueURL != "https://sqs/continuations" || cfg.AWS.TriggerQueueURL != "https://sqs/triggers" {
		t.Errorf("expected queue overrides, got %+v", cfg.AWS)
	}
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("expected poll_interval 45s, got %s", cfg.PollInterval)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown role",
			yaml:    "role: replace",
			wantErr: "unknown role",
		},
		{
			name:    "poll interval beyond queue delay",
			yaml:    "poll_interval: 20m",
			wantErr: "poll_interval",
		},
		{
			name:    "negative poll interval",
			yaml:    "poll_interval: -1s",
			wantErr: "poll_interval must be > 0",
		},
		{
			name:    "negative concurrency",
			yaml:    "server:\n  concurrency: -1",
			wantErr: "server.concurrency",
		},
		{
			name:    "webhook without url",
			yaml:    "notifications:\n  webhooks:\n    - timeout: 1s",
			wantErr: "url is required",
		},
		{
			name:    "bad log format",
			yaml:    "logging:\n  format: xml",
			wantErr: "logging.format",
		},
		{
			name:    "bad env duration",
			env:     map[string]string{EnvPollInterval: "soon"},
			wantErr: EnvPollInterval,
		},
		{
			name:    "malformed yaml",
			yaml:    "role: [join",
			wantErr: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), env(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
