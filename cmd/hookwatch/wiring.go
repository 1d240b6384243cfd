package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/NavarchProject/hookwatch/pkg/config"
	"github.com/NavarchProject/hookwatch/pkg/coordinator"
	"github.com/NavarchProject/hookwatch/pkg/decision"
	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/metrics"
	"github.com/NavarchProject/hookwatch/pkg/notify"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	awsprovider "github.com/NavarchProject/hookwatch/pkg/provider/aws"
	"github.com/NavarchProject/hookwatch/pkg/scheduler"
	"github.com/NavarchProject/hookwatch/pkg/watcher"
)

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// newFactory builds the AWS client factory, with the webhook cluster in
// place of ECS when one is configured.
func newFactory(cfg *config.Config, logger *slog.Logger) (provider.Factory, error) {
	awsFactory, err := awsprovider.NewFactory(awsprovider.Config{
		Region:               cfg.AWS.Region,
		Cluster:              cfg.AWS.Cluster,
		ContinuationQueueURL: cfg.AWS.ContinuationQueueURL,
	}, logger.With(slog.String("component", "aws")))
	if err != nil {
		return nil, fmt.Errorf("aws provider: %w", err)
	}

	if cfg.Coordinator.Enabled() {
		webhook := coordinator.NewWebhook(cfg.Coordinator, logger.With(slog.String("component", "coordinator")))
		return webhook.Wrap(awsFactory), nil
	}
	return awsFactory, nil
}

func newWatcher(cfg *config.Config, factory provider.Factory, m *metrics.Metrics, logger *slog.Logger) (*watcher.Watcher, error) {
	engine, err := decision.New(cfg.Readiness)
	if err != nil {
		return nil, fmt.Errorf("readiness conditions: %w", err)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger.With(slog.String("component", "notify")))}
	for _, wh := range cfg.Notifications.Webhooks {
		notifiers = append(notifiers, notify.NewWebhook(wh))
	}

	return watcher.New(watcher.Config{
		Decoder: event.NewDecoder(event.Config{
			DefaultRole:       cfg.LifecycleRole(),
			DefaultHookName:   cfg.HookName,
			TransitionTimeout: cfg.TransitionTimeout,
		}),
		Engine: engine,
		Scheduler: scheduler.New(scheduler.Config{
			PollInterval: cfg.PollInterval,
			Retry:        cfg.Retry,
		}, logger.With(slog.String("component", "scheduler"))),
		Factory:           factory,
		Notifier:          notifiers,
		Metrics:           m,
		ActivationTimeout: cfg.ActivationTimeout,
		Logger:            logger.With(slog.String("component", "watcher")),
	})
}

func stderrLogger(cfg *config.Config) *slog.Logger {
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
