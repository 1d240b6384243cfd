package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/NavarchProject/hookwatch/pkg/auth"
	"github.com/NavarchProject/hookwatch/pkg/config"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/metrics"
	awsprovider "github.com/NavarchProject/hookwatch/pkg/provider/aws"
	"github.com/NavarchProject/hookwatch/pkg/watcher"
)

const (
	shutdownTimeout     = 30 * time.Second
	maxActivationBody   = 256 << 10
	receiveErrorBackoff = 5 * time.Second
)

func serveCmd() *cobra.Command {
	var authToken string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume lifecycle notifications and continuations from SQS",
		Long: `Poll the continuation queue, and the trigger queue when configured, running
activations concurrently. Also serves /metrics, /healthz, /readyz and an
authenticated POST /v1/activations endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if authToken == "" {
				authToken = os.Getenv("HOOKWATCH_AUTH_TOKEN")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, os.Stdout)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, authToken, logger)
		},
	}

	cmd.Flags().StringVar(&authToken, "auth-token", "", "Bearer token for the activation endpoint (env: HOOKWATCH_AUTH_TOKEN)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, authToken string, logger *slog.Logger) error {
	factory, err := newFactory(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	w, err := newWatcher(cfg, factory, m, logger)
	if err != nil {
		return err
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	queues := []*awsprovider.Queue{newQueue(sqsClient, cfg, cfg.AWS.ContinuationQueueURL)}
	if cfg.AWS.TriggerQueueURL != "" {
		queues = append(queues, newQueue(sqsClient, cfg, cfg.AWS.TriggerQueueURL))
	}

	ready := newReadiness(len(queues))
	httpServer := &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           h2c.NewHandler(newHandler(w, registry, ready, authToken, logger), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
		return nil
	})
	for _, q := range queues {
		q := q
		g.Go(func() error {
			return consume(gctx, q, w, cfg.Server.Concurrency, ready.started, logger.With(slog.String("queue", q.URL())))
		})
	}

	err = g.Wait()
	logger.Info("hookwatch stopped")
	return err
}

func newQueue(client *sqs.Client, cfg *config.Config, url string) *awsprovider.Queue {
	return awsprovider.NewQueue(client, awsprovider.QueueConfig{
		URL:               url,
		VisibilityTimeout: cfg.Server.VisibilityTimeout,
		BatchSize:         min(cfg.Server.Concurrency, 10),
	})
}

// activator runs one activation. *watcher.Watcher implements it.
type activator interface {
	Activate(ctx context.Context, payload []byte) (*watcher.Result, error)
}

type messageQueue interface {
	URL() string
	Receive(ctx context.Context) ([]awsprovider.Message, error)
	Delete(ctx context.Context, m awsprovider.Message) error
}

// consume receives from q until ctx is cancelled, running at most
// concurrency activations at a time. A message is deleted once its
// activation finished or turned out to be malformed. Anything else is left
// for redelivery after the visibility timeout. started, if set, is called
// once before the first receive.
func consume(ctx context.Context, q messageQueue, a activator, concurrency int, started func(), logger *slog.Logger) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	defer g.Wait()

	logger.Info("consuming queue")
	if started != nil {
		started()
	}
	for {
		if ctx.Err() != nil {
			logger.Info("queue consumer stopping")
			return nil
		}

		msgs, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("failed to receive messages", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			msg := msg
			// In-flight activations finish even when shutdown starts so
			// that a verdict or continuation is never half sent.
			actx := context.WithoutCancel(ctx)
			g.Go(func() error {
				handleMessage(actx, q, a, msg, logger)
				return nil
			})
		}
	}
}

func handleMessage(ctx context.Context, q messageQueue, a activator, msg awsprovider.Message, logger *slog.Logger) {
	logger = logger.With(slog.String("message_id", msg.ID), slog.Int("receive_count", msg.ReceiveCount))

	_, err := a.Activate(ctx, msg.Body)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrMalformedEvent):
		logger.Warn("dropping malformed message", slog.String("error", err.Error()))
	default:
		logger.Error("activation failed, leaving message for redelivery", slog.String("error", err.Error()))
		return
	}

	if err := q.Delete(ctx, msg); err != nil {
		logger.Error("failed to delete message", slog.String("error", err.Error()))
	}
}

func newHandler(a activator, gatherer prometheus.Gatherer, ready *readiness, authToken string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", readyzHandler(ready))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("POST /v1/activations", activationHandler(a, logger))

	if authToken == "" {
		return mux
	}
	logger.Info("authentication enabled")
	middleware := auth.NewMiddleware(
		auth.NewBearerTokenAuthenticator(authToken, "system:authenticated"),
		auth.WithExcludedPaths("/healthz", "/readyz", "/metrics"),
		auth.WithLogger(logger),
	)
	return middleware.Wrap(mux)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// readiness turns ready once every queue consumer has started receiving.
type readiness struct {
	pending atomic.Int32
}

func newReadiness(consumers int) *readiness {
	r := &readiness{}
	r.pending.Store(int32(consumers))
	return r
}

func (r *readiness) started() {
	r.pending.Add(-1)
}

func (r *readiness) ready() bool {
	return r.pending.Load() <= 0
}

func readyzHandler(ready *readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("queue consumers not started"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}

// activationHandler runs one activation for the request body, the same way
// a queue message would be handled.
func activationHandler(a activator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxActivationBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		res, err := a.Activate(context.WithoutCancel(r.Context()), payload)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, lifecycle.ErrMalformedEvent) {
				status = http.StatusBadRequest
			}
			logger.Warn("activation request failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(newActivationOutput(res)); err != nil {
			logger.Error("failed to write activation response", slog.String("error", err.Error()))
		}
	}
}
