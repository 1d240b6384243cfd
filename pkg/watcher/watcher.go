// Package watcher runs single activations of a lifecycle-hook watcher.
//
// An activation decodes the notification, acquires fresh control-plane
// clients, probes the node, decides, and either reports a verdict or
// schedules the next activation. Nothing survives between activations except
// what the continuation message carries, so a Watcher can serve any number
// of concurrent activations for distinct hook tokens.
//
// A Watcher configured with the join role is a Join Watcher, one configured
// with the drain role is a Drain Watcher; the role only decides how
// notifications that do not name a transition are read.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/NavarchProject/hookwatch/pkg/clock"
	"github.com/NavarchProject/hookwatch/pkg/decision"
	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/metrics"
	"github.com/NavarchProject/hookwatch/pkg/notify"
	"github.com/NavarchProject/hookwatch/pkg/probe"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/scheduler"
)

// DefaultActivationTimeout bounds the control-plane work of one activation.
const DefaultActivationTimeout = 2 * time.Minute

// Config wires a Watcher. Decoder, Engine, Scheduler and Factory are required.
type Config struct {
	Decoder   *event.Decoder
	Engine    *decision.Engine
	Scheduler *scheduler.Scheduler
	Factory   provider.Factory

	// Optional.
	Prober            *probe.Prober
	Notifier          notify.Notifier
	Metrics           *metrics.Metrics
	Clock             clock.Clock
	ActivationTimeout time.Duration
	Logger            *slog.Logger
}

// Watcher is immutable after construction.
type Watcher struct {
	decoder   *event.Decoder
	prober    *probe.Prober
	engine    *decision.Engine
	scheduler *scheduler.Scheduler
	factory   provider.Factory
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	clock     clock.Clock
	timeout   time.Duration
	logger    *slog.Logger
}

// New validates cfg and creates a Watcher.
func New(cfg Config) (*Watcher, error) {
	switch {
	case cfg.Decoder == nil:
		return nil, errors.New("watcher: decoder is required")
	case cfg.Engine == nil:
		return nil, errors.New("watcher: decision engine is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("watcher: scheduler is required")
	case cfg.Factory == nil:
		return nil, errors.New("watcher: client factory is required")
	}

	w := &Watcher{
		decoder:   cfg.Decoder,
		prober:    cfg.Prober,
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		factory:   cfg.Factory,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		timeout:   cfg.ActivationTimeout,
		logger:    cfg.Logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.prober == nil {
		w.prober = probe.New(w.logger.With(slog.String("component", "prober")))
	}
	if w.notifier == nil {
		w.notifier = notify.NewLogNotifier(w.logger)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.timeout <= 0 {
		w.timeout = DefaultActivationTimeout
	}
	return w, nil
}

// Result describes one completed activation.
type Result struct {
	ActivationID string
	Context      lifecycle.Context
	Probe        lifecycle.ProbeResult
	Outcome      lifecycle.Outcome
	scheduler.Result
}

// Activate runs one activation for payload.
//
// A malformed payload returns an error wrapping lifecycle.ErrMalformedEvent
// before any client is acquired; callers must not redeliver it. Any other
// error means the activation ended without a verdict or continuation and
// the notification should be redelivered.
func (w *Watcher) Activate(ctx context.Context, payload []byte) (*Result, error) {
	started := time.Now()
	id := uuid.NewString()

	lc, err := w.decoder.Decode(payload)
	if err != nil {
		w.metrics.ObserveError("unknown", metrics.StageDecode)
		w.logger.ErrorContext(ctx, "rejecting malformed notification",
			slog.String("activation_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("activation %s: %w", id, err)
	}

	role := string(lc.Role)
	logger := w.logger.With(
		slog.String("activation_id", id),
		slog.String("hook_token", lc.HookToken),
		slog.String("node_id", lc.NodeID),
		slog.String("group", lc.GroupName),
		slog.String("role", role),
		slog.Int("activation", lc.ActivationCount),
	)
	logger.InfoContext(ctx, "activation started", slog.Time("deadline", lc.Deadline))

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	clients, err := w.factory.Acquire(ctx)
	if err != nil {
		w.metrics.ObserveError(role, metrics.StageAcquire)
		logger.ErrorContext(ctx, "failed to acquire clients", slog.String("error", err.Error()))
		return nil, fmt.Errorf("activation %s: acquire clients: %w", id, err)
	}
	defer clients.Close()

	pr := w.prober.Probe(ctx, clients.Cluster, lc)
	if pr.Failed() {
		w.metrics.ObserveProbeFailure(role)
		logger.WarnContext(ctx, "probe failed, treating node as not ready",
			slog.String("cluster", clients.Cluster.Name()),
			slog.String("error", pr.Err.Error()),
		)
	}

	now := w.clock.Now()
	outcome := w.engine.Decide(lc.Role, pr, now, lc.Deadline)
	w.metrics.ObserveActivation(role, string(outcome), time.Since(started))
	logger.InfoContext(ctx, "node evaluated",
		slog.String("outcome", string(outcome)),
		slog.Bool("registered", pr.Registered),
		slog.String("status", pr.Status),
		slog.Bool("agent_connected", pr.AgentConnected),
		slog.Int("running_tasks", pr.RunningTasks),
		slog.Int("pending_tasks", pr.PendingTasks),
		slog.Bool("services_stable", pr.ServicesStable),
		slog.Any("unstable", pr.Unstable),
	)

	res := &Result{ActivationID: id, Context: lc, Probe: pr, Outcome: outcome}

	resolved, err := w.scheduler.Resolve(ctx, clients.Authority, clients.Emitter, lc, outcome, now)
	if err != nil {
		w.metrics.ObserveError(role, metrics.StageResolve)
		logger.ErrorContext(ctx, "activation ended without verdict or continuation",
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("activation %s: %w", id, err)
	}
	res.Result = resolved

	switch resolved.Action {
	case scheduler.ActionContinue:
		w.metrics.ObserveContinuation(role)
	case scheduler.ActionClosed:
		logger.WarnContext(ctx, "transition closed by the authority before a verdict")
	case scheduler.ActionProceed, scheduler.ActionAbandon:
		w.metrics.ObserveVerdict(role, string(resolved.Verdict))
		w.notifyVerdict(ctx, logger, lc, pr, resolved.Verdict, now)
	}
	return res, nil
}

func (w *Watcher) notifyVerdict(ctx context.Context, logger *slog.Logger, lc lifecycle.Context, pr lifecycle.ProbeResult, v lifecycle.Verdict, now time.Time) {
	msg := "node transition confirmed"
	if v == lifecycle.Abandon {
		msg = fmt.Sprintf("deadline %s reached before node converged", lc.Deadline.Format(time.RFC3339))
		if pr.Failed() {
			msg += ": " + pr.Err.Error()
		}
	}

	err := w.notifier.Notify(ctx, notify.Event{
		HookToken: lc.HookToken,
		NodeID:    lc.NodeID,
		GroupName: lc.GroupName,
		Role:      string(lc.Role),
		Verdict:   string(v),
		Message:   msg,
		Timestamp: now,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to send verdict notification", slog.String("error", err.Error()))
	}
}
