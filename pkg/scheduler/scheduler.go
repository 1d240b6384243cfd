// Package scheduler acts on an outcome: it reports the terminal verdict, or
// keeps the lifecycle action alive and re-arms a future activation.
//
// An activation never waits for the node to converge. When the node is not
// ready the scheduler heartbeats the scaling authority, emits a continuation
// carrying the same hook token and deadline, and returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/retry"
)

// DefaultPollInterval is the delay between activations of an unconverged
// transition.
const DefaultPollInterval = time.Minute

// Config configures a Scheduler.
type Config struct {
	// PollInterval delays each continuation.
	PollInterval time.Duration

	// Retry bounds heartbeat, verdict and emit calls within one activation.
	Retry retry.Config
}

// Action is what the scheduler did with an outcome.
type Action string

const (
	ActionProceed  Action = "proceed"
	ActionAbandon  Action = "abandon"
	ActionContinue Action = "continue"

	// ActionClosed means the authority had already closed the lifecycle
	// action, so there was nothing left to keep alive.
	ActionClosed Action = "closed"
)

// Result describes a resolved activation.
type Result struct {
	Action Action

	// Verdict is set for ActionProceed and ActionAbandon.
	Verdict lifecycle.Verdict

	// Next is the context carried by the continuation for ActionContinue.
	Next *lifecycle.Context
}

// Scheduler resolves outcomes. It keeps no state between calls.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Scheduler. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// PollInterval returns the configured continuation delay.
func (s *Scheduler) PollInterval() time.Duration {
	return s.cfg.PollInterval
}

// Resolve acts on outcome for lc at time now.
//
// Ready reports Proceed. Failed, or NotYetReady at or past the deadline,
// reports Abandon. Otherwise the lifecycle action is heartbeated and a
// continuation is emitted. If a call still fails after the retry budget the
// error is returned and no continuation is emitted; whatever delivered this
// activation is expected to redeliver it.
func (s *Scheduler) Resolve(ctx context.Context, authority provider.Authority, emitter provider.Emitter, lc lifecycle.Context, outcome lifecycle.Outcome, now time.Time) (Result, error) {
	switch {
	case outcome == lifecycle.Ready:
		return s.report(ctx, authority, lc, lifecycle.Proceed)
	case outcome == lifecycle.Failed, lc.Expired(now):
		return s.report(ctx, authority, lc, lifecycle.Abandon)
	}

	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return authority.Heartbeat(ctx, lc)
	})
	if errors.Is(err, provider.ErrActionClosed) {
		s.logger.WarnContext(ctx, "lifecycle action already closed, dropping continuation",
			slog.String("hook_token", lc.HookToken),
		)
		return Result{Action: ActionClosed}, nil
	}
	if err != nil {
		// The authority's own heartbeat timeout keeps running; if this
		// persists it may complete the action before the deadline.
		return Result{}, fmt.Errorf("heartbeat: %w", err)
	}

	next := lc.Next()
	if err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return emitter.Emit(ctx, next, s.cfg.PollInterval)
	}); err != nil {
		return Result{}, fmt.Errorf("emit continuation: %w", err)
	}

	s.logger.InfoContext(ctx, "continuation scheduled",
		slog.String("hook_token", lc.HookToken),
		slog.Int("next_activation", next.ActivationCount),
		slog.Duration("delay", s.cfg.PollInterval),
		slog.Duration("remaining", lc.Deadline.Sub(now)),
	)
	return Result{Action: ActionContinue, Next: &next}, nil
}

func (s *Scheduler) report(ctx context.Context, authority provider.Authority, lc lifecycle.Context, v lifecycle.Verdict) (Result, error) {
	if err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return authority.ReportVerdict(ctx, lc, v)
	}); err != nil {
		return Result{}, fmt.Errorf("report verdict %s: %w", v, err)
	}

	action := ActionProceed
	if v == lifecycle.Abandon {
		action = ActionAbandon
	}
	s.logger.InfoContext(ctx, "verdict reported",
		slog.String("hook_token", lc.HookToken),
		slog.String("verdict", string(v)),
	)
	return Result{Action: action, Verdict: v}, nil
}
