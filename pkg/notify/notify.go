// Package notify tells operators how a transition ended.
package notify

import (
	"context"
	"time"
)

// Event describes a terminal verdict for one transition.
type Event struct {
	HookToken string    `json:"hook_token"`
	NodeID    string    `json:"node_id"`
	GroupName string    `json:"group_name"`
	Role      string    `json:"role"`
	Verdict   string    `json:"verdict"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends verdict notifications.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
