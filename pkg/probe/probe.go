// Package probe reads the current state of a transitioning node from the
// cluster control plane.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
)

// Prober produces a ProbeResult for one activation.
type Prober struct {
	logger *slog.Logger
}

// New creates a Prober. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{logger: logger}
}

// Probe queries cluster for the node in lc. Query failures are reported in
// ProbeResult.Err rather than returned.
func (p *Prober) Probe(ctx context.Context, cluster provider.Cluster, lc lifecycle.Context) lifecycle.ProbeResult {
	switch lc.Role {
	case lifecycle.RoleJoin:
		return p.probeJoin(ctx, cluster, lc)
	case lifecycle.RoleDrain:
		return p.probeDrain(ctx, cluster, lc)
	default:
		return lifecycle.ProbeResult{Err: fmt.Errorf("unsupported role %q", lc.Role)}
	}
}

func (p *Prober) probeJoin(ctx context.Context, cluster provider.Cluster, lc lifecycle.Context) lifecycle.ProbeResult {
	node, res, ok := describe(ctx, cluster, lc)
	if !ok {
		return res
	}
	return fromNode(node)
}

// probeDrain marks the node draining when it is first seen or is still
// ACTIVE, then reads its task counts. Cluster stability is only queried once
// the node itself is empty.
func (p *Prober) probeDrain(ctx context.Context, cluster provider.Cluster, lc lifecycle.Context) lifecycle.ProbeResult {
	node, res, ok := describe(ctx, cluster, lc)
	if !ok {
		return res
	}

	if lc.ActivationCount == 0 || node.Status == lifecycle.StatusActive {
		p.logger.InfoContext(ctx, "marking node draining",
			slog.String("node_id", lc.NodeID),
			slog.String("cluster_node", node.ID),
			slog.String("status", node.Status),
		)
		if err := cluster.MarkDraining(ctx, lc); err != nil {
			if errors.Is(err, provider.ErrNotClusterMember) {
				return lifecycle.ProbeResult{}
			}
			return lifecycle.ProbeResult{Registered: true, Status: node.Status, Err: fmt.Errorf("mark draining: %w", err)}
		}
		if node, res, ok = describe(ctx, cluster, lc); !ok {
			return res
		}
	}

	result := fromNode(node)
	if result.Status != lifecycle.StatusDraining || result.RunningTasks > 0 || result.PendingTasks > 0 {
		return result
	}

	stability, err := cluster.Stability(ctx, lc)
	if err != nil {
		result.Err = fmt.Errorf("cluster stability: %w", err)
		return result
	}
	result.ServicesStable = stability.Stable
	result.Unstable = stability.Unstable
	return result
}

// describe returns ok=false with the result to report when the node could
// not be read or is not a member.
func describe(ctx context.Context, cluster provider.Cluster, lc lifecycle.Context) (*provider.Node, lifecycle.ProbeResult, bool) {
	node, err := cluster.DescribeNode(ctx, lc)
	switch {
	case errors.Is(err, provider.ErrNotClusterMember):
		return nil, lifecycle.ProbeResult{Registered: false}, false
	case err != nil:
		return nil, lifecycle.ProbeResult{Err: fmt.Errorf("describe node: %w", err)}, false
	}
	return node, lifecycle.ProbeResult{}, true
}

func fromNode(n *provider.Node) lifecycle.ProbeResult {
	return lifecycle.ProbeResult{
		Registered:     true,
		Status:         n.Status,
		AgentConnected: n.AgentConnected,
		RunningTasks:   n.RunningTasks,
		PendingTasks:   n.PendingTasks,
	}
}
