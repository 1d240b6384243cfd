// Package provider defines the collaborators an activation talks to: the
// cluster control plane, the scaling authority that owns the lifecycle hook,
// and the channel that re-delivers continuations.
//
// Implementations live in subpackages. Clients are acquired fresh for every
// activation through a Factory and released before the activation returns.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

// ErrNotClusterMember is returned by Cluster methods when the node does not
// belong to any cluster the implementation can see.
var ErrNotClusterMember = errors.New("node is not a cluster member")

// ErrActionClosed is returned by Authority.Heartbeat when the authority no
// longer has an open lifecycle action for the hook token, typically because
// a verdict was already reported or the authority timed it out.
var ErrActionClosed = errors.New("lifecycle action is no longer open")

// Node is the control plane's view of a cluster node.
type Node struct {
	// ID is the control plane's identifier (e.g. a container instance ARN).
	ID string
	// InstanceID is the scaling group's identifier for the same machine.
	InstanceID     string
	Cluster        string
	Status         string
	AgentConnected bool
	RunningTasks   int
	PendingTasks   int
}

// Stability summarizes whether a cluster's workloads have settled.
type Stability struct {
	Stable bool
	// Unstable names the services and tasks that have not settled.
	Unstable []string
}

// Cluster queries and mutates the cluster control plane.
type Cluster interface {
	// Name identifies the implementation in logs.
	Name() string

	// DescribeNode returns the node named by lc.NodeID, or
	// ErrNotClusterMember.
	DescribeNode(ctx context.Context, lc lifecycle.Context) (*Node, error)

	// MarkDraining asks the control plane to stop placing work on the node
	// and evacuate it. Repeated calls must be harmless.
	MarkDraining(ctx context.Context, lc lifecycle.Context) error

	// Stability reports whether every service and task in the node's
	// cluster has settled.
	Stability(ctx context.Context, lc lifecycle.Context) (*Stability, error)
}

// Authority is the external owner of the node lifecycle.
type Authority interface {
	// Heartbeat extends the authority's own timeout for the transition.
	Heartbeat(ctx context.Context, lc lifecycle.Context) error

	// ReportVerdict completes the transition. Reporting twice for the same
	// hook token must not fail.
	ReportVerdict(ctx context.Context, lc lifecycle.Context, v lifecycle.Verdict) error
}

// Emitter schedules a future activation for lc after delay.
type Emitter interface {
	Emit(ctx context.Context, lc lifecycle.Context, delay time.Duration) error
}

// Clients bundles the collaborators for a single activation.
type Clients struct {
	Cluster   Cluster
	Authority Authority
	Emitter   Emitter

	release []func()
}

// OnClose registers fn to run when the clients are released.
func (c *Clients) OnClose(fn func()) {
	c.release = append(c.release, fn)
}

// Close releases everything acquired for the activation. Callbacks run in
// reverse registration order.
func (c *Clients) Close() {
	for i := len(c.release) - 1; i >= 0; i-- {
		c.release[i]()
	}
	c.release = nil
}

// Factory acquires clients for one activation.
type Factory interface {
	Acquire(ctx context.Context) (*Clients, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (*Clients, error)

// Acquire calls f.
func (f FactoryFunc) Acquire(ctx context.Context) (*Clients, error) {
	return f(ctx)
}
