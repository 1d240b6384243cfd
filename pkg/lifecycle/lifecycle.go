// Package lifecycle defines the values that flow through one activation of a
// lifecycle-hook watcher.
//
// Nothing in this package is persisted between activations. A Context is
// rebuilt from the inbound notification every time, and the fields that must
// survive (notably the deadline) travel inside the continuation message.
package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// Role is the transition direction a watcher supervises.
type Role string

const (
	// RoleJoin confirms a launching node registered and is ready for work.
	RoleJoin Role = "join"
	// RoleDrain confirms a terminating node has evacuated its work.
	RoleDrain Role = "drain"
)

// Auto Scaling lifecycle transition names.
const (
	TransitionLaunching   = "autoscaling:EC2_INSTANCE_LAUNCHING"
	TransitionTerminating = "autoscaling:EC2_INSTANCE_TERMINATING"
)

// ParseRole accepts a role name or an Auto Scaling transition name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "join", strings.ToLower(TransitionLaunching):
		return RoleJoin, nil
	case "drain", strings.ToLower(TransitionTerminating):
		return RoleDrain, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Context identifies one transition being supervised.
//
// Context is a value type. The engine never mutates one; Next derives the
// context carried by the following continuation.
type Context struct {
	NodeID          string
	GroupName       string
	HookName        string
	HookToken       string
	Role            Role
	Deadline        time.Time
	ActivationCount int
}

// Next returns the context for the continuation emitted after this
// activation. Only ActivationCount changes.
func (c Context) Next() Context {
	c.ActivationCount++
	return c
}

// Expired reports whether now is at or past the deadline.
func (c Context) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// Container instance states reported by the cluster control plane.
const (
	StatusActive   = "ACTIVE"
	StatusDraining = "DRAINING"
)

// ProbeResult is a point-in-time reading of the node and its cluster.
// It is discarded once the decision engine has consumed it.
type ProbeResult struct {
	// Registered is false when the node is not a member of any cluster.
	Registered bool

	// Status is the node's membership state, e.g. ACTIVE or DRAINING.
	Status string

	// AgentConnected reports the node agent's link to the control plane.
	AgentConnected bool

	RunningTasks int
	PendingTasks int

	// ServicesStable is true when every service and task in the cluster has
	// settled. Only probed for the drain role.
	ServicesStable bool

	// Unstable names services or tasks that have not settled.
	Unstable []string

	// Err is set when a control-plane query failed.
	Err error
}

// Failed reports whether the probe could not reach the control plane.
func (p ProbeResult) Failed() bool {
	return p.Err != nil
}

// Outcome is the decision engine's reading of a probe.
type Outcome string

const (
	Ready       Outcome = "ready"
	NotYetReady Outcome = "not_ready"
	Failed      Outcome = "failed"
)

// Verdict is the terminal answer reported to the scaling authority.
//
// Abandon is advisory. The authority may still complete the instance launch
// or termination after receiving it; the only real veto available to a
// watcher is extending time with heartbeats.
type Verdict string

const (
	Proceed Verdict = "CONTINUE"
	Abandon Verdict = "ABANDON"
)
