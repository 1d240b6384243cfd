// Package fake provides in-memory implementations of the provider
// collaborators for tests and dry runs.
package fake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
)

// Provider owns a fake cluster, authority and emitter, and hands them out
// through Acquire.
type Provider struct {
	Cluster   *Cluster
	Authority *Authority
	Emitter   *Emitter

	mu       sync.Mutex
	acquired int
	released int
}

// New creates a fake provider. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Cluster:   NewCluster(),
		Authority: &Authority{logger: logger},
		Emitter:   &Emitter{},
	}
}

// Acquire implements provider.Factory.
func (p *Provider) Acquire(ctx context.Context) (*provider.Clients, error) {
	p.mu.Lock()
	p.acquired++
	p.mu.Unlock()

	c := &provider.Clients{
		Cluster:   p.Cluster,
		Authority: p.Authority,
		Emitter:   p.Emitter,
	}
	c.OnClose(func() {
		p.mu.Lock()
		p.released++
		p.mu.Unlock()
	})
	return c, nil
}

// Leases returns how many client sets were acquired and released.
func (p *Provider) Leases() (acquired, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// Cluster is an in-memory control plane keyed by instance id.
type Cluster struct {
	mu        sync.Mutex
	nodes     map[string]provider.Node
	stability provider.Stability
	err       error
	drains    int
}

// NewCluster creates an empty cluster whose workloads are stable.
func NewCluster() *Cluster {
	return &Cluster{
		nodes:     make(map[string]provider.Node),
		stability: provider.Stability{Stable: true},
	}
}

func (c *Cluster) Name() string {
	return "fake"
}

// PutNode adds or replaces a node.
func (c *Cluster) PutNode(n provider.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.InstanceID] = n
}

// UpdateNode applies fn to the node with the given instance id, if present.
func (c *Cluster) UpdateNode(instanceID string, fn func(n *provider.Node)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[instanceID]; ok {
		fn(&n)
		c.nodes[instanceID] = n
	}
}

// Node returns a copy of the node with the given instance id.
func (c *Cluster) Node(instanceID string) (provider.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[instanceID]
	return n, ok
}

// SetStability sets what Stability reports.
func (c *Cluster) SetStability(s provider.Stability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stability = s
}

// SetError makes every query fail with err until cleared with nil.
func (c *Cluster) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// DrainRequests returns how many times MarkDraining was called.
func (c *Cluster) DrainRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drains
}

func (c *Cluster) DescribeNode(ctx context.Context, lc lifecycle.Context) (*provider.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	n, ok := c.nodes[lc.NodeID]
	if !ok {
		return nil, provider.ErrNotClusterMember
	}
	return &n, nil
}

// MarkDraining moves an ACTIVE node to DRAINING and leaves any other state
// untouched.
func (c *Cluster) MarkDraining(ctx context.Context, lc lifecycle.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.drains++
	n, ok := c.nodes[lc.NodeID]
	if !ok {
		return provider.ErrNotClusterMember
	}
	if n.Status == lifecycle.StatusActive {
		n.Status = lifecycle.StatusDraining
		c.nodes[lc.NodeID] = n
	}
	return nil
}

func (c *Cluster) Stability(ctx context.Context, lc lifecycle.Context) (*provider.Stability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := c.stability
	s.Unstable = append([]string(nil), c.stability.Unstable...)
	return &s, nil
}

// Authority records heartbeats and verdicts per hook token.
type Authority struct {
	logger *slog.Logger

	mu           sync.Mutex
	heartbeats   map[string]int
	verdicts     map[string][]lifecycle.Verdict
	heartbeatErr error
	verdictErr   error
	calls        int
}

// SetHeartbeatError makes Heartbeat fail with err until cleared with nil.
func (a *Authority) SetHeartbeatError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heartbeatErr = err
}

// SetVerdictError makes ReportVerdict fail with err until cleared with nil.
func (a *Authority) SetVerdictError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verdictErr = err
}

func (a *Authority) Heartbeat(ctx context.Context, lc lifecycle.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.heartbeatErr != nil {
		return a.heartbeatErr
	}
	if a.heartbeats == nil {
		a.heartbeats = make(map[string]int)
	}
	a.heartbeats[lc.HookToken]++
	return nil
}

// ReportVerdict records v. Later reports for the same token are kept but
// do not fail, mirroring an authority that ignores duplicates.
func (a *Authority) ReportVerdict(ctx context.Context, lc lifecycle.Context, v lifecycle.Verdict) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.verdictErr != nil {
		return a.verdictErr
	}
	if a.verdicts == nil {
		a.verdicts = make(map[string][]lifecycle.Verdict)
	}
	if len(a.verdicts[lc.HookToken]) > 0 && a.logger != nil {
		a.logger.Debug("duplicate verdict ignored",
			slog.String("hook_token", lc.HookToken),
			slog.String("verdict", string(v)),
		)
	}
	a.verdicts[lc.HookToken] = append(a.verdicts[lc.HookToken], v)
	return nil
}

// Heartbeats returns the successful heartbeat count for token.
func (a *Authority) Heartbeats(token string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeats[token]
}

// Verdicts returns every verdict reported for token.
func (a *Authority) Verdicts(token string) []lifecycle.Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]lifecycle.Verdict(nil), a.verdicts[token]...)
}

// Calls returns the number of Heartbeat and ReportVerdict attempts.
func (a *Authority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Emission is one continuation handed to the Emitter.
type Emission struct {
	Payload []byte
	Delay   time.Duration
}

// Emitter records continuations as encoded envelopes.
type Emitter struct {
	mu        sync.Mutex
	emissions []Emission
	err       error
}

// SetError makes Emit fail with err until cleared with nil.
func (e *Emitter) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *Emitter) Emit(ctx context.Context, lc lifecycle.Context, delay time.Duration) error {
	payload, err := event.Encode(lc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.emissions = append(e.emissions, Emission{Payload: payload, Delay: delay})
	return nil
}

// Emissions returns everything emitted so far.
func (e *Emitter) Emissions() []Emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Emission(nil), e.emissions...)
}

// Pop removes and returns the oldest emission.
func (e *Emitter) Pop() (Emission, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.emissions) == 0 {
		return Emission{}, false
	}
	em := e.emissions[0]
	e.emissions = e.emissions[1:]
	return em, true
}

var (
	_ provider.Factory   = (*Provider)(nil)
	_ provider.Cluster   = (*Cluster)(nil)
	_ provider.Authority = (*Authority)(nil)
	_ provider.Emitter   = (*Emitter)(nil)
)
