// Package coordinator lets clusters that are not ECS take part in lifecycle
// hooks through HTTP webhooks.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
)

// WebhookConfig configures the webhook cluster.
type WebhookConfig struct {
	// NodeStatusURL is queried with ?node_id=<id> and should return a
	// WebhookNodeStatus, or 404 when the node is not a member.
	NodeStatusURL string `yaml:"node_status_url"`

	// DrainURL is called when a node should stop accepting work.
	DrainURL string `yaml:"drain_url"`

	// ClusterStatusURL is queried with ?node_id=<id> and should return a
	// WebhookClusterStatus.
	ClusterStatusURL string `yaml:"cluster_status_url"`

	// Timeout for webhook requests. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Headers to include in webhook requests (e.g., for authentication).
	Headers map[string]string `yaml:"headers"`
}

// Enabled reports whether any endpoint is configured.
func (c WebhookConfig) Enabled() bool {
	return c.NodeStatusURL != "" || c.DrainURL != "" || c.ClusterStatusURL != ""
}

// WebhookEvent is the payload sent to the drain endpoint.
type WebhookEvent struct {
	Event     string `json:"event"`
	NodeID    string `json:"node_id"`
	GroupName string `json:"group_name"`
	HookToken string `json:"hook_token"`
	Timestamp string `json:"timestamp"`
}

// WebhookNodeStatus is the expected response from node_status_url.
type WebhookNodeStatus struct {
	ID             string `json:"id,omitempty"`
	Cluster        string `json:"cluster,omitempty"`
	Status         string `json:"status"`
	AgentConnected bool   `json:"agent_connected"`
	RunningTasks   int    `json:"running_tasks"`
	PendingTasks   int    `json:"pending_tasks"`
}

// WebhookClusterStatus is the expected response from cluster_status_url.
type WebhookClusterStatus struct {
	Stable   bool     `json:"stable"`
	Unstable []string `json:"unstable,omitempty"`
}

// Webhook implements provider.Cluster over HTTP. Endpoints that are not
// configured answer as if the node had already converged.
type Webhook struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a new webhook cluster.
func NewWebhook(config WebhookConfig, logger *slog.Logger) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		config: config,
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			Timeout:   config.Timeout,
		},
		logger: logger,
	}
}

// Name returns the cluster name.
func (w *Webhook) Name() string {
	return "webhook"
}

// DescribeNode queries the node status endpoint.
func (w *Webhook) DescribeNode(ctx context.Context, lc lifecycle.Context) (*provider.Node, error) {
	if w.config.NodeStatusURL == "" {
		w.logger.Debug("no node status webhook configured, assuming converged")
		node := &provider.Node{ID: lc.NodeID, InstanceID: lc.NodeID, Status: lifecycle.StatusActive, AgentConnected: true}
		if lc.Role == lifecycle.RoleDrain {
			node.Status = lifecycle.StatusDraining
		}
		return node, nil
	}

	var status WebhookNodeStatus
	found, err := w.get(ctx, w.config.NodeStatusURL, lc.NodeID, &status)
	if err != nil {
		return nil, fmt.Errorf("node status: %w", err)
	}
	if !found {
		return nil, provider.ErrNotClusterMember
	}

	id := status.ID
	if id == "" {
		id = lc.NodeID
	}
	return &provider.Node{
		ID:             id,
		InstanceID:     lc.NodeID,
		Cluster:        status.Cluster,
		Status:         status.Status,
		AgentConnected: status.AgentConnected,
		RunningTasks:   status.RunningTasks,
		PendingTasks:   status.PendingTasks,
	}, nil
}

// MarkDraining calls the drain webhook endpoint. The endpoint must tolerate
// repeated calls for the same node.
func (w *Webhook) MarkDraining(ctx context.Context, lc lifecycle.Context) error {
	if w.config.DrainURL == "" {
		w.logger.Debug("no drain webhook configured, skipping")
		return nil
	}

	event := WebhookEvent{
		Event:     "drain",
		NodeID:    lc.NodeID,
		GroupName: lc.GroupName,
		HookToken: lc.HookToken,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return w.post(ctx, w.config.DrainURL, event)
}

// Stability queries the cluster status endpoint.
func (w *Webhook) Stability(ctx context.Context, lc lifecycle.Context) (*provider.Stability, error) {
	if w.config.ClusterStatusURL == "" {
		w.logger.Debug("no cluster status webhook configured, assuming stable")
		return &provider.Stability{Stable: true}, nil
	}

	var status WebhookClusterStatus
	found, err := w.get(ctx, w.config.ClusterStatusURL, lc.NodeID, &status)
	if err != nil {
		return nil, fmt.Errorf("cluster status: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("cluster status: endpoint returned 404")
	}

	w.logger.Debug("cluster status checked",
		slog.String("node_id", lc.NodeID),
		slog.Bool("stable", status.Stable),
		slog.Any("unstable", status.Unstable),
	)
	return &provider.Stability{Stable: status.Stable, Unstable: status.Unstable}, nil
}

// Wrap returns a factory whose clients use a webhook cluster configured like
// w. Every acquisition gets its own HTTP client, whose idle connections are
// closed when the clients are released.
func (w *Webhook) Wrap(f provider.Factory) provider.Factory {
	return provider.FactoryFunc(func(ctx context.Context) (*provider.Clients, error) {
		clients, err := f.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		cluster := NewWebhook(w.config, w.logger)
		clients.Cluster = cluster
		clients.OnClose(cluster.client.CloseIdleConnections)
		return clients, nil
	})
}

// get fetches base?node_id=<id> into out. found is false on 404.
func (w *Webhook) get(ctx context.Context, base, nodeID string, out any) (found bool, err error) {
	u, err := url.Parse(base)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("node_id", nodeID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return true, nil
}

func (w *Webhook) post(ctx context.Context, endpoint string, event WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	w.logger.Info("drain webhook sent",
		slog.String("event", event.Event),
		slog.String("node_id", event.NodeID),
	)
	return nil
}

var _ provider.Cluster = (*Webhook)(nil)
