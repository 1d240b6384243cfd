package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/NavarchProject/hookwatch/pkg/config"
	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/metrics"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/provider/fake"
	"github.com/NavarchProject/hookwatch/pkg/watcher"
)

func activateCmd() *cobra.Command {
	var (
		dryRun         bool
		nodeStatus     string
		agentConnected bool
		runningTasks   int
	)

	cmd := &cobra.Command{
		Use:   "activate [file]",
		Short: "Run one activation for a lifecycle notification",
		Long: `Run one activation for the notification in file, or on stdin when no file
is given. With --dry-run the activation runs against an in-memory cluster
seeded from the --node-* flags and nothing is sent to AWS.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := stderrLogger(cfg)

			var (
				factory provider.Factory
				dry     *fake.Provider
			)
			if dryRun {
				dry = fake.New(logger)
				if nodeStatus != "" {
					lc, err := event.NewDecoder(event.Config{DefaultRole: cfg.LifecycleRole(), DefaultHookName: cfg.HookName}).Decode(payload)
					if err != nil {
						return err
					}
					dry.Cluster.PutNode(provider.Node{
						ID:             "dry-run/" + lc.NodeID,
						InstanceID:     lc.NodeID,
						Status:         nodeStatus,
						AgentConnected: agentConnected,
						RunningTasks:   runningTasks,
					})
				}
				factory = dry
			} else {
				factory, err = newFactory(cfg, logger)
				if err != nil {
					return err
				}
			}

			w, err := newWatcher(cfg, factory, metrics.New(), logger)
			if err != nil {
				return err
			}

			res, activateErr := w.Activate(cmd.Context(), payload)
			if res == nil {
				return activateErr
			}

			out := newActivationOutput(res)
			if dry != nil {
				if em, ok := dry.Emitter.Pop(); ok {
					out.Continuation = &continuationOutput{Delay: em.Delay.String(), Payload: em.Payload}
				}
			}
			if err := renderActivation(cmd.OutOrStdout(), outputFormat, out); err != nil {
				return err
			}
			return activateErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run against an in-memory cluster instead of AWS")
	cmd.Flags().StringVar(&nodeStatus, "node-status", "ACTIVE", "Dry run: node status, empty for a node that is not a cluster member")
	cmd.Flags().BoolVar(&agentConnected, "node-agent-connected", true, "Dry run: whether the node's agent is connected")
	cmd.Flags().IntVar(&runningTasks, "node-running-tasks", 0, "Dry run: tasks running on the node")

	return cmd
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read notification: %w", err)
	}
	return data, nil
}

type activationOutput struct {
	ActivationID string              `json:"activation_id"`
	NodeID       string              `json:"node_id"`
	GroupName    string              `json:"group_name"`
	HookToken    string              `json:"hook_token"`
	Role         lifecycle.Role      `json:"role"`
	Activation   int                 `json:"activation"`
	Deadline     time.Time           `json:"deadline"`
	Probe        probeOutput         `json:"probe"`
	Outcome      lifecycle.Outcome   `json:"outcome"`
	Action       string              `json:"action,omitempty"`
	Verdict      lifecycle.Verdict   `json:"verdict,omitempty"`
	Continuation *continuationOutput `json:"continuation,omitempty"`
}

type probeOutput struct {
	Registered     bool     `json:"registered"`
	Status         string   `json:"status,omitempty"`
	AgentConnected bool     `json:"agent_connected"`
	RunningTasks   int      `json:"running_tasks"`
	PendingTasks   int      `json:"pending_tasks"`
	ServicesStable bool     `json:"services_stable"`
	Unstable       []string `json:"unstable,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type continuationOutput struct {
	Delay   string          `json:"delay"`
	Payload json.RawMessage `json:"payload"`
}

func newActivationOutput(res *watcher.Result) activationOutput {
	p := res.Probe
	out := activationOutput{
		ActivationID: res.ActivationID,
		NodeID:       res.Context.NodeID,
		GroupName:    res.Context.GroupName,
		HookToken:    res.Context.HookToken,
		Role:         res.Context.Role,
		Activation:   res.Context.ActivationCount,
		Deadline:     res.Context.Deadline,
		Probe: probeOutput{
			Registered:     p.Registered,
			Status:         p.Status,
			AgentConnected: p.AgentConnected,
			RunningTasks:   p.RunningTasks,
			PendingTasks:   p.PendingTasks,
			ServicesStable: p.ServicesStable,
			Unstable:       p.Unstable,
		},
		Outcome: res.Outcome,
		Action:  string(res.Action),
		Verdict: res.Verdict,
	}
	if p.Err != nil {
		out.Probe.Error = p.Err.Error()
	}
	return out
}

func renderActivation(w io.Writer, format string, out activationOutput) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "table":
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}

	table := tablewriter.NewWriter(w)
	table.Append([]string{"Field", "Value"})
	table.Append([]string{"Activation ID", out.ActivationID})
	table.Append([]string{"Node", out.NodeID})
	table.Append([]string{"Group", out.GroupName})
	table.Append([]string{"Role", string(out.Role)})
	table.Append([]string{"Activation", strconv.Itoa(out.Activation)})
	table.Append([]string{"Deadline", out.Deadline.Format(time.RFC3339)})
	table.Append([]string{"Registered", strconv.FormatBool(out.Probe.Registered)})
	table.Append([]string{"Status", dash(out.Probe.Status)})
	table.Append([]string{"Agent Connected", strconv.FormatBool(out.Probe.AgentConnected)})
	table.Append([]string{"Tasks (running/pending)", fmt.Sprintf("%d/%d", out.Probe.RunningTasks, out.Probe.PendingTasks)})
	if out.Probe.Error != "" {
		table.Append([]string{"Probe Error", out.Probe.Error})
	}
	table.Append([]string{"Outcome", string(out.Outcome)})
	table.Append([]string{"Action", dash(out.Action)})
	table.Append([]string{"Verdict", dash(string(out.Verdict))})
	if out.Continuation != nil {
		table.Append([]string{"Next Activation In", out.Continuation.Delay})
	}
	table.Render()
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
