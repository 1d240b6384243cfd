// Package decision turns a probe reading into an outcome.
//
// The built-in predicates are:
//
//   - join: the node is registered, ACTIVE, and its agent is connected;
//   - drain: the node is gone from the cluster, or it is DRAINING with no
//     running or pending tasks and every service in the cluster is stable.
//
// Operators may tighten either predicate with a CEL condition. Conditions can
// only make readiness harder to reach, never easier. Neither predicate has
// hysteresis: once satisfied it is trusted.
package decision

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
)

// Conditions holds optional CEL expressions evaluated against a `probe`
// variable with the fields registered, status, agent_connected,
// running_tasks, pending_tasks, services_stable and unstable.
type Conditions struct {
	Join  string `yaml:"join_condition"`
	Drain string `yaml:"drain_condition"`
}

// Engine decides outcomes. Its methods have no side effects and the same
// inputs always produce the same outcome.
type Engine struct {
	programs map[lifecycle.Role]cel.Program
}

// New compiles conds into an Engine.
func New(conds Conditions) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("probe", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{programs: make(map[lifecycle.Role]cel.Program)}
	for role, expr := range map[lifecycle.Role]string{
		lifecycle.RoleJoin:  conds.Join,
		lifecycle.RoleDrain: conds.Drain,
	} {
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %s condition: %w", role, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("%s condition must evaluate to bool, got %s", role, out)
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("create program for %s condition: %w", role, err)
		}
		e.programs[role] = program
	}
	return e, nil
}

// Decide returns Ready when the role's predicate holds, Failed when it does
// not and now has reached deadline, and NotYetReady otherwise. A failed
// probe is never Ready.
func (e *Engine) Decide(role lifecycle.Role, p lifecycle.ProbeResult, now, deadline time.Time) lifecycle.Outcome {
	if !p.Failed() && e.ready(role, p) {
		return lifecycle.Ready
	}
	if !now.Before(deadline) {
		return lifecycle.Failed
	}
	return lifecycle.NotYetReady
}

func (e *Engine) ready(role lifecycle.Role, p lifecycle.ProbeResult) bool {
	var ok bool
	switch role {
	case lifecycle.RoleJoin:
		ok = p.Registered && p.Status == lifecycle.StatusActive && p.AgentConnected
	case lifecycle.RoleDrain:
		ok = !p.Registered || (p.Status == lifecycle.StatusDraining &&
			p.RunningTasks == 0 && p.PendingTasks == 0 && p.ServicesStable)
	}
	if !ok {
		return false
	}

	program, found := e.programs[role]
	if !found {
		return true
	}
	out, _, err := program.Eval(map[string]any{"probe": probeToMap(p)})
	if err != nil {
		return false
	}
	return out.Type() == types.BoolType && out.Value().(bool)
}

func probeToMap(p lifecycle.ProbeResult) map[string]any {
	unstable := p.Unstable
	if unstable == nil {
		unstable = []string{}
	}
	return map[string]any{
		"registered":      p.Registered,
		"status":          p.Status,
		"agent_connected": p.AgentConnected,
		"running_tasks":   int64(p.RunningTasks),
		"pending_tasks":   int64(p.PendingTasks),
		"services_stable": p.ServicesStable,
		"unstable":        unstable,
	}
}
