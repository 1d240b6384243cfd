package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/NavarchProject/hookwatch/pkg/clock"
	"github.com/NavarchProject/hookwatch/pkg/decision"
	"github.com/NavarchProject/hookwatch/pkg/event"
	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/provider/fake"
	"github.com/NavarchProject/hookwatch/pkg/retry"
	"github.com/NavarchProject/hookwatch/pkg/scheduler"
)

var start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	fake    *fake.Provider
	watcher *Watcher
}

func newHarness(t *testing.T, timeout, poll time.Duration) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(start)
	p := fake.New(logger)

	engine, err := decision.New(decision.Conditions{})
	if err != nil {
		t.Fatalf("decision.New() error = %v", err)
	}
	w, err := New(Config{
		Decoder: event.NewDecoder(event.Config{
			TransitionTimeout: timeout,
			DefaultHookName:   "hook",
			Clock:             clk,
		}),
		Engine: engine,
		Scheduler: scheduler.New(scheduler.Config{
			PollInterval: poll,
			Retry:        retry.Config{Attempts: 3, InitialDelay: time.Millisecond},
		}, logger),
		Factory: p,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{t: t, clock: clk, fake: p, watcher: w}
}

// next pops the pending continuation and advances the clock by its delay.
func (h *harness) next() []byte {
	h.t.Helper()
	em, ok := h.fake.Emitter.Pop()
	if !ok {
		h.t.Fatal("no continuation emitted")
	}
	h.clock.Advance(em.Delay)
	return em.Payload
}

func (h *harness) activate(payload []byte) *Result {
	h.t.Helper()
	res, err := h.watcher.Activate(context.Background(), payload)
	if err != nil {
		h.t.Fatalf("Activate() error = %v", err)
	}
	return res
}

func initial(role lifecycle.Role, token string) []byte {
	return []byte(fmt.Sprintf(`{"nodeId":"i-1","groupName":"ecs-asg","hookToken":%q,"role":%q}`, token, role))
}

func TestActivate_JoinSucceedsOnThirdActivation(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)

	res := h.activate(initial(lifecycle.RoleJoin, "tok-a"))
	if res.Outcome != lifecycle.NotYetReady || res.Action != scheduler.ActionContinue {
		t.Fatalf("activation 1 = %s/%s, want not_ready/continue", res.Outcome, res.Action)
	}

	h.fake.Cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive})
	res = h.activate(h.next())
	if res.Outcome != lifecycle.NotYetReady {
		t.Fatalf("activation 2 = %s, want not_ready", res.Outcome)
	}

	h.fake.Cluster.UpdateNode("i-1", func(n *provider.Node) { n.AgentConnected = true })
	res = h.activate(h.next())
	if res.Outcome != lifecycle.Ready || res.Verdict != lifecycle.Proceed {
		t.Fatalf("activation 3 = %s/%s, want ready/CONTINUE", res.Outcome, res.Verdict)
	}
	if res.Context.ActivationCount != 2 {
		t.Errorf("ActivationCount = %d, want 2", res.Context.ActivationCount)
	}

	if got := h.fake.Authority.Heartbeats("tok-a"); got != 2 {
		t.Errorf("Heartbeats = %d, want 2", got)
	}
	if got := h.fake.Authority.Verdicts("tok-a"); len(got) != 1 || got[0] != lifecycle.Proceed {
		t.Errorf("Verdicts = %v, want [CONTINUE]", got)
	}
	if len(h.fake.Emitter.Emissions()) != 0 {
		t.Error("continuation emitted after verdict")
	}
	if acquired, released := h.fake.Leases(); acquired != 3 || released != 3 {
		t.Errorf("Leases() = %d/%d, want 3/3", acquired, released)
	}
}

func TestActivate_DrainSucceedsWhenTasksReachZero(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)
	h.fake.Cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive, RunningTasks: 5})

	res := h.activate(initial(lifecycle.RoleDrain, "tok-b"))
	if res.Outcome != lifecycle.NotYetReady {
		t.Fatalf("activation 1 = %s, want not_ready", res.Outcome)
	}
	if n, _ := h.fake.Cluster.Node("i-1"); n.Status != lifecycle.StatusDraining {
		t.Fatalf("node status = %q, want DRAINING", n.Status)
	}

	h.fake.Cluster.UpdateNode("i-1", func(n *provider.Node) { n.RunningTasks = 2 })
	res = h.activate(h.next())
	if res.Outcome != lifecycle.NotYetReady {
		t.Fatalf("activation 2 = %s, want not_ready", res.Outcome)
	}

	h.fake.Cluster.UpdateNode("i-1", func(n *provider.Node) { n.RunningTasks = 0 })
	res = h.activate(h.next())
	if res.Verdict != lifecycle.Proceed {
		t.Fatalf("activation 3 verdict = %q, want CONTINUE", res.Verdict)
	}

	if got := h.fake.Cluster.DrainRequests(); got != 1 {
		t.Errorf("DrainRequests() = %d, want 1", got)
	}
	if n, _ := h.fake.Cluster.Node("i-1"); n.Status != lifecycle.StatusDraining {
		t.Errorf("node status = %q, want DRAINING", n.Status)
	}
}

func TestActivate_DrainWaitsForServices(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)
	h.fake.Cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusDraining})
	h.fake.Cluster.SetStability(provider.Stability{Unstable: []string{"web"}})

	res := h.activate(initial(lifecycle.RoleDrain, "tok"))
	if res.Outcome != lifecycle.NotYetReady {
		t.Fatalf("activation 1 = %s, want not_ready", res.Outcome)
	}

	h.fake.Cluster.SetStability(provider.Stability{Stable: true})
	if res = h.activate(h.next()); res.Verdict != lifecycle.Proceed {
		t.Fatalf("activation 2 verdict = %q, want CONTINUE", res.Verdict)
	}
}

func TestActivate_AbandonsAtDeadline(t *testing.T) {
	h := newHarness(t, 60*time.Second, 20*time.Second)

	payload := initial(lifecycle.RoleJoin, "tok-c")
	var deadlines []int64
	for i, offset := range []time.Duration{0, 20 * time.Second, 40 * time.Second} {
		if got := h.clock.Now().Sub(start); got != offset {
			t.Fatalf("activation %d at %v, want %v", i+1, got, offset)
		}
		res := h.activate(payload)
		if res.Action != scheduler.ActionContinue {
			t.Fatalf("activation %d action = %q, want continue", i+1, res.Action)
		}
		if len(h.fake.Authority.Verdicts("tok-c")) != 0 {
			t.Fatalf("verdict reported before deadline at activation %d", i+1)
		}
		payload = h.next()

		var msg event.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("continuation is not valid JSON: %v", err)
		}
		deadlines = append(deadlines, msg.Deadline)
	}

	res := h.activate(payload)
	if res.Outcome != lifecycle.Failed || res.Verdict != lifecycle.Abandon {
		t.Fatalf("activation 4 = %s/%s, want failed/ABANDON", res.Outcome, res.Verdict)
	}

	want := start.Add(60 * time.Second).Unix()
	for i, d := range deadlines {
		if d != want {
			t.Errorf("continuation %d deadline = %d, want %d", i+1, d, want)
		}
	}
	if got := h.fake.Authority.Heartbeats("tok-c"); got != 3 {
		t.Errorf("Heartbeats = %d, want 3", got)
	}
	if got := h.fake.Authority.Verdicts("tok-c"); len(got) != 1 || got[0] != lifecycle.Abandon {
		t.Errorf("Verdicts = %v, want [ABANDON]", got)
	}
	if len(h.fake.Emitter.Emissions()) != 0 {
		t.Error("continuation emitted after abandon")
	}
}

func TestActivate_MalformedEvent(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)

	res, err := h.watcher.Activate(context.Background(), []byte(`{"groupName":"ecs-asg","hookToken":"tok-d","role":"join"}`))
	if !errors.Is(err, lifecycle.ErrMalformedEvent) {
		t.Fatalf("Activate() error = %v, want ErrMalformedEvent", err)
	}
	if res != nil {
		t.Errorf("Activate() result = %+v, want nil", res)
	}
	if acquired, _ := h.fake.Leases(); acquired != 0 {
		t.Errorf("clients acquired for malformed event: %d", acquired)
	}
	if h.fake.Authority.Calls() != 0 {
		t.Error("authority called for malformed event")
	}
	if len(h.fake.Emitter.Emissions()) != 0 {
		t.Error("continuation emitted for malformed event")
	}
}

func TestActivate_TransientProbeFailureRetriesNextActivation(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)
	h.fake.Cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive, AgentConnected: true})
	h.fake.Cluster.SetError(errors.New("ThrottlingException"))

	res := h.activate(initial(lifecycle.RoleJoin, "tok"))
	if res.Outcome != lifecycle.NotYetReady || !res.Probe.Failed() {
		t.Fatalf("activation 1 = %s (probe failed %v), want not_ready after failed probe", res.Outcome, res.Probe.Failed())
	}

	h.fake.Cluster.SetError(nil)
	if res = h.activate(h.next()); res.Verdict != lifecycle.Proceed {
		t.Fatalf("activation 2 verdict = %q, want CONTINUE", res.Verdict)
	}
}

func TestActivate_HeartbeatOutageEndsWithoutContinuation(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)
	h.fake.Authority.SetHeartbeatError(errors.New("ServiceUnavailable"))

	res, err := h.watcher.Activate(context.Background(), initial(lifecycle.RoleJoin, "tok"))
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.Outcome != lifecycle.NotYetReady {
		t.Fatalf("Activate() result = %+v, want not_ready", res)
	}
	if len(h.fake.Emitter.Emissions()) != 0 {
		t.Error("continuation emitted despite heartbeat failure")
	}
	if acquired, released := h.fake.Leases(); acquired != released {
		t.Errorf("clients leaked: acquired %d released %d", acquired, released)
	}
}

func TestActivate_RedeliveredTerminalActivationIsTolerated(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)
	h.fake.Cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive, AgentConnected: true})
	payload := initial(lifecycle.RoleJoin, "tok")

	for i := 0; i < 2; i++ {
		if res := h.activate(payload); res.Verdict != lifecycle.Proceed {
			t.Fatalf("delivery %d verdict = %q, want CONTINUE", i+1, res.Verdict)
		}
	}
	for _, v := range h.fake.Authority.Verdicts("tok") {
		if v != lifecycle.Proceed {
			t.Errorf("conflicting verdict %q", v)
		}
	}
}

func TestActivate_ConcurrentTokensAreIndependent(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Second)

	const n = 16
	for i := 0; i < n; i++ {
		h.fake.Cluster.PutNode(provider.Node{InstanceID: fmt.Sprintf("i-%d", i), Status: lifecycle.StatusActive, AgentConnected: i%2 == 0})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"nodeId":"i-%d","groupName":"asg","hookToken":"tok-%d","role":"join"}`, i, i)
			if _, err := h.watcher.Activate(context.Background(), []byte(payload)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Activate() error = %v", err)
	}

	for i := 0; i < n; i++ {
		token := fmt.Sprintf("tok-%d", i)
		verdicts := h.fake.Authority.Verdicts(token)
		heartbeats := h.fake.Authority.Heartbeats(token)
		if i%2 == 0 && (len(verdicts) != 1 || heartbeats != 0) {
			t.Errorf("%s: verdicts %v heartbeats %d, want one verdict", token, verdicts, heartbeats)
		}
		if i%2 == 1 && (len(verdicts) != 0 || heartbeats != 1) {
			t.Errorf("%s: verdicts %v heartbeats %d, want one heartbeat", token, verdicts, heartbeats)
		}
	}
	if got := len(h.fake.Emitter.Emissions()); got != n/2 {
		t.Errorf("len(Emissions) = %d, want %d", got, n/2)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}
