package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NavarchProject/hookwatch/pkg/lifecycle"
	"github.com/NavarchProject/hookwatch/pkg/provider"
	"github.com/NavarchProject/hookwatch/pkg/provider/fake"
)

func joinContext() lifecycle.Context {
	return lifecycle.Context{NodeID: "i-1", GroupName: "asg", HookToken: "tok", Role: lifecycle.RoleJoin}
}

func drainContext(activation int) lifecycle.Context {
	return lifecycle.Context{NodeID: "i-1", GroupName: "asg", HookToken: "tok", Role: lifecycle.RoleDrain, ActivationCount: activation}
}

func TestProbe_Join(t *testing.T) {
	tests := []struct {
		name string
		node *provider.Node
		want lifecycle.ProbeResult
	}{
		{
			name: "not registered yet",
			want: lifecycle.ProbeResult{},
		},
		{
			name: "registered, agent disconnected",
			node: &provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive},
			want: lifecycle.ProbeResult{Registered: true, Status: lifecycle.StatusActive},
		},
		{
			name: "active and connected",
			node: &provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive, AgentConnected: true},
			want: lifecycle.ProbeResult{Registered: true, Status: lifecycle.StatusActive, AgentConnected: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := fake.NewCluster()
			if tt.node != nil {
				cluster.PutNode(*tt.node)
			}

			got := New(nil).Probe(context.Background(), cluster, joinContext())
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Probe() mismatch (-want +got):\n%s", diff)
			}
			if cluster.DrainRequests() != 0 {
				t.Error("join probe must not drain")
			}
		})
	}
}

func TestProbe_JoinQueryFailure(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.SetError(errors.New("RequestLimitExceeded"))

	got := New(nil).Probe(context.Background(), cluster, joinContext())
	if !got.Failed() {
		t.Fatal("expected probe failure")
	}
}

func TestProbe_DrainFirstActivationMarksDraining(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive, RunningTasks: 5})

	got := New(nil).Probe(context.Background(), cluster, drainContext(0))

	if got.Status != lifecycle.StatusDraining {
		t.Errorf("Status = %q, want DRAINING", got.Status)
	}
	if got.RunningTasks != 5 {
		t.Errorf("RunningTasks = %d, want 5", got.RunningTasks)
	}
	if got.ServicesStable {
		t.Error("stability must not be reported while tasks remain")
	}
	if cluster.DrainRequests() != 1 {
		t.Errorf("DrainRequests() = %d, want 1", cluster.DrainRequests())
	}
}

func TestProbe_DrainLaterActivationSkipsMarkWhenDraining(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusDraining, RunningTasks: 2})

	New(nil).Probe(context.Background(), cluster, drainContext(3))

	if cluster.DrainRequests() != 0 {
		t.Errorf("DrainRequests() = %d, want 0", cluster.DrainRequests())
	}
}

func TestProbe_DrainReissuesWhenStillActive(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive})

	got := New(nil).Probe(context.Background(), cluster, drainContext(4))

	if cluster.DrainRequests() != 1 {
		t.Errorf("DrainRequests() = %d, want 1", cluster.DrainRequests())
	}
	if got.Status != lifecycle.StatusDraining {
		t.Errorf("Status = %q, want DRAINING", got.Status)
	}
}

func TestProbe_DrainEmptyNodeChecksStability(t *testing.T) {
	cluster := fake.NewCluster()
	cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusDraining})
	cluster.SetStability(provider.Stability{Stable: false, Unstable: []string{"service/web"}})

	got := New(nil).Probe(context.Background(), cluster, drainContext(2))

	want := lifecycle.ProbeResult{
		Registered: true,
		Status:     lifecycle.StatusDraining,
		Unstable:   []string{"service/web"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Probe() mismatch (-want +got):\n%s", diff)
	}
}

func TestProbe_DrainUnregisteredNode(t *testing.T) {
	cluster := fake.NewCluster()

	got := New(nil).Probe(context.Background(), cluster, drainContext(0))

	if got.Registered || got.Failed() {
		t.Errorf("Probe() = %+v, want unregistered without error", got)
	}
}

func TestProbe_DrainMarkFailure(t *testing.T) {
	cluster := &failingDrainCluster{Cluster: fake.NewCluster()}
	cluster.PutNode(provider.Node{InstanceID: "i-1", Status: lifecycle.StatusActive})

	got := New(nil).Probe(context.Background(), cluster, drainContext(0))

	if !got.Failed() {
		t.Fatal("expected probe failure")
	}
	if !got.Registered {
		t.Error("Registered = false, want true")
	}
}

type failingDrainCluster struct {
	*fake.Cluster
}

func (c *failingDrainCluster) MarkDraining(ctx context.Context, lc lifecycle.Context) error {
	return errors.New("AccessDenied")
}
