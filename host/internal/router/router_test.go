package router

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

type fakeSession struct{ id transport.ConnectionID }

func (f *fakeSession) ID() transport.ConnectionID                                      { return f.id }
func (f *fakeSession) ExecuteJob(ctx context.Context, req domain.JobRequest) error      { return nil }
func (f *fakeSession) CancelJob(ctx context.Context, jobID string) error                { return nil }
func (f *fakeSession) Ping(ctx context.Context) error                                   { return nil }
func (f *fakeSession) UpdateDesiredState(ctx context.Context, s map[string]string) error { return nil }
func (f *fakeSession) Shutdown(ctx context.Context, reason string) error                { return nil }
func (f *fakeSession) Close() error                                                     { return nil }

func newTestRegistry(agentIDs ...string) *registry.Registry {
	r := registry.New(zap.NewNop(), nil, time.Second, 3)
	for i, id := range agentIDs {
		r.Register(domain.AgentInfo{ID: id, Name: id}, &fakeSession{id: transport.ConnectionID(id + string(rune('0'+i)))})
	}
	return r
}

// Testable property 8: with RoundRobin and a fixed candidate list, successive
// calls pick nodes in list order (sorted by id for determinism).
func TestRoundRobinDeterministic(t *testing.T) {
	reg := newTestRegistry("node-a", "node-b", "node-c")
	rt := New(reg, nil, RoundRobin)

	var picked []string
	for i := 0; i < 6; i++ {
		info, ok := rt.Select(Request{})
		if !ok {
			t.Fatal("expected a candidate")
		}
		picked = append(picked, info.ID)
	}

	want := []string{"node-a", "node-b", "node-c", "node-a", "node-b", "node-c"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("pick order = %v, want %v", picked, want)
		}
	}
}

func TestPreferredAgentHonouredWhenReady(t *testing.T) {
	reg := newTestRegistry("node-a", "node-b")
	rt := New(reg, nil, RoundRobin)

	info, ok := rt.Select(Request{PreferredAgentID: "node-b"})
	if !ok || info.ID != "node-b" {
		t.Fatalf("expected preferred node-b, got %+v ok=%v", info, ok)
	}
}

func TestExcludedAgentsNeverSelected(t *testing.T) {
	reg := newTestRegistry("node-a", "node-b")
	rt := New(reg, nil, RoundRobin)

	for i := 0; i < 4; i++ {
		info, ok := rt.Select(Request{ExcludedAgentIDs: map[string]struct{}{"node-a": {}}})
		if !ok {
			t.Fatal("expected a candidate")
		}
		if info.ID == "node-a" {
			t.Fatal("excluded agent was selected")
		}
	}
}

type fakeRunningCounter struct{ counts map[string]int }

func (c fakeRunningCounter) RunningCount(agentID string) int { return c.counts[agentID] }

func TestLeastConnectionsPicksFewestRunning(t *testing.T) {
	reg := newTestRegistry("node-a", "node-b", "node-c")
	counter := fakeRunningCounter{counts: map[string]int{"node-a": 5, "node-b": 1, "node-c": 3}}
	rt := New(reg, counter, LeastConnections)

	info, ok := rt.Select(Request{})
	if !ok || info.ID != "node-b" {
		t.Fatalf("expected node-b (fewest running), got %+v ok=%v", info, ok)
	}
}

func TestSelectReturnsFalseWhenNoCandidates(t *testing.T) {
	reg := registry.New(zap.NewNop(), nil, time.Second, 3)
	rt := New(reg, nil, RoundRobin)

	if _, ok := rt.Select(Request{}); ok {
		t.Fatal("expected no candidate from an empty registry")
	}
}
