package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

// fakeSession implements transport.NodeSession minimally for registry tests.
type fakeSession struct {
	id transport.ConnectionID
}

func (f *fakeSession) ID() transport.ConnectionID { return f.id }
func (f *fakeSession) ExecuteJob(ctx context.Context, req domain.JobRequest) error        { return nil }
func (f *fakeSession) CancelJob(ctx context.Context, jobID string) error                  { return nil }
func (f *fakeSession) Ping(ctx context.Context) error                                     { return nil }
func (f *fakeSession) UpdateDesiredState(ctx context.Context, state map[string]string) error { return nil }
func (f *fakeSession) Shutdown(ctx context.Context, reason string) error                  { return nil }
func (f *fakeSession) Close() error                                                       { return nil }

func newRegistry() *Registry {
	return New(zap.NewNop(), nil, time.Second, 3)
}

func agentInfo(id string, caps ...string) domain.AgentInfo {
	var capabilities []domain.Capability
	for _, c := range caps {
		capabilities = append(capabilities, domain.Capability{Name: c})
	}
	return domain.AgentInfo{ID: id, Name: id, Capabilities: capabilities}
}

func TestRegisterSetsReadyAndIndexes(t *testing.T) {
	r := newRegistry()
	sess := &fakeSession{id: "conn-1"}

	info := r.Register(agentInfo("node-1", "gpu", "docker"), sess)
	if info.Status != domain.AgentReady {
		t.Fatalf("status = %v, want Ready", info.Status)
	}
	if info.ConnectionID != "conn-1" {
		t.Fatalf("connection id = %q, want conn-1", info.ConnectionID)
	}

	matches := r.Lookup(LookupFilter{RequiredCapabilities: []string{"gpu"}})
	if len(matches) != 1 || matches[0].ID != "node-1" {
		t.Fatalf("lookup by capability = %+v", matches)
	}
}

func TestRegisterReplacesPreviousRecord(t *testing.T) {
	r := newRegistry()
	r.Register(agentInfo("node-1", "gpu"), &fakeSession{id: "conn-1"})
	r.Register(agentInfo("node-1", "cpu"), &fakeSession{id: "conn-2"})

	if matches := r.Lookup(LookupFilter{RequiredCapabilities: []string{"gpu"}}); len(matches) != 0 {
		t.Fatalf("stale capability index still matches: %+v", matches)
	}
	matches := r.Lookup(LookupFilter{RequiredCapabilities: []string{"cpu"}})
	if len(matches) != 1 {
		t.Fatalf("new capability index missing match: %+v", matches)
	}
	if matches[0].ConnectionID != "conn-2" {
		t.Fatalf("connection id = %q, want conn-2", matches[0].ConnectionID)
	}
}

func TestLookupExcludesNonReadyAndExcluded(t *testing.T) {
	r := newRegistry()
	r.Register(agentInfo("node-1", "gpu"), &fakeSession{id: "conn-1"})
	r.Register(agentInfo("node-2", "gpu"), &fakeSession{id: "conn-2"})
	r.Register(agentInfo("node-3", "gpu"), &fakeSession{id: "conn-3"})

	if err := r.StartJob("node-1"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := r.Pause("node-3"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	matches := r.Lookup(LookupFilter{RequiredCapabilities: []string{"gpu"}, ExcludedAgentIDs: map[string]struct{}{"node-2": {}}})
	if len(matches) != 1 || matches[0].ID != "node-1" {
		t.Fatalf("lookup = %+v, want only node-1 (Running, not excluded)", matches)
	}
}

func TestUnregisterMarksDisconnected(t *testing.T) {
	r := newRegistry()
	r.Register(agentInfo("node-1", "gpu"), &fakeSession{id: "conn-1"})
	r.Unregister("node-1")

	info, ok := r.Get("node-1")
	if !ok {
		t.Fatal("record should be retained for audit")
	}
	if info.Status != domain.AgentDisconnected {
		t.Fatalf("status = %v, want Disconnected", info.Status)
	}
	if info.ConnectionID != "" {
		t.Fatalf("connection id should be cleared, got %q", info.ConnectionID)
	}
	if matches := r.Lookup(LookupFilter{RequiredCapabilities: []string{"gpu"}}); len(matches) != 0 {
		t.Fatalf("disconnected node should not match lookups: %+v", matches)
	}
}

func TestSweepFaultsStaleHeartbeats(t *testing.T) {
	r := newRegistry()
	r.Register(agentInfo("node-1"), &fakeSession{id: "conn-1"})

	stale := r.Sweep(time.Now().Add(10 * time.Second))
	if len(stale) != 1 || stale[0] != "node-1" {
		t.Fatalf("sweep = %+v, want node-1", stale)
	}
	info, _ := r.Get("node-1")
	if info.Status != domain.AgentDisconnected {
		t.Fatalf("status after sweep = %v, want Disconnected", info.Status)
	}
}

func TestIllegalTriggerRejected(t *testing.T) {
	r := newRegistry()
	r.Register(agentInfo("node-1"), &fakeSession{id: "conn-1"})

	if err := r.Resume("node-1"); err == nil {
		t.Fatal("Resume from Ready should be rejected")
	}
	info, _ := r.Get("node-1")
	if info.Status != domain.AgentReady {
		t.Fatalf("status changed despite illegal trigger: %v", info.Status)
	}
}
