package frame

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

type stubHandler struct {
	registered chan domain.AgentInfo
}

func (h *stubHandler) Register(ctx context.Context, info domain.AgentInfo) (domain.RegistrationResult, error) {
	h.registered <- info
	return domain.RegistrationResult{Success: true, RecommendedHeartbeatInterval: 15 * time.Second, AssignedAgentID: info.ID}, nil
}
func (h *stubHandler) Unregister(ctx context.Context, agentID string) error          { return nil }
func (h *stubHandler) Heartbeat(ctx context.Context, agentID string) error           { return nil }
func (h *stubHandler) AcknowledgeJob(ctx context.Context, jobID, agentID string) error { return nil }
func (h *stubHandler) ReportResult(ctx context.Context, result domain.JobResult) error { return nil }
func (h *stubHandler) ReportProgress(ctx context.Context, progress domain.JobProgress) error {
	return nil
}
func (h *stubHandler) ReportState(ctx context.Context, agentID string, state map[string]string) error {
	return nil
}
func (h *stubHandler) ReportStreamItem(ctx context.Context, item domain.StreamItem) error { return nil }

type stubListener struct {
	events chan transport.ConnectionEvent
}

func (l *stubListener) OnConnectionEvent(e transport.ConnectionEvent) {
	l.events <- e
}

func TestRegisterRoundTrip(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &stubHandler{registered: make(chan domain.AgentInfo, 1)}
	listener := &stubListener{events: make(chan transport.ConnectionEvent, 4)}
	go srv.Serve(ctx, handler, listener)

	client := NewClient()
	hostHandler, inbound, err := client.Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var sess transport.NodeSession
	select {
	case ev := <-listener.events:
		if ev.Kind != transport.EventConnected || ev.Session == nil {
			t.Fatalf("want EventConnected with a session, got %+v", ev)
		}
		sess = ev.Session
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	result, err := hostHandler.Register(ctx, domain.AgentInfo{ID: "node-1", Name: "test-node"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !result.Success || result.AssignedAgentID != "node-1" {
		t.Fatalf("unexpected registration result: %+v", result)
	}

	select {
	case info := <-handler.registered:
		if info.ID != "node-1" {
			t.Fatalf("want ID node-1, got %q", info.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host to observe registration")
	}

	if err := sess.ExecuteJob(ctx, domain.JobRequest{ID: "job-1", Command: "echo"}); err != nil {
		t.Fatalf("execute job: %v", err)
	}

	select {
	case in := <-inbound:
		if in.Kind != transport.InboundExecuteJob || in.JobRequest.ID != "job-1" {
			t.Fatalf("unexpected inbound: %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ExecuteJob on the node side")
	}
}
