package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
	"github.com/orbitmesh/orbitmesh/shared/wire"
)

// Client dials a Server and implements transport.Client: calling Dial
// returns a transport.HostHandler stub for reporting back plus a channel of
// host→node calls to run locally.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	fc      *frameConn
	pending *pendingReplies
	inbound chan transport.Inbound
}

// NewClient returns an unconnected Client; call Dial to connect.
func NewClient() *Client {
	return &Client{}
}

// Dial connects to addr and starts the inbound read loop. The returned
// channel is closed when the connection drops; the caller should Dial again
// to reconnect (reconnection/backoff policy lives above this package, in
// the node's connection manager).
func (c *Client) Dial(ctx context.Context, addr string) (transport.HostHandler, <-chan transport.Inbound, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("frame: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.fc = newFrameConn(conn)
	c.pending = newPendingReplies()
	c.inbound = make(chan transport.Inbound, 32)
	fc := c.fc
	pending := c.pending
	inbound := c.inbound
	c.mu.Unlock()

	go c.readLoop(fc, pending, inbound)

	return &clientHandler{fc: fc, pending: pending}, inbound, nil
}

func (c *Client) readLoop(fc *frameConn, pending *pendingReplies, inbound chan transport.Inbound) {
	defer close(inbound)
	defer pending.closeAll()

	for {
		e, err := fc.read()
		if err != nil {
			return
		}
		if e.Kind == callReply {
			pending.resolve(e.CallID, e)
			continue
		}
		if e.Kind == callPing {
			_ = fc.write(envelope{Kind: callReply, CallID: e.CallID})
			continue
		}

		item, ok, err := toInbound(e)
		if err != nil {
			continue
		}
		if ok {
			inbound <- item
		}
	}
}

func toInbound(e envelope) (transport.Inbound, bool, error) {
	switch e.Kind {
	case callExecuteJob:
		req, err := wire.UnmarshalJobRequest(e.Payload)
		if err != nil {
			return transport.Inbound{}, false, err
		}
		return transport.Inbound{Kind: transport.InboundExecuteJob, JobRequest: *req}, true, nil
	case callCancelJob:
		return transport.Inbound{Kind: transport.InboundCancelJob, JobID: e.JobID}, true, nil
	case callPing:
		return transport.Inbound{}, false, nil
	case callUpdateDesiredState:
		return transport.Inbound{Kind: transport.InboundUpdateDesiredState, DesiredState: e.State}, true, nil
	case callShutdown:
		return transport.Inbound{Kind: transport.InboundShutdown, ShutdownCause: e.Reason}, true, nil
	default:
		return transport.Inbound{}, false, fmt.Errorf("frame: unexpected inbound call kind %q on node side", e.Kind)
	}
}

// Close tears down the active connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// clientHandler is the node-side stub implementing transport.HostHandler by
// writing envelopes back to the host over the dialed connection.
type clientHandler struct {
	fc      *frameConn
	pending *pendingReplies
}

func (h *clientHandler) Register(ctx context.Context, info domain.AgentInfo) (domain.RegistrationResult, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return domain.RegistrationResult{}, err
	}
	callID := uuid.NewString()
	ch := h.pending.register(callID)
	if err := h.fc.write(envelope{Kind: callRegister, CallID: callID, Payload: payload}); err != nil {
		h.pending.abandon(callID)
		return domain.RegistrationResult{}, err
	}
	reply, err := waitReply(ctx, ch, replyTimeout)
	if err != nil {
		return domain.RegistrationResult{}, err
	}
	var result domain.RegistrationResult
	if err := json.Unmarshal(reply.Payload, &result); err != nil {
		return domain.RegistrationResult{}, err
	}
	return result, nil
}

func (h *clientHandler) Unregister(ctx context.Context, agentID string) error {
	return h.fc.write(envelope{Kind: callUnregister, AgentID: agentID})
}

func (h *clientHandler) Heartbeat(ctx context.Context, agentID string) error {
	return h.fc.write(envelope{Kind: callHeartbeat, AgentID: agentID})
}

func (h *clientHandler) AcknowledgeJob(ctx context.Context, jobID, agentID string) error {
	return h.fc.write(envelope{Kind: callAcknowledgeJob, JobID: jobID, AgentID: agentID})
}

func (h *clientHandler) ReportResult(ctx context.Context, result domain.JobResult) error {
	return h.fc.write(envelope{Kind: callReportResult, Payload: wire.MarshalJobResult(&result)})
}

func (h *clientHandler) ReportProgress(ctx context.Context, progress domain.JobProgress) error {
	return h.fc.write(envelope{Kind: callReportProgress, Payload: wire.MarshalJobProgress(&progress)})
}

func (h *clientHandler) ReportState(ctx context.Context, agentID string, reportedState map[string]string) error {
	return h.fc.write(envelope{Kind: callReportState, AgentID: agentID, State: reportedState})
}

func (h *clientHandler) ReportStreamItem(ctx context.Context, item domain.StreamItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return h.fc.write(envelope{Kind: callReportStreamItem, Payload: payload})
}
