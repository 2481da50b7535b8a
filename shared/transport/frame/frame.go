// Package frame is the concrete reference implementation of the
// shared/transport contract: length-prefixed envelopes carried over a plain
// net.Conn. Scalar and map fields travel as JSON inside the envelope.
// JobRequest, JobResult and JobProgress travel as their shared/wire
// encoding inside the envelope's Payload field; AgentInfo,
// RegistrationResult and StreamItem travel as JSON in that field. No grpc or
// generated protobuf stubs are involved.
package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameSize = 16 << 20

// callKind identifies which transport call an envelope carries.
type callKind string

const (
	callRegister           callKind = "register"
	callUnregister         callKind = "unregister"
	callHeartbeat          callKind = "heartbeat"
	callAcknowledgeJob     callKind = "acknowledge_job"
	callReportResult       callKind = "report_result"
	callReportProgress     callKind = "report_progress"
	callReportState        callKind = "report_state"
	callReportStreamItem   callKind = "report_stream_item"
	callExecuteJob         callKind = "execute_job"
	callCancelJob          callKind = "cancel_job"
	callPing               callKind = "ping"
	callUpdateDesiredState callKind = "update_desired_state"
	callShutdown           callKind = "shutdown"
	callReply              callKind = "reply"
)

// envelope is the on-wire message. CallID is set by the caller on calls that
// expect a reply (Register, Ping) and echoed back by callReply so the
// waiting goroutine can be matched and woken.
type envelope struct {
	Kind    callKind          `json:"kind"`
	CallID  string            `json:"callId,omitempty"`
	AgentID string            `json:"agentId,omitempty"`
	JobID   string            `json:"jobId,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	State   map[string]string `json:"state,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// frameConn serializes envelope read/write over a net.Conn using a 4-byte
// big-endian length prefix. Writes are serialized with a mutex since both
// the session's outbound calls and its reply-writer share one connection.
type frameConn struct {
	conn   net.Conn
	r      *bufio.Reader
	writeMu sync.Mutex
}

func newFrameConn(c net.Conn) *frameConn {
	return &frameConn{conn: c, r: bufio.NewReader(c)}
}

func (fc *frameConn) write(e envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("frame: marshal envelope: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame: envelope too large: %d bytes", len(data))
	}

	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := fc.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("frame: write length: %w", err)
	}
	if _, err := fc.conn.Write(data); err != nil {
		return fmt.Errorf("frame: write body: %w", err)
	}
	return nil
}

func (fc *frameConn) read() (envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fc.r, hdr[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("frame: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fc.r, body); err != nil {
		return envelope{}, fmt.Errorf("frame: read body: %w", err)
	}
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return envelope{}, fmt.Errorf("frame: unmarshal envelope: %w", err)
	}
	return e, nil
}

// pendingReplies tracks calls awaiting a callReply envelope, keyed by CallID.
type pendingReplies struct {
	mu      sync.Mutex
	waiters map[string]chan envelope
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiters: make(map[string]chan envelope)}
}

func (p *pendingReplies) register(callID string) chan envelope {
	ch := make(chan envelope, 1)
	p.mu.Lock()
	p.waiters[callID] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingReplies) resolve(callID string, e envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[callID]
	if ok {
		delete(p.waiters, callID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- e
	return true
}

func (p *pendingReplies) abandon(callID string) {
	p.mu.Lock()
	delete(p.waiters, callID)
	p.mu.Unlock()
}

func (p *pendingReplies) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func waitReply(ctx interface{ Done() <-chan struct{} }, ch chan envelope, timeout time.Duration) (envelope, error) {
	select {
	case e, ok := <-ch:
		if !ok {
			return envelope{}, fmt.Errorf("frame: connection closed while awaiting reply")
		}
		if e.Error != "" {
			return envelope{}, fmt.Errorf("frame: remote error: %s", e.Error)
		}
		return e, nil
	case <-ctx.Done():
		return envelope{}, fmt.Errorf("frame: call cancelled")
	case <-time.After(timeout):
		return envelope{}, fmt.Errorf("frame: reply timeout after %s", timeout)
	}
}
