package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
	"github.com/orbitmesh/orbitmesh/shared/wire"
)

// replyTimeout bounds how long a call that expects an immediate reply (Ping
// from the host, Register from the node) waits before giving up.
const replyTimeout = 10 * time.Second

// Server listens for node connections and exposes each as a transport.NodeSession.
type Server struct {
	logger   *zap.Logger
	listener net.Listener

	mu       sync.RWMutex
	channels map[string]*channel
}

// NewServer binds a TCP listener at addr. The caller runs Serve to start accepting.
func NewServer(addr string, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("frame: listen %s: %w", addr, err)
	}
	return &Server{logger: logger, listener: ln, channels: make(map[string]*channel)}, nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled, dispatching inbound
// node→host calls to handler and connect/disconnect events to listener.
func (s *Server) Serve(ctx context.Context, handler transport.HostHandler, listener transport.Listener) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("frame: accept: %w", err)
			}
		}
		sess := newServerSession(conn, s, handler, listener, s.logger)
		go sess.run(ctx)
	}
}

// Channel returns (creating on first use) the named fan-out channel.
func (s *Server) Channel(name string) transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = &channel{name: name, members: make(map[transport.ConnectionID]transport.NodeSession)}
		s.channels[name] = ch
	}
	return ch
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// channel is the concrete transport.Channel: a name and its current member
// sessions, joined/left as the registry admits or drops nodes.
type channel struct {
	name string

	mu      sync.RWMutex
	members map[transport.ConnectionID]transport.NodeSession
}

func (c *channel) Name() string { return c.name }

func (c *channel) Sessions() []transport.NodeSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transport.NodeSession, 0, len(c.members))
	for _, s := range c.members {
		out = append(out, s)
	}
	return out
}

func (c *channel) Join(sess transport.NodeSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[sess.ID()] = sess
}

func (c *channel) Leave(id transport.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
}

// serverSession is the host-side half of one node connection: it implements
// transport.NodeSession for outbound calls and runs an inbound read loop
// dispatching node→host calls to a transport.HostHandler.
type serverSession struct {
	id      transport.ConnectionID
	fc      *frameConn
	pending *pendingReplies
	logger  *zap.Logger

	server   *Server
	handler  transport.HostHandler
	listener transport.Listener

	closeOnce sync.Once
}

func newServerSession(conn net.Conn, server *Server, handler transport.HostHandler, listener transport.Listener, logger *zap.Logger) *serverSession {
	return &serverSession{
		id:       transport.ConnectionID(uuid.NewString()),
		fc:       newFrameConn(conn),
		pending:  newPendingReplies(),
		logger:   logger.Named("frame.server_session"),
		server:   server,
		handler:  handler,
		listener: listener,
	}
}

func (s *serverSession) ID() transport.ConnectionID { return s.id }

func (s *serverSession) run(ctx context.Context) {
	s.listener.OnConnectionEvent(transport.ConnectionEvent{
		Kind: transport.EventConnected, ConnectionID: s.id, Session: s, At: time.Now(),
	})
	defer func() {
		s.close()
		s.listener.OnConnectionEvent(transport.ConnectionEvent{
			Kind: transport.EventDisconnected, ConnectionID: s.id, At: time.Now(),
		})
	}()

	for {
		e, err := s.fc.read()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("session read ended", zap.String("connection_id", string(s.id)), zap.Error(err))
			}
			return
		}
		if e.Kind == callReply {
			s.pending.resolve(e.CallID, e)
			continue
		}
		if err := s.dispatch(ctx, e); err != nil {
			s.logger.Warn("dispatch inbound call failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		}
	}
}

func (s *serverSession) dispatch(ctx context.Context, e envelope) error {
	switch e.Kind {
	case callRegister:
		var info domain.AgentInfo
		if err := decodeJSON(e.Payload, &info); err != nil {
			return err
		}
		info.ConnectionID = string(s.id)
		result, err := s.handler.Register(ctx, info)
		if err != nil {
			return s.fc.write(envelope{Kind: callReply, CallID: e.CallID, Error: err.Error()})
		}
		payload, err := encodeJSON(result)
		if err != nil {
			return err
		}
		return s.fc.write(envelope{Kind: callReply, CallID: e.CallID, Payload: payload})
	case callUnregister:
		return s.handler.Unregister(ctx, e.AgentID)
	case callHeartbeat:
		return s.handler.Heartbeat(ctx, e.AgentID)
	case callAcknowledgeJob:
		return s.handler.AcknowledgeJob(ctx, e.JobID, e.AgentID)
	case callReportResult:
		result, err := wire.UnmarshalJobResult(e.Payload)
		if err != nil {
			return err
		}
		return s.handler.ReportResult(ctx, *result)
	case callReportProgress:
		progress, err := wire.UnmarshalJobProgress(e.Payload)
		if err != nil {
			return err
		}
		return s.handler.ReportProgress(ctx, *progress)
	case callReportState:
		return s.handler.ReportState(ctx, e.AgentID, e.State)
	case callReportStreamItem:
		var item domain.StreamItem
		if err := decodeJSON(e.Payload, &item); err != nil {
			return err
		}
		return s.handler.ReportStreamItem(ctx, item)
	default:
		return fmt.Errorf("frame: unexpected inbound call kind %q on host side", e.Kind)
	}
}

func (s *serverSession) ExecuteJob(ctx context.Context, req domain.JobRequest) error {
	return s.fc.write(envelope{Kind: callExecuteJob, Payload: wire.MarshalJobRequest(&req)})
}

func (s *serverSession) CancelJob(ctx context.Context, jobID string) error {
	return s.fc.write(envelope{Kind: callCancelJob, JobID: jobID})
}

func (s *serverSession) Ping(ctx context.Context) error {
	callID := uuid.NewString()
	ch := s.pending.register(callID)
	if err := s.fc.write(envelope{Kind: callPing, CallID: callID}); err != nil {
		s.pending.abandon(callID)
		return err
	}
	_, err := waitReply(ctx, ch, replyTimeout)
	return err
}

func (s *serverSession) UpdateDesiredState(ctx context.Context, state map[string]string) error {
	return s.fc.write(envelope{Kind: callUpdateDesiredState, State: state})
}

func (s *serverSession) Shutdown(ctx context.Context, reason string) error {
	return s.fc.write(envelope{Kind: callShutdown, Reason: reason})
}

func (s *serverSession) Close() error {
	s.close()
	return nil
}

func (s *serverSession) close() {
	s.closeOnce.Do(func() {
		s.pending.closeAll()
		_ = s.fc.conn.Close()
	})
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
