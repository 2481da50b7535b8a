// Package transport defines the bidirectional RPC contract between the
// host and a node. The core of both binaries depends only on the
// interfaces declared here; a concrete wire-level implementation lives in
// the transport/frame subpackage. Two opposed surfaces share one session:
// NodeSession is how the host drives a connected node, HostHandler is how
// the node reports back to the host.
package transport

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// ConnectionID identifies one underlying session. It is stable for the
// lifetime of a connection, is surfaced on connect/disconnect events, and is
// stamped into AgentInfo.ConnectionID when a node registers on the session,
// so the host can correlate a session with the node registered on it.
type ConnectionID string

// NodeSession is the host→node surface of one connected node. Every
// method is fire-and-forget from the caller's point of view except where
// noted; the transport guarantees per-session ordering of calls made on the
// same NodeSession.
type NodeSession interface {
	// ID returns the connection identifier for this session.
	ID() ConnectionID

	// ExecuteJob delivers a job to the node for dispatch.
	ExecuteJob(ctx context.Context, req domain.JobRequest) error

	// CancelJob asks the node to cancel a previously dispatched job.
	CancelJob(ctx context.Context, jobID string) error

	// Ping is a liveness probe independent of the heartbeat reported by the
	// node; it returns once the node has answered.
	Ping(ctx context.Context) error

	// UpdateDesiredState pushes an arbitrary key/value desired-state map to
	// the node (e.g. enrollment approval flips, tag updates).
	UpdateDesiredState(ctx context.Context, state map[string]string) error

	// Shutdown asks the node to terminate gracefully, with a human-readable
	// reason surfaced in the node's logs.
	Shutdown(ctx context.Context, reason string) error

	// Close tears down the underlying connection.
	Close() error
}

// HostHandler is the node→host surface. Register and request/response
// handlers return a reply on the same call; every other method is
// fire-and-forget.
type HostHandler interface {
	// Register enrolls a node, returning whether it was accepted and the
	// heartbeat interval the node should use.
	Register(ctx context.Context, info domain.AgentInfo) (domain.RegistrationResult, error)

	// Unregister tells the host a node is leaving voluntarily.
	Unregister(ctx context.Context, agentID string) error

	// Heartbeat refreshes AgentInfo.LastHeartbeat for agentID.
	Heartbeat(ctx context.Context, agentID string) error

	// AcknowledgeJob reports that the node accepted a dispatched job and
	// transitions it Assigned→Acknowledged.
	AcknowledgeJob(ctx context.Context, jobID, agentID string) error

	// ReportResult reports a job's terminal outcome.
	ReportResult(ctx context.Context, result domain.JobResult) error

	// ReportProgress reports a lazy progress update for a running job.
	ReportProgress(ctx context.Context, progress domain.JobProgress) error

	// ReportState reports a node's self-observed state (e.g. resource
	// metadata folded into AgentInfo.Metadata at the next heartbeat).
	ReportState(ctx context.Context, agentID string, reportedState map[string]string) error

	// ReportStreamItem reports one element of a streaming command's output.
	ReportStreamItem(ctx context.Context, item domain.StreamItem) error
}

// EventKind distinguishes the two events a Listener receives about a session.
type EventKind int

const (
	// EventConnected fires when a new NodeSession becomes available.
	EventConnected EventKind = iota
	// EventDisconnected fires when a NodeSession's underlying connection closes.
	EventDisconnected
)

// ConnectionEvent is delivered to a Listener on connect or disconnect.
type ConnectionEvent struct {
	Kind         EventKind
	ConnectionID ConnectionID
	Session      NodeSession // nil on EventDisconnected
	At           time.Time
}

// Listener is implemented by the component (the host bridge, which feeds the
// node registry) that reacts to sessions coming and going; the transport never interprets AgentInfo
// itself, only the registry does, once Register has been received on a
// session.
type Listener interface {
	OnConnectionEvent(ConnectionEvent)
}

// Channel groups sessions the host can fan commands out to, keyed by a
// name the registry assigns (capability name, group name, or agent id).
// Transport implementations maintain channel membership; the registry owns
// the meaning of names.
type Channel interface {
	// Name returns the channel's identifier.
	Name() string

	// Sessions returns the current membership snapshot.
	Sessions() []NodeSession

	// Join adds a session to the channel.
	Join(NodeSession)

	// Leave removes a session from the channel.
	Leave(ConnectionID)
}

// Server is the host side of the transport: it accepts node connections,
// dispatches inbound calls to a HostHandler, notifies a Listener of
// connect/disconnect, and maintains named channels for fan-out.
type Server interface {
	// Serve blocks accepting connections until ctx is cancelled.
	Serve(ctx context.Context, handler HostHandler, listener Listener) error

	// Channel returns (creating if necessary) the named fan-out channel.
	Channel(name string) Channel

	// Close stops accepting new connections. Sessions that are already open
	// are not closed by it.
	Close() error
}

// Client is the node side of the transport: it dials the host and hands back
// a HostHandler stub for reporting to the host plus a channel of the
// host→node calls the host sends.
type Client interface {
	// Dial connects to the host and returns the HostHandler stub the node
	// uses to report back, alongside a channel of inbound host→node calls
	// delivered as Inbound values until the connection drops.
	Dial(ctx context.Context, addr string) (HostHandler, <-chan Inbound, error)

	// Close tears down the current connection, if any.
	Close() error
}

// InboundKind identifies which host→node call an Inbound value carries.
type InboundKind int

const (
	InboundExecuteJob InboundKind = iota
	InboundCancelJob
	InboundPing
	InboundUpdateDesiredState
	InboundShutdown
)

// Inbound is one host→node call delivered to the node's dispatcher. Only
// the field matching Kind is populated.
type Inbound struct {
	Kind          InboundKind
	JobRequest    domain.JobRequest
	JobID         string
	DesiredState  map[string]string
	ShutdownCause string
}
