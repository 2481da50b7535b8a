// Package hostbridge adapts transport.HostHandler and transport.Listener —
// the node→host surface of the transport contract — onto the registry,
// job manager, progress service and dashboard hub, which were each built
// against their own narrow interfaces to avoid importing the transport
// package directly. The bridge is the one place that wires all of them
// together for shared/transport/frame.Server.Serve.
package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/progress"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/websocket"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/transport"
)

// recommendedHeartbeatInterval is returned to every node on Register.
const recommendedHeartbeatInterval = 30 * time.Second

// DeploymentSink is notified when a job tied to a deployment execution
// completes or fails, so the deployment engine can advance to the next
// phase. deployment.Engine satisfies this; narrowed here to avoid an
// import cycle.
type DeploymentSink interface {
	OnJobResult(ctx context.Context, result domain.JobResult)
}

// Bridge implements transport.HostHandler (node→host calls) and
// transport.Listener (connect/disconnect notifications).
type Bridge struct {
	registry        *registry.Registry
	jobs            *jobmanager.Manager
	progress        *progress.Service
	hub             *websocket.Hub
	deployment      DeploymentSink
	bootstrapTokens repositories.BootstrapTokenRepository
	enrollments     repositories.EnrollmentRepository
	logger          *zap.Logger

	mu          sync.Mutex
	pending     map[transport.ConnectionID]transport.NodeSession
	agentByConn map[transport.ConnectionID]string
}

// New wires a Bridge. hub, deploymentSink, bootstrapTokens and enrollments
// may be nil (unit tests, or an enrollment-gate-less deployment where every
// node is trusted implicitly).
func New(reg *registry.Registry, jobs *jobmanager.Manager, progressSvc *progress.Service, hub *websocket.Hub, deploymentSink DeploymentSink, bootstrapTokens repositories.BootstrapTokenRepository, enrollments repositories.EnrollmentRepository, logger *zap.Logger) *Bridge {
	return &Bridge{
		registry:        reg,
		jobs:            jobs,
		progress:        progressSvc,
		hub:             hub,
		deployment:      deploymentSink,
		bootstrapTokens: bootstrapTokens,
		enrollments:     enrollments,
		logger:          logger.Named("hostbridge"),
		pending:         make(map[transport.ConnectionID]transport.NodeSession),
		agentByConn:     make(map[transport.ConnectionID]string),
	}
}

func (b *Bridge) publish(topic, event string, payload interface{}) {
	if b.hub == nil {
		return
	}
	b.hub.Publish(topic, websocket.NewMessage(topic, event, payload))
}

// OnConnectionEvent implements transport.Listener. A session only becomes
// available to Register via this callback — it stashes the session keyed by
// connection id so Register, which only receives the AgentInfo, can look it
// up by the ConnectionID the transport layer stamped onto info.
func (b *Bridge) OnConnectionEvent(ev transport.ConnectionEvent) {
	switch ev.Kind {
	case transport.EventConnected:
		b.mu.Lock()
		b.pending[ev.ConnectionID] = ev.Session
		b.mu.Unlock()

	case transport.EventDisconnected:
		b.mu.Lock()
		agentID := b.agentByConn[ev.ConnectionID]
		delete(b.agentByConn, ev.ConnectionID)
		delete(b.pending, ev.ConnectionID)
		b.mu.Unlock()

		b.registry.OnConnectionLost(ev.ConnectionID)
		if agentID == "" {
			return
		}
		b.jobs.HandleAgentDisconnected(context.Background(), agentID)
		b.logger.Info("node disconnected", zap.String("agent_id", agentID))
		b.publish("agents", websocket.EventAgentDisconnected, agentID)
	}
}

// Register implements transport.HostHandler.
func (b *Bridge) Register(ctx context.Context, info domain.AgentInfo) (domain.RegistrationResult, error) {
	connID := transport.ConnectionID(info.ConnectionID)

	b.mu.Lock()
	session, ok := b.pending[connID]
	if ok {
		b.agentByConn[connID] = info.ID
	}
	b.mu.Unlock()

	if !ok {
		return domain.RegistrationResult{}, fmt.Errorf("hostbridge: no pending session for connection %q", connID)
	}

	if err := b.checkEnrollment(ctx, info); err != nil {
		b.mu.Lock()
		delete(b.agentByConn, connID)
		b.mu.Unlock()
		return domain.RegistrationResult{}, err
	}

	out := b.registry.Register(info, session)
	b.logger.Info("node registered", zap.String("agent_id", out.ID), zap.String("name", out.Name))
	b.publish("agents", websocket.EventAgentConnected, out)

	return domain.RegistrationResult{
		Success:                      true,
		RecommendedHeartbeatInterval: recommendedHeartbeatInterval,
		AssignedAgentID:              out.ID,
	}, nil
}

// checkEnrollment gates first-contact registration behind the reusable
// bootstrap token. A node presents its secret and public key via
// AgentInfo.Metadata["bootstrapToken"]/["publicKey"] since the transport
// contract carries no dedicated enrollment fields. Returns nil immediately
// if no bootstrap token repository was wired (enrollment gating disabled)
// or the node has an existing Approved enrollment record.
func (b *Bridge) checkEnrollment(ctx context.Context, info domain.AgentInfo) error {
	if b.bootstrapTokens == nil || b.enrollments == nil {
		return nil
	}

	existing, err := b.enrollments.GetByAgentID(ctx, info.ID)
	if err == nil {
		switch existing.Status {
		case domain.EnrollmentApproved:
			return nil
		case domain.EnrollmentPending:
			return fmt.Errorf("hostbridge: enrollment for agent %q is pending approval", info.ID)
		default:
			return fmt.Errorf("hostbridge: enrollment for agent %q is %s", info.ID, existing.Status)
		}
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("hostbridge: loading enrollment: %w", err)
	}

	token, err := b.bootstrapTokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("hostbridge: no bootstrap token configured: %w", err)
	}
	if !token.IsEnabled {
		return fmt.Errorf("hostbridge: enrollment is disabled")
	}
	if !auth.VerifySecret(info.Metadata["bootstrapToken"], token.Hash) {
		return fmt.Errorf("hostbridge: invalid bootstrap token")
	}

	status := domain.EnrollmentPending
	if token.AutoApprove {
		status = domain.EnrollmentApproved
	}
	enrollment := &domain.Enrollment{
		ID:                    info.ID,
		NodeID:                info.ID,
		NodeName:              info.Name,
		PublicKey:             info.Metadata["publicKey"],
		RequestedCapabilities: capabilityNames(info.Capabilities),
		Status:                status,
		CreatedAt:             time.Now(),
	}
	if status == domain.EnrollmentApproved {
		enrollment.DecidedAt = time.Now()
	}
	if err := b.enrollments.Create(ctx, enrollment); err != nil {
		return fmt.Errorf("hostbridge: recording enrollment: %w", err)
	}

	if status == domain.EnrollmentPending {
		b.logger.Info("node enrollment pending approval", zap.String("agent_id", info.ID))
		return fmt.Errorf("hostbridge: enrollment for agent %q is pending approval", info.ID)
	}
	return nil
}

func capabilityNames(caps []domain.Capability) []string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}

// Unregister implements transport.HostHandler.
func (b *Bridge) Unregister(ctx context.Context, agentID string) error {
	b.registry.Unregister(agentID)
	b.publish("agents", websocket.EventAgentDisconnected, agentID)
	return nil
}

// Heartbeat implements transport.HostHandler.
func (b *Bridge) Heartbeat(ctx context.Context, agentID string) error {
	return b.registry.Heartbeat(agentID)
}

// AcknowledgeJob implements transport.HostHandler.
func (b *Bridge) AcknowledgeJob(ctx context.Context, jobID, agentID string) error {
	return b.jobs.Acknowledge(ctx, jobID, agentID)
}

// ReportResult implements transport.HostHandler.
func (b *Bridge) ReportResult(ctx context.Context, result domain.JobResult) error {
	if err := b.jobs.Complete(ctx, result); err != nil {
		return err
	}
	event := websocket.EventJobCompleted
	if result.Status != domain.JobCompleted {
		event = websocket.EventJobFailed
	}
	b.publish("jobs", event, result)
	b.publish("jobs:"+result.JobID, event, result)
	if b.deployment != nil {
		b.deployment.OnJobResult(ctx, result)
	}
	return nil
}

// ReportProgress implements transport.HostHandler.
func (b *Bridge) ReportProgress(ctx context.Context, p domain.JobProgress) error {
	if err := b.jobs.UpdateProgress(ctx, p); err != nil {
		return err
	}
	b.publish("jobs:"+p.JobID, websocket.EventJobProgress, p)
	return nil
}

// ReportState implements transport.HostHandler: folds a node's self-reported
// state into its AgentInfo.Metadata.
func (b *Bridge) ReportState(ctx context.Context, agentID string, state map[string]string) error {
	return b.registry.MergeMetadata(agentID, state)
}

// ReportStreamItem implements transport.HostHandler. There is no dedicated
// stream store; items are pushed straight to subscribers.
func (b *Bridge) ReportStreamItem(ctx context.Context, item domain.StreamItem) error {
	b.publish("jobs:"+item.JobID, "JobStreamItem", item)
	return nil
}
