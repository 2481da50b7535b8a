package jobmanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/metrics"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// Sender delivers ExecuteJob and CancelJob commands to a connected node.
// registry.Registry's Session method returns a transport.NodeSession, which
// satisfies this.
type Sender interface {
	ExecuteJob(ctx context.Context, req domain.JobRequest) error
	CancelJob(ctx context.Context, jobID string) error
}

// SessionSource resolves a connected node's Sender by agent id.
type SessionSource interface {
	Session(agentID string) (Sender, bool)
}

// registrySessionSource adapts registry.Registry.Session, whose return type is
// transport.NodeSession (a superset of Sender), to SessionSource.
type registrySessionSource struct{ reg *registry.Registry }

func (s registrySessionSource) Session(agentID string) (Sender, bool) {
	sess, ok := s.reg.Session(agentID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Dispatcher periodically matches Pending jobs against Ready nodes and
// delivers ExecuteJob over the transport. It also runs the
// ACK-deadline and timeout sweepers.
type Dispatcher struct {
	mgr      *Manager
	registry *registry.Registry
	sessions SessionSource
	logger   *zap.Logger

	tickInterval time.Duration
	sweepEvery   time.Duration
}

// NewDispatcher wires a Dispatcher to a registry for node discovery and
// session lookup.
func NewDispatcher(mgr *Manager, reg *registry.Registry, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		mgr:          mgr,
		registry:     reg,
		sessions:     registrySessionSource{reg: reg},
		logger:       logger.Named("dispatcher"),
		tickInterval: 250 * time.Millisecond,
		sweepEvery:   5 * time.Second,
	}
	mgr.bindCancelNotifier(d.notifyCancel)
	return d
}

// notifyCancel forwards a cancellation to the node currently holding jobID.
// Best-effort: a node that is already gone simply never receives it, and the
// job is terminal on the host either way.
func (d *Dispatcher) notifyCancel(ctx context.Context, agentID, jobID string) {
	session, ok := d.sessions.Session(agentID)
	if !ok {
		return
	}
	if err := session.CancelJob(ctx, jobID); err != nil {
		d.logger.Debug("cancel job send failed", zap.String("job_id", jobID), zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Run drives the dispatch and sweep loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	dispatchTicker := time.NewTicker(d.tickInterval)
	defer dispatchTicker.Stop()
	sweepTicker := time.NewTicker(d.sweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			d.dispatchTick(ctx)
		case <-sweepTicker.C:
			d.sweepAckDeadlines(ctx)
			d.sweepTimeouts(ctx)
		}
	}
}

// dispatchTick attempts one assignment per Ready node, matching the node's
// capabilities/tags/id against the highest-priority eligible Pending job.
func (d *Dispatcher) dispatchTick(ctx context.Context) {
	nodes := d.registry.List()
	for _, node := range nodes {
		if node.Status != domain.AgentReady {
			continue
		}
		d.dispatchToNode(ctx, node)
	}
}

func (d *Dispatcher) dispatchToNode(ctx context.Context, node domain.AgentInfo) {
	capNames := make([]string, len(node.Capabilities))
	for i, c := range node.Capabilities {
		capNames[i] = c.Name
	}

	job, ok := d.mgr.DequeueNext(node.ID, capNames, node.Tags)
	if !ok {
		return
	}

	if err := d.mgr.Assign(ctx, job.Request.ID, node.ID); err != nil {
		d.logger.Warn("assign failed", zap.String("job_id", job.Request.ID), zap.Error(err))
		return
	}

	session, ok := d.sessions.Session(node.ID)
	if !ok {
		d.revert(ctx, job.Request.ID)
		return
	}
	if err := session.ExecuteJob(ctx, job.Request); err != nil {
		d.logger.Warn("execute job send failed, reverting to pending",
			zap.String("job_id", job.Request.ID), zap.String("agent_id", node.ID), zap.Error(err))
		d.revert(ctx, job.Request.ID)
		return
	}
	if err := d.registry.StartJob(node.ID); err != nil {
		d.logger.Debug("node state transition on dispatch failed", zap.String("agent_id", node.ID), zap.Error(err))
	}

	metrics.JobsDispatched.Inc()
	d.logger.Info("job dispatched", zap.String("job_id", job.Request.ID), zap.String("agent_id", node.ID))
}

func (d *Dispatcher) revert(ctx context.Context, jobID string) {
	if err := d.mgr.RevertAssignment(ctx, jobID); err != nil {
		d.logger.Warn("revert assignment failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// sweepAckDeadlines reverts Assigned jobs that have waited longer than the
// ACK deadline without an AcknowledgeJob report, treating the silence as a
// lost dispatch.
func (d *Dispatcher) sweepAckDeadlines(ctx context.Context) {
	nodes := d.registry.List()
	deadline := time.Now().Add(-d.mgr.ackDeadline)
	for _, node := range nodes {
		jobs, _, err := d.mgr.GetByAgent(ctx, node.ID, repositories.ListOptions{Limit: 1000})
		if err != nil {
			continue
		}
		for _, job := range jobs {
			if job.Status != domain.JobAssigned {
				continue
			}
			if job.AssignedAt.After(deadline) {
				continue
			}
			d.logger.Warn("ack deadline elapsed, reverting to pending",
				zap.String("job_id", job.Request.ID), zap.String("agent_id", node.ID))
			d.revert(ctx, job.Request.ID)
		}
	}
}

// sweepTimeouts dead-letters or requeues jobs whose per-request Timeout has
// elapsed since assignment.
func (d *Dispatcher) sweepTimeouts(ctx context.Context) {
	timedOut, err := d.mgr.GetTimedOut(ctx)
	if err != nil {
		d.logger.Warn("list timed out jobs failed", zap.Error(err))
		return
	}
	for _, job := range timedOut {
		if err := d.mgr.Complete(ctx, domain.JobResult{
			JobID:      job.Request.ID,
			Status:     domain.JobTimedOut,
			Error:      "job exceeded its timeout",
			ErrorCode:  "timeout",
			FinishedAt: time.Now(),
		}); err != nil {
			d.logger.Warn("timeout completion failed", zap.String("job_id", job.Request.ID), zap.Error(err))
		}
	}
}
