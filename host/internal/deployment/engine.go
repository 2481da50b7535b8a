package deployment

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/websocket"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// metadataExecutionKey tags a job with the DeploymentExecution it advances,
// so a job result routed back through OnJobResult can find its phase.
const metadataExecutionKey = "deploymentExecutionId"

// Engine watches each active DeploymentProfile's SourcePath and syncs
// changes to matching nodes as a pre-script/file-sync/post-script job
// sequence.
type Engine struct {
	profiles   repositories.DeploymentProfileRepository
	executions repositories.DeploymentExecutionRepository
	jobs       *jobmanager.Manager
	registry   *registry.Registry
	hub        *websocket.Hub
	logger     *zap.Logger

	mu       sync.Mutex
	watchers map[string]*profileWatcher
	pending  map[string]*pendingExecution // jobID -> execution in flight
}

type pendingExecution struct {
	execution *domain.DeploymentExecution
	profile   domain.DeploymentProfile
	phase     domain.DeploymentPhase
}

func New(profiles repositories.DeploymentProfileRepository, executions repositories.DeploymentExecutionRepository, jobs *jobmanager.Manager, reg *registry.Registry, hub *websocket.Hub, logger *zap.Logger) *Engine {
	return &Engine{
		profiles:   profiles,
		executions: executions,
		jobs:       jobs,
		registry:   reg,
		hub:        hub,
		logger:     logger.Named("deployment_engine"),
		watchers:   make(map[string]*profileWatcher),
		pending:    make(map[string]*pendingExecution),
	}
}

// Start loads every active profile and begins watching its SourcePath.
func (e *Engine) Start(ctx context.Context) error {
	profiles, err := e.profiles.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("deployment: loading active profiles: %w", err)
	}
	for _, p := range profiles {
		if err := e.watch(ctx, p); err != nil {
			e.logger.Error("watch profile failed", zap.String("profile_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// Stop tears down every profile watcher.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, w := range e.watchers {
		w.close()
		delete(e.watchers, id)
	}
}

// Activate begins watching a newly-created or re-enabled profile.
func (e *Engine) Activate(ctx context.Context, p domain.DeploymentProfile) error {
	return e.watch(ctx, p)
}

// Deactivate stops watching a disabled or deleted profile.
func (e *Engine) Deactivate(profileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watchers[profileID]; ok {
		w.close()
		delete(e.watchers, profileID)
	}
}

func (e *Engine) watch(ctx context.Context, p domain.DeploymentProfile) error {
	e.mu.Lock()
	if _, ok := e.watchers[p.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	w, err := newProfileWatcher(p, func() { e.TriggerDeploy(context.Background(), p.ID) }, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.watchers[p.ID] = w
	e.mu.Unlock()

	go w.run(ctx)
	return nil
}

// TriggerDeploy runs one deployment cycle for a profile against every
// currently matching node.
func (e *Engine) TriggerDeploy(ctx context.Context, profileID string) error {
	profile, err := e.profiles.GetByID(ctx, profileID)
	if err != nil {
		return fmt.Errorf("deployment: loading profile %s: %w", profileID, err)
	}

	manifestHash, err := buildManifest(profile.SourcePath, profile.Include, profile.Exclude)
	if err != nil {
		return fmt.Errorf("deployment: building manifest: %w", err)
	}

	agents, err := e.MatchingAgents(*profile)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		exec := &domain.DeploymentExecution{
			ID:           uuid.NewString(),
			ProfileID:    profile.ID,
			AgentID:      agent.ID,
			Phase:        domain.DeployStarting,
			ManifestHash: manifestHash,
			StartedAt:    time.Now(),
		}
		if err := e.executions.Create(ctx, exec); err != nil {
			e.logger.Error("create execution failed", zap.Error(err))
			continue
		}
		e.publish(*exec)
		e.advance(ctx, exec, *profile, agent.ID)
	}
	return nil
}

// MatchingAgents returns every registered node whose name satisfies the
// profile's TargetAgentPattern (a regular expression).
func (e *Engine) MatchingAgents(profile domain.DeploymentProfile) ([]domain.AgentInfo, error) {
	re, err := regexp.Compile(profile.TargetAgentPattern)
	if err != nil {
		return nil, fmt.Errorf("deployment: invalid target pattern %q: %w", profile.TargetAgentPattern, err)
	}
	var matched []domain.AgentInfo
	for _, a := range e.registry.List() {
		if re.MatchString(a.Name) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// advance enqueues the next job in the pre-script -> file-sync -> post-script
// sequence for one execution, or marks it Completed if there is nothing left
// to run.
func (e *Engine) advance(ctx context.Context, exec *domain.DeploymentExecution, profile domain.DeploymentProfile, agentID string) {
	var (
		command string
		phase   domain.DeploymentPhase
		params  = map[string]string{"profileId": profile.ID, "manifestHash": exec.ManifestHash}
	)

	switch exec.Phase {
	case domain.DeployStarting:
		if profile.PreScript != "" {
			command, phase = "deployment.pre_script", domain.DeployPreScript
			params["script"] = profile.PreScript
			break
		}
		fallthrough
	case domain.DeployPreScript:
		command, phase = "deployment.sync", domain.DeployFileSync
		params["sourcePath"] = profile.SourcePath
		params["deleteOrphans"] = fmt.Sprintf("%t", profile.DeleteOrphans)
	case domain.DeployFileSync:
		if profile.PostScript != "" {
			command, phase = "deployment.post_script", domain.DeployPostScript
			params["script"] = profile.PostScript
			break
		}
		fallthrough
	case domain.DeployPostScript:
		e.complete(ctx, exec, domain.DeployCompleted, "")
		return
	default:
		return
	}

	exec.Phase = phase
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("update execution failed", zap.Error(err))
	}
	e.publish(*exec)

	req := domain.JobRequest{
		Command:       command,
		Pattern:       domain.PatternRequestResponse,
		TargetAgentID: agentID,
		Metadata:      map[string]string{metadataExecutionKey: exec.ID},
	}
	for k, v := range params {
		req.Metadata[k] = v
	}

	job, err := e.jobs.Enqueue(ctx, req)
	if err != nil {
		e.complete(ctx, exec, domain.DeployFailed, err.Error())
		return
	}

	e.mu.Lock()
	e.pending[job.ID] = &pendingExecution{execution: exec, profile: profile, phase: phase}
	e.mu.Unlock()
}

// OnJobResult advances a deployment in flight when one of its jobs
// completes or fails. hostbridge calls this from ReportResult.
func (e *Engine) OnJobResult(ctx context.Context, result domain.JobResult) {
	e.mu.Lock()
	pe, ok := e.pending[result.JobID]
	if ok {
		delete(e.pending, result.JobID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if result.Status != domain.JobCompleted {
		e.complete(ctx, pe.execution, domain.DeployFailed, result.Error)
		return
	}
	e.advance(ctx, pe.execution, pe.profile, pe.execution.AgentID)
}

func (e *Engine) complete(ctx context.Context, exec *domain.DeploymentExecution, phase domain.DeploymentPhase, errMsg string) {
	exec.Phase = phase
	exec.Error = errMsg
	exec.CompletedAt = time.Now()
	if err := e.executions.Update(ctx, exec); err != nil {
		e.logger.Error("update execution failed", zap.Error(err))
	}
	e.publish(*exec)
}

func (e *Engine) publish(exec domain.DeploymentExecution) {
	if e.hub == nil {
		return
	}
	e.hub.Publish("deployment", websocket.NewMessage("deployment", "DeploymentExecutionChanged", exec))
}
