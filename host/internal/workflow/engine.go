// Package workflow implements the DAG-based workflow engine:
// instance lifecycle, the dependency-driven scheduler (recursively reused
// for Parallel/ForEach/Conditional's nested step lists), pause/resume via
// external events and approvals, and compensation on failure.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/metrics"
	"github.com/orbitmesh/orbitmesh/host/internal/notify"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/router"
	"github.com/orbitmesh/orbitmesh/shared/domain"
	"github.com/orbitmesh/orbitmesh/shared/expr"
)

// pollInterval is how often run and runBranch re-evaluate dependency/condition
// state even absent a wake signal, catching Instance/step timeouts.
const pollInterval = 2 * time.Second

// Engine runs WorkflowInstances to completion.
type Engine struct {
	mu        sync.Mutex
	instances map[string]*instanceState

	defs     repositories.WorkflowDefinitionRepository
	instRepo repositories.WorkflowInstanceRepository
	jobs     *jobmanager.Manager
	rt       *router.Router
	notifier notify.Sender
	eval     *expr.Evaluator
	executors map[domain.StepType]StepExecutor
	logger   *zap.Logger
	now      func() time.Time
}

// New wires an Engine to the job manager, router, notifier and workflow
// repositories it needs to run Job/Notify/Approval steps and persist
// instance state.
func New(defs repositories.WorkflowDefinitionRepository, instRepo repositories.WorkflowInstanceRepository, jobs *jobmanager.Manager, rt *router.Router, notifier notify.Sender, logger *zap.Logger) *Engine {
	e := &Engine{
		instances: make(map[string]*instanceState),
		defs:      defs,
		instRepo:  instRepo,
		jobs:      jobs,
		rt:        rt,
		notifier:  notifier,
		eval:      expr.New(),
		logger:    logger.Named("workflow"),
		now:       time.Now,
	}
	e.executors = registerExecutors(e)
	return e
}

// RunContext is the per-instance handle passed to step executors. Variables
// are guarded by mu since sibling steps in a Parallel branch execute
// concurrently; StepInstances are not guarded by it.
type RunContext struct {
	engine   *Engine
	def      *domain.WorkflowDefinition
	instance *domain.WorkflowInstance

	mu sync.Mutex
}

// Env returns a snapshot of the instance's Variables for expression evaluation.
func (rc *RunContext) Env() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.instance.Variables))
	for k, v := range rc.instance.Variables {
		out[k] = v
	}
	return out
}

// SetVar writes name into the instance's Variables.
func (rc *RunContext) SetVar(name string, val any) {
	if name == "" {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.instance.Variables == nil {
		rc.instance.Variables = make(map[string]any)
	}
	rc.instance.Variables[name] = val
}

// instanceState is the engine's live bookkeeping for one running instance,
// kept around after Pausing so CompleteEvent/Approve can locate it.
type instanceState struct {
	rc     *RunContext
	cancel context.CancelFunc
	wake   chan struct{}

	mu         sync.Mutex
	waiting    map[string]waitEntry   // stepID -> what it's waiting for, across all nesting levels
	retryAfter map[string]time.Time   // stepID -> earliest time a Pending retry may run again
}

type waitEntry struct {
	kind               ResultKind // ResultWaitingForEvent or ResultWaitingForApproval
	eventType          string
	correlationKey     string
	deadline           time.Time
	approvalsReceived  int
	approvalsRequired  int
	approvalApprovers  map[string]struct{}
}

func (ist *instanceState) signalWake() {
	select {
	case ist.wake <- struct{}{}:
	default:
	}
}

// Start creates a WorkflowInstance, validates input against the named
// trigger's schema (if any), and runs it to completion in the background.
func (e *Engine) Start(ctx context.Context, def *domain.WorkflowDefinition, input map[string]any, triggerID, correlationID string) (*domain.WorkflowInstance, error) {
	if triggerID != "" {
		if err := e.validateTriggerInput(def, triggerID, input); err != nil {
			return nil, err
		}
	}

	vars := make(map[string]any, len(def.Variables)+len(input))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range input {
		vars[k] = v
	}

	stepInstances := make(map[string]*domain.StepInstance, len(def.Steps))
	for _, step := range def.Steps {
		stepInstances[step.ID] = &domain.StepInstance{StepID: step.ID, Status: domain.StepPending}
	}

	inst := &domain.WorkflowInstance{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          domain.InstancePending,
		Input:           input,
		Variables:       vars,
		StepInstances:   stepInstances,
		TriggerID:       triggerID,
		CorrelationID:   correlationID,
		CreatedAt:       e.now(),
	}
	if err := e.instRepo.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("workflow: start: %w", err)
	}

	inst.Status = domain.InstanceRunning
	inst.StartedAt = e.now()
	if err := e.instRepo.Update(ctx, inst); err != nil {
		return nil, fmt.Errorf("workflow: start: persist running: %w", err)
	}

	e.launch(def, inst)
	metrics.WorkflowInstancesStarted.Inc()

	cp := *inst
	return &cp, nil
}

// launch registers an instanceState and starts its scheduler goroutine.
func (e *Engine) launch(def *domain.WorkflowDefinition, inst *domain.WorkflowInstance) {
	runCtx, cancel := context.WithCancel(context.Background())
	rc := &RunContext{engine: e, def: def, instance: inst}
	ist := &instanceState{rc: rc, cancel: cancel, wake: make(chan struct{}, 1), waiting: make(map[string]waitEntry), retryAfter: make(map[string]time.Time)}

	e.mu.Lock()
	e.instances[inst.ID] = ist
	e.mu.Unlock()

	go e.run(runCtx, ist)
}

// Resume restarts the scheduler goroutine for an instance reloaded from
// storage at process start.
func (e *Engine) Resume(def *domain.WorkflowDefinition, inst *domain.WorkflowInstance) {
	e.launch(def, inst)
}

func (e *Engine) run(ctx context.Context, ist *instanceState) {
	rc := ist.rc
	def := rc.def
	inst := rc.instance

	var deadline <-chan time.Time
	if def.Timeout > 0 {
		timer := time.NewTimer(def.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-deadline:
			e.cancelAllNonTerminal(rc.instance.StepInstances)
			e.finish(ctx, ist, domain.InstanceTimedOut)
			return
		case <-ctx.Done():
			e.cancelAllNonTerminal(rc.instance.StepInstances)
			e.finish(ctx, ist, domain.InstanceCancelled)
			return
		default:
		}

		status := e.driveOnce(ctx, ist, def.Steps, inst.StepInstances)
		switch status {
		case graphRunning:
			select {
			case <-ist.wake:
			case <-time.After(pollInterval):
			case <-deadline:
				e.cancelAllNonTerminal(rc.instance.StepInstances)
				e.finish(ctx, ist, domain.InstanceTimedOut)
				return
			case <-ctx.Done():
				e.cancelAllNonTerminal(rc.instance.StepInstances)
				e.finish(ctx, ist, domain.InstanceCancelled)
				return
			}
			continue
		case graphPaused:
			e.persistPaused(ctx, ist)
			select {
			case <-ist.wake:
				continue
			case <-deadline:
				e.cancelAllNonTerminal(rc.instance.StepInstances)
				e.finish(ctx, ist, domain.InstanceTimedOut)
				return
			case <-ctx.Done():
				e.cancelAllNonTerminal(rc.instance.StepInstances)
				e.finish(ctx, ist, domain.InstanceCancelled)
				return
			}
		case graphFailed:
			if def.ErrorStrategy == domain.Compensate {
				e.compensate(ctx, ist, def.Steps, inst.StepInstances)
			}
			e.finish(ctx, ist, domain.InstanceFailed)
			return
		case graphCompleted:
			e.finish(ctx, ist, domain.InstanceCompleted)
			return
		}
	}
}

type graphStatus int

const (
	graphRunning graphStatus = iota
	graphPaused
	graphCompleted
	graphFailed
)

// driveOnce starts any newly-eligible steps in one pass and reports the
// graph's aggregate status. It does not block; callers
// loop and wait on the instance's wake channel between passes.
func (e *Engine) driveOnce(ctx context.Context, ist *instanceState, steps []domain.WorkflowStep, instances map[string]*domain.StepInstance) graphStatus {
	byID := make(map[string]domain.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	anyRunning, anyWaiting, anyFailed, allTerminal := false, false, false, true

	for _, step := range steps {
		si := instances[step.ID]
		if si == nil {
			si = &domain.StepInstance{StepID: step.ID, Status: domain.StepPending}
			instances[step.ID] = si
		}

		switch si.Status {
		case domain.StepRunning:
			anyRunning = true
			allTerminal = false
			continue
		case domain.StepWaitingForEvent, domain.StepWaitingForApproval:
			if w, ok := ist.pendingTimeout(step.ID); ok && !e.now().Before(w) {
				si.Status = domain.StepSkipped
				si.CompletedAt = e.now()
				ist.clearWait(step.ID)
				continue
			}
			anyWaiting = true
			allTerminal = false
			continue
		case domain.StepFailed:
			anyFailed = true
			continue
		case domain.StepCompleted, domain.StepSkipped, domain.StepCancelled, domain.StepTimedOut, domain.StepCompensated:
			continue
		}

		if when, gated := ist.retryDeadline(step.ID); gated {
			if e.now().Before(when) {
				allTerminal = false
				continue
			}
			ist.clearRetryAfter(step.ID)
		}

		// Pending: check dependency satisfaction.
		satisfied := true
		for _, dep := range step.DependsOn {
			depSI := instances[dep]
			if depSI == nil || !depSI.Status.SatisfiesDependency() {
				satisfied = false
				break
			}
		}
		if !satisfied {
			allTerminal = false
			continue
		}

		ok, err := e.eval.EvalBool(step.Condition, ist.rc.Env())
		if err != nil {
			e.logger.Warn("step condition evaluation failed, treating as false",
				zap.String("instance_id", ist.rc.instance.ID), zap.String("step_id", step.ID), zap.Error(err))
			ok = false
		}
		if !ok {
			si.Status = domain.StepSkipped
			si.CompletedAt = e.now()
			continue
		}

		si.Status = domain.StepRunning
		si.StartedAt = e.now()
		allTerminal = false
		anyRunning = true
		e.startStep(ctx, ist, step, si)
	}

	if anyRunning || anyWaiting {
		if anyRunning {
			return graphRunning
		}
		return graphPaused
	}
	if anyFailed {
		return graphFailed
	}
	if allTerminal {
		return graphCompleted
	}
	return graphFailed // unreachable Pending steps (deps can never satisfy) — treat as failed, not a silent hang
}

// startStep runs a step's executor on its own goroutine and folds the
// result back into the StepInstance once it returns.
func (e *Engine) startStep(ctx context.Context, ist *instanceState, step domain.WorkflowStep, si *domain.StepInstance) {
	executor, ok := e.executors[step.Type]
	if !ok {
		si.Status = domain.StepFailed
		si.Error = fmt.Sprintf("no executor registered for step type %q", step.Type)
		si.CompletedAt = e.now()
		ist.signalWake()
		return
	}

	go func() {
		result := executor.Execute(StepExecutionContext{Ctx: ctx, RC: ist.rc, Step: step, StepInst: si, Inst: ist})
		if ctx.Err() != nil || si.Status.Terminal() {
			// The instance was cancelled or the step was already marked
			// Cancelled; keep that status instead of the executor's result.
			ist.signalWake()
			return
		}
		e.applyResult(ist, step, si, result)
		ist.signalWake()
	}()
}

func (e *Engine) applyResult(ist *instanceState, step domain.WorkflowStep, si *domain.StepInstance, result StepExecutionResult) {
	switch result.Kind {
	case ResultCompleted:
		si.Status = domain.StepCompleted
		si.Output = result.Output
		si.CompletedAt = e.now()
		if step.OutputVariable != "" {
			ist.rc.SetVar(step.OutputVariable, result.Output)
		}
	case ResultFailed:
		if step.MaxRetries > si.RetryCount {
			si.RetryCount++
			si.Status = domain.StepPending
			if step.RetryDelay > 0 {
				when := e.now().Add(step.RetryDelay)
				ist.setRetryAfter(step.ID, when)
				time.AfterFunc(step.RetryDelay, ist.signalWake)
			}
			return
		}
		si.Status = domain.StepFailed
		if result.Err != nil {
			si.Error = result.Err.Error()
		}
		if !step.ContinueOnError && ist.rc.def.ErrorStrategy == domain.StopOnFirst {
			e.cancelAllNonTerminal(ist.rc.instance.StepInstances)
		}
	case ResultWaitingForEvent:
		si.Status = domain.StepWaitingForEvent
		ist.setWait(step.ID, waitEntry{kind: ResultWaitingForEvent, eventType: result.WaitEventType, correlationKey: result.WaitCorrelationKey, deadline: deadlineOf(e.now(), result.WaitTimeout)})
	case ResultWaitingForApproval:
		si.Status = domain.StepWaitingForApproval
		required := 1
		var approvers []string
		if step.Config.Approval != nil {
			if step.Config.Approval.RequiredApprovals > 0 {
				required = step.Config.Approval.RequiredApprovals
			}
			approvers = step.Config.Approval.Approvers
		}
		set := make(map[string]struct{}, len(approvers))
		for _, a := range approvers {
			set[a] = struct{}{}
		}
		ist.setWait(step.ID, waitEntry{kind: ResultWaitingForApproval, approvalsRequired: required, approvalApprovers: set, deadline: deadlineOf(e.now(), step.Timeout)})
	}
}

func deadlineOf(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

func (ist *instanceState) setWait(stepID string, w waitEntry) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	ist.waiting[stepID] = w
}

func (ist *instanceState) clearWait(stepID string) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	delete(ist.waiting, stepID)
}

func (ist *instanceState) setRetryAfter(stepID string, when time.Time) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	ist.retryAfter[stepID] = when
}

func (ist *instanceState) clearRetryAfter(stepID string) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	delete(ist.retryAfter, stepID)
}

func (ist *instanceState) retryDeadline(stepID string) (time.Time, bool) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	when, ok := ist.retryAfter[stepID]
	return when, ok
}

func (ist *instanceState) pendingTimeout(stepID string) (time.Time, bool) {
	ist.mu.Lock()
	defer ist.mu.Unlock()
	w, ok := ist.waiting[stepID]
	if !ok || w.deadline.IsZero() {
		return time.Time{}, false
	}
	return w.deadline, true
}

// cancelAllNonTerminal marks every non-terminal step Cancelled, used when a
// StopOnFirst failure or instance timeout must stop the rest of the graph.
func (e *Engine) cancelAllNonTerminal(instances map[string]*domain.StepInstance) {
	for _, si := range instances {
		if !si.Status.Terminal() {
			si.Status = domain.StepCancelled
			si.CompletedAt = e.now()
		}
	}
}

// compensate runs each already-Completed step's Compensation in reverse
// topological (reverse completion) order.
func (e *Engine) compensate(ctx context.Context, ist *instanceState, steps []domain.WorkflowStep, instances map[string]*domain.StepInstance) {
	rc := ist.rc
	rc.instance.Status = domain.InstanceCompensating
	_ = e.instRepo.Update(ctx, rc.instance)

	type completedStep struct {
		step domain.WorkflowStep
		si   *domain.StepInstance
	}
	var done []completedStep
	for _, step := range steps {
		si := instances[step.ID]
		if si != nil && si.Status == domain.StepCompleted && step.Compensation != nil {
			done = append(done, completedStep{step: step, si: si})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].si.CompletedAt.After(done[j].si.CompletedAt) })

	for _, c := range done {
		compStep := *c.step.Compensation
		compSI := &domain.StepInstance{StepID: compStep.ID, Status: domain.StepCompensating, StartedAt: e.now()}
		c.si.Compensation = compSI
		executor, ok := e.executors[compStep.Type]
		if !ok {
			compSI.Status = domain.StepFailed
			continue
		}
		result := executor.Execute(StepExecutionContext{Ctx: ctx, RC: rc, Step: compStep, StepInst: compSI, Inst: ist})
		if result.Kind == ResultCompleted {
			compSI.Status = domain.StepCompensated
		} else {
			compSI.Status = domain.StepFailed
			if result.Err != nil {
				compSI.Error = result.Err.Error()
			}
		}
		compSI.CompletedAt = e.now()
	}
}

// finish derives the instance's Output, persists its terminal status, and
// retires its instanceState.
func (e *Engine) finish(ctx context.Context, ist *instanceState, status domain.WorkflowInstanceStatus) {
	// Stop any step executor still running (e.g. after an instance timeout).
	defer ist.cancel()
	inst := ist.rc.instance
	inst.Status = status
	inst.CompletedAt = e.now()
	inst.Output = deriveOutput(ist.rc.def, inst)
	if err := e.instRepo.Update(ctx, inst); err != nil {
		e.logger.Warn("failed to persist instance terminal state", zap.String("instance_id", inst.ID), zap.Error(err))
	}

	metrics.WorkflowInstancesFinished.WithLabelValues(string(status)).Inc()

	e.mu.Lock()
	delete(e.instances, inst.ID)
	e.mu.Unlock()
}

func (e *Engine) persistPaused(ctx context.Context, ist *instanceState) {
	inst := ist.rc.instance
	if inst.Status == domain.InstancePaused {
		return
	}
	inst.Status = domain.InstancePaused
	if err := e.instRepo.Update(ctx, inst); err != nil {
		e.logger.Warn("failed to persist paused instance", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// deriveOutput picks the instance's final Output: the `output` variable if
// the definition set one, else the last-completed step's output by
// CompletedAt.
func deriveOutput(def *domain.WorkflowDefinition, inst *domain.WorkflowInstance) any {
	if v, ok := inst.Variables["output"]; ok {
		return v
	}
	var latest *domain.StepInstance
	for _, si := range inst.StepInstances {
		if si.Status != domain.StepCompleted {
			continue
		}
		if latest == nil || si.CompletedAt.After(latest.CompletedAt) {
			latest = si
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Output
}

func (e *Engine) validateTriggerInput(def *domain.WorkflowDefinition, triggerID string, input map[string]any) error {
	var trig *domain.TriggerDefinition
	for i := range def.Triggers {
		if def.Triggers[i].ID == triggerID {
			trig = &def.Triggers[i]
			break
		}
	}
	if trig == nil || len(trig.InputSchema) == 0 {
		return nil
	}
	for name, field := range trig.InputSchema {
		v, present := input[name]
		if !present {
			if field.Required {
				return fmt.Errorf("workflow: start: missing required input %q", name)
			}
			continue
		}
		if len(field.AllowedValues) == 0 {
			continue
		}
		s := fmt.Sprintf("%v", v)
		allowed := false
		for _, a := range field.AllowedValues {
			if a == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("workflow: start: input %q has disallowed value %q", name, s)
		}
	}
	return nil
}

// CompleteEvent resolves a step waiting on WaitForEvent with a delivered
// payload.
func (e *Engine) CompleteEvent(instanceID, stepID string, payload any) error {
	return e.resolveWait(instanceID, stepID, func(si *domain.StepInstance) {
		si.Status = domain.StepCompleted
		si.Output = payload
		si.CompletedAt = e.now()
	})
}

// DeliverEvent fans an external event out to every step currently waiting on
// eventType, resolving each match via CompleteEvent with the event payload as
// the step's output. A wait that declares a CorrelationKey only matches when
// the payload carries that key and its value equals the waiting instance's
// CorrelationID; a wait without one matches on event type alone. Returns the
// ids of the instances that were resumed.
func (e *Engine) DeliverEvent(eventType string, payload map[string]any) []string {
	type match struct{ instanceID, stepID string }
	var matches []match

	e.mu.Lock()
	for id, ist := range e.instances {
		correlationID := ist.rc.instance.CorrelationID
		ist.mu.Lock()
		for stepID, w := range ist.waiting {
			if w.kind != ResultWaitingForEvent || w.eventType != eventType {
				continue
			}
			if w.correlationKey != "" {
				v, ok := payload[w.correlationKey]
				if !ok || fmt.Sprintf("%v", v) != correlationID {
					continue
				}
			}
			matches = append(matches, match{instanceID: id, stepID: stepID})
		}
		ist.mu.Unlock()
	}
	e.mu.Unlock()

	var resumed []string
	for _, m := range matches {
		if err := e.CompleteEvent(m.instanceID, m.stepID, payload); err != nil {
			e.logger.Warn("event delivery to waiting step failed",
				zap.String("instance_id", m.instanceID), zap.String("step_id", m.stepID), zap.Error(err))
			continue
		}
		resumed = append(resumed, m.instanceID)
	}
	return resumed
}

// Approve resolves a step waiting on Approval; decision false fails the step
// immediately, true counts toward RequiredApprovals.
func (e *Engine) Approve(instanceID, stepID, approver string, decision bool) error {
	e.mu.Lock()
	ist, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: approve: unknown or already-finished instance %q", instanceID)
	}

	ist.mu.Lock()
	w, ok := ist.waiting[stepID]
	if !ok || w.kind != ResultWaitingForApproval {
		ist.mu.Unlock()
		return fmt.Errorf("workflow: approve: step %q is not waiting for approval", stepID)
	}
	if !decision {
		delete(ist.waiting, stepID)
		ist.mu.Unlock()
		return e.resolveWait(instanceID, stepID, func(si *domain.StepInstance) {
			si.Status = domain.StepFailed
			si.Error = fmt.Sprintf("rejected by %s", approver)
			si.CompletedAt = e.now()
		})
	}
	if len(w.approvalApprovers) > 0 {
		if _, eligible := w.approvalApprovers[approver]; !eligible {
			ist.mu.Unlock()
			return fmt.Errorf("workflow: approve: %q is not an eligible approver for step %q", approver, stepID)
		}
	}
	w.approvalsReceived++
	satisfied := w.approvalsReceived >= w.approvalsRequired
	ist.waiting[stepID] = w
	ist.mu.Unlock()

	if !satisfied {
		return nil
	}
	return e.resolveWait(instanceID, stepID, func(si *domain.StepInstance) {
		si.Status = domain.StepCompleted
		si.Output = map[string]any{"approved": true}
		si.CompletedAt = e.now()
	})
}

func (e *Engine) resolveWait(instanceID, stepID string, apply func(*domain.StepInstance)) error {
	e.mu.Lock()
	ist, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: unknown or already-finished instance %q", instanceID)
	}

	si := findStepInstance(ist.rc.instance, stepID)
	if si == nil {
		return fmt.Errorf("workflow: unknown step %q on instance %q", stepID, instanceID)
	}
	apply(si)
	if si.Status == domain.StepCompleted {
		if step := findStep(ist.rc.def.Steps, stepID); step != nil && step.OutputVariable != "" {
			ist.rc.SetVar(step.OutputVariable, si.Output)
		}
	}
	ist.clearWait(stepID)
	ist.signalWake()
	return nil
}

// findStep locates a WorkflowStep by id anywhere in the definition's step
// tree, including nested Parallel/ForEach/Conditional branches, mirroring
// findStepInstance's traversal of the matching StepInstance tree.
func findStep(steps []domain.WorkflowStep, stepID string) *domain.WorkflowStep {
	for i := range steps {
		if steps[i].ID == stepID {
			return &steps[i]
		}
		cfg := steps[i].Config
		if cfg.Parallel != nil {
			for _, branch := range cfg.Parallel.Branches {
				if found := findStep(branch, stepID); found != nil {
					return found
				}
			}
		}
		if cfg.ForEach != nil {
			if found := findStep(cfg.ForEach.Steps, stepID); found != nil {
				return found
			}
		}
		if cfg.Conditional != nil {
			if found := findStep(cfg.Conditional.Then, stepID); found != nil {
				return found
			}
			if found := findStep(cfg.Conditional.Else, stepID); found != nil {
				return found
			}
		}
	}
	return nil
}

// findStepInstance locates a StepInstance by id anywhere in the instance's
// tree, including nested Parallel/ForEach/Conditional branches. Only a step
// waiting for an event or an approval matches.
func findStepInstance(inst *domain.WorkflowInstance, stepID string) *domain.StepInstance {
	for _, si := range inst.StepInstances {
		if found := searchBranches(si, stepID); found != nil {
			return found
		}
	}
	return nil
}

func searchBranches(si *domain.StepInstance, stepID string) *domain.StepInstance {
	if si == nil {
		return nil
	}
	if si.StepID == stepID && (si.Status == domain.StepWaitingForEvent || si.Status == domain.StepWaitingForApproval) {
		return si
	}
	for i := range si.Branches {
		if found := searchBranches(&si.Branches[i], stepID); found != nil {
			return found
		}
	}
	return nil
}

// Cancel stops a running or paused instance.
func (e *Engine) Cancel(instanceID string) error {
	e.mu.Lock()
	ist, ok := e.instances[instanceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: cancel: unknown or already-finished instance %q", instanceID)
	}
	ist.cancel()
	return nil
}
