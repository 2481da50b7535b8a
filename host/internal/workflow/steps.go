package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/router"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// jobPollInterval is how often a Job/SubWorkflow step executor re-checks
// whether the unit of work it's waiting on has reached a terminal state.
const jobPollInterval = 300 * time.Millisecond

// jobStepExecutor submits a job through the job manager and blocks until it
// reaches a terminal state.
type jobStepExecutor struct {
	engine *Engine
}

func (x *jobStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Job
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing job config", sc.Step.ID)}
	}

	var payload []byte
	if cfg.PayloadExpr != "" {
		val, err := x.engine.eval.Eval(cfg.PayloadExpr, sc.RC.Env())
		if err != nil {
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: payload: %w", sc.Step.ID, err)}
		}
		data, err := json.Marshal(val)
		if err != nil {
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: marshal payload: %w", sc.Step.ID, err)}
		}
		payload = data
	}

	req := domain.JobRequest{
		ID:                   uuid.NewString(),
		Command:              cfg.Command,
		Pattern:              domain.PatternRequestResponse,
		Parameters:           payload,
		Priority:             cfg.Priority,
		Timeout:              sc.Step.Timeout,
		MaxRetries:           sc.Step.MaxRetries,
		RequiredCapabilities: cfg.RequiredCapabilities,
		RequiredTags:         cfg.RequiredTags,
		CorrelationID:        sc.RC.instance.ID,
	}

	// Pre-pin a node when the step names placement constraints, so this job
	// doesn't just wait for whichever Ready node happens to cover them.
	if x.engine.rt != nil && (len(cfg.RequiredCapabilities) > 0 || len(cfg.RequiredTags) > 0) {
		if info, ok := x.engine.rt.Select(router.Request{RequiredCapabilities: cfg.RequiredCapabilities, RequiredTags: cfg.RequiredTags}); ok {
			req.TargetAgentID = info.ID
		}
	}

	job, err := x.engine.jobs.Enqueue(sc.Ctx, req)
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: enqueue: %w", sc.Step.ID, err)}
	}
	sc.StepInst.JobID = job.Request.ID

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.Ctx.Done():
			// Instance cancellation/timeout reaches the job too: without
			// this the node keeps running work nobody is waiting on.
			if _, err := x.engine.jobs.Cancel(context.Background(), job.Request.ID, "workflow step cancelled"); err != nil {
				x.engine.logger.Debug("cancel job on step cancellation failed", zap.String("job_id", job.Request.ID), zap.Error(err))
			}
			return StepExecutionResult{Kind: ResultFailed, Err: sc.Ctx.Err()}
		case <-ticker.C:
			job, err = x.engine.jobs.Get(sc.Ctx, job.Request.ID)
			if err != nil {
				return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: poll job: %w", sc.Step.ID, err)}
			}
			if !job.Status.Terminal() {
				continue
			}
			if job.Status == domain.JobCompleted {
				return StepExecutionResult{Kind: ResultCompleted, Output: decodeJobOutput(job.Result)}
			}
			errMsg := "job did not complete"
			if job.Result != nil && job.Result.Error != "" {
				errMsg = job.Result.Error
			}
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: %s", sc.Step.ID, errMsg)}
		}
	}
}

func decodeJobOutput(result *domain.JobResult) any {
	if result == nil || len(result.Data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(result.Data, &v); err != nil {
		return string(result.Data)
	}
	return v
}

// runBranch drives a nested, independent step list to completion, reusing
// the top-level scheduler (driveOnce) recursively. Its StepInstances are
// allocated up front into a fixed-size slice so the caller can store that
// slice directly as StepInstance.Branches and keep the addresses stable:
// CompleteEvent/Approve locate nested waiting steps by recursing into
// Branches (searchBranches in engine.go), and rely on those addresses not
// moving under them between driveOnce passes.
func (e *Engine) runBranch(ctx context.Context, ist *instanceState, steps []domain.WorkflowStep) ([]domain.StepInstance, bool) {
	branch := make([]domain.StepInstance, len(steps))
	instances := make(map[string]*domain.StepInstance, len(steps))
	for i, s := range steps {
		branch[i] = domain.StepInstance{StepID: s.ID, Status: domain.StepPending}
		instances[s.ID] = &branch[i]
	}

	for {
		select {
		case <-ctx.Done():
			e.cancelAllNonTerminal(instances)
			return branch, false
		default:
		}

		switch e.driveOnce(ctx, ist, steps, instances) {
		case graphCompleted:
			return branch, true
		case graphFailed:
			return branch, false
		default:
			// Shares ist.wake with the top-level scheduler and any sibling
			// branch; a missed signal here is harmless since every looper
			// also re-checks on pollInterval.
			select {
			case <-ist.wake:
			case <-time.After(pollInterval):
			case <-ctx.Done():
				e.cancelAllNonTerminal(instances)
				return branch, false
			}
		}
	}
}

func branchOutput(steps []domain.WorkflowStep, branch []domain.StepInstance) any {
	var latest *domain.StepInstance
	for i := range branch {
		if branch[i].Status != domain.StepCompleted {
			continue
		}
		if latest == nil || branch[i].CompletedAt.After(latest.CompletedAt) {
			latest = &branch[i]
		}
	}
	if latest == nil {
		return nil
	}
	return latest.Output
}

// parallelStepExecutor runs each branch's step list through runBranch
// concurrently, bounded by MaxConcurrency.
type parallelStepExecutor struct {
	engine *Engine
}

func (x *parallelStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Parallel
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing parallel config", sc.Step.ID)}
	}

	ist := sc.Inst
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = len(cfg.Branches)
	}
	if concurrency <= 0 {
		return StepExecutionResult{Kind: ResultCompleted}
	}

	sc.StepInst.Branches = make([]domain.StepInstance, len(cfg.Branches))
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(cfg.Branches))
	results := make([]bool, len(cfg.Branches))

	for i, branchSteps := range cfg.Branches {
		i, branchSteps := i, branchSteps
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			branch, ok := x.engine.runBranch(sc.Ctx, ist, branchSteps)
			sc.StepInst.Branches[i] = domain.StepInstance{StepID: sc.Step.ID, Status: statusOf(ok), Branches: branch, Output: branchOutput(branchSteps, branch)}
			results[i] = ok
		}()
	}
	for range cfg.Branches {
		<-done
	}

	allOK := true
	for _, ok := range results {
		if !ok {
			allOK = false
			if cfg.FailFast {
				break
			}
		}
	}
	if !allOK {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: one or more parallel branches failed", sc.Step.ID)}
	}
	return StepExecutionResult{Kind: ResultCompleted, Output: sc.StepInst.Branches}
}

func statusOf(ok bool) domain.StepInstanceStatus {
	if ok {
		return domain.StepCompleted
	}
	return domain.StepFailed
}

// forEachStepExecutor evaluates CollectionExpr and runs the body step list
// once per item, sequentially, so ItemVariable/IndexVariable assignment
// never races across iterations.
type forEachStepExecutor struct {
	engine *Engine
}

func (x *forEachStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.ForEach
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing for_each config", sc.Step.ID)}
	}

	coll, err := x.engine.eval.Eval(cfg.CollectionExpr, sc.RC.Env())
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: collection: %w", sc.Step.ID, err)}
	}
	items, ok := coll.([]any)
	if !ok {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: collection expression did not evaluate to a list", sc.Step.ID)}
	}

	ist := sc.Inst
	outputs := make([]any, 0, len(items))
	for idx, item := range items {
		if sc.Ctx.Err() != nil {
			return StepExecutionResult{Kind: ResultFailed, Err: sc.Ctx.Err()}
		}
		sc.RC.SetVar(cfg.ItemVariable, item)
		if cfg.IndexVariable != "" {
			sc.RC.SetVar(cfg.IndexVariable, idx)
		}
		branch, ok := x.engine.runBranch(sc.Ctx, ist, cfg.Steps)
		sc.StepInst.Branches = append(sc.StepInst.Branches, domain.StepInstance{
			StepID: fmt.Sprintf("%s[%d]", sc.Step.ID, idx),
			Status: statusOf(ok),
			Branches: branch,
			Output: branchOutput(cfg.Steps, branch),
		})
		if !ok {
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: iteration %d failed", sc.Step.ID, idx)}
		}
		outputs = append(outputs, branchOutput(cfg.Steps, branch))
	}
	return StepExecutionResult{Kind: ResultCompleted, Output: outputs}
}

// conditionalStepExecutor evaluates Expression and runs Then or Else
// as an inline sub-graph.
type conditionalStepExecutor struct {
	engine *Engine
}

func (x *conditionalStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Conditional
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing conditional config", sc.Step.ID)}
	}

	ok, err := x.engine.eval.EvalBool(cfg.Expression, sc.RC.Env())
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: condition: %w", sc.Step.ID, err)}
	}

	branchSteps := cfg.Else
	if ok {
		branchSteps = cfg.Then
	}
	if len(branchSteps) == 0 {
		return StepExecutionResult{Kind: ResultCompleted}
	}

	branch, success := x.engine.runBranch(sc.Ctx, sc.Inst, branchSteps)
	sc.StepInst.Branches = branch
	if !success {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: branch failed", sc.Step.ID)}
	}
	return StepExecutionResult{Kind: ResultCompleted, Output: branchOutput(branchSteps, branch)}
}

// delayStepExecutor sleeps for the configured duration.
type delayStepExecutor struct{}

func (delayStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Delay
	if cfg == nil || cfg.Duration <= 0 {
		return StepExecutionResult{Kind: ResultCompleted}
	}
	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StepExecutionResult{Kind: ResultCompleted}
	case <-sc.Ctx.Done():
		return StepExecutionResult{Kind: ResultFailed, Err: sc.Ctx.Err()}
	}
}

// waitForEventStepExecutor immediately reports that this step is waiting;
// the wait/timeout bookkeeping lives in the scheduler.
type waitForEventStepExecutor struct{}

func (waitForEventStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.WaitForEvent
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing wait_for_event config", sc.Step.ID)}
	}
	return StepExecutionResult{
		Kind:               ResultWaitingForEvent,
		WaitEventType:      cfg.EventType,
		WaitCorrelationKey: cfg.CorrelationKey,
		WaitTimeout:        cfg.Timeout,
	}
}

// approvalStepExecutor immediately reports that this step is waiting for
// approval; N-of-M counting lives in Engine.Approve.
type approvalStepExecutor struct {
	engine *Engine
}

func (approvalStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	if sc.Step.Config.Approval == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing approval config", sc.Step.ID)}
	}
	return StepExecutionResult{Kind: ResultWaitingForApproval}
}

// transformStepExecutor evaluates Expression against the instance's
// Variables and writes the result as the step's Output.
type transformStepExecutor struct{}

func (transformStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Transform
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing transform config", sc.Step.ID)}
	}
	out, err := sc.RC.engine.eval.Eval(cfg.Expression, sc.RC.Env())
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: transform: %w", sc.Step.ID, err)}
	}
	return StepExecutionResult{Kind: ResultCompleted, Output: out}
}

// notifyStepExecutor delivers a message over the step's configured channel.
type notifyStepExecutor struct {
	engine *Engine
}

func (x *notifyStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.Notify
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing notify config", sc.Step.ID)}
	}
	if err := x.engine.notifier.Send(sc.Ctx, cfg.Channel, cfg.Target, sc.Step.Name, cfg.Message); err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: notify: %w", sc.Step.ID, err)}
	}
	return StepExecutionResult{Kind: ResultCompleted}
}

// subWorkflowStepExecutor starts a child WorkflowInstance, optionally
// blocking until it reaches a terminal state.
type subWorkflowStepExecutor struct {
	engine *Engine
}

func (x *subWorkflowStepExecutor) Execute(sc StepExecutionContext) StepExecutionResult {
	cfg := sc.Step.Config.SubWorkflow
	if cfg == nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: missing sub_workflow config", sc.Step.ID)}
	}

	def, err := x.engine.defs.GetByID(sc.Ctx, cfg.WorkflowID)
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: load sub-workflow: %w", sc.Step.ID, err)}
	}
	if cfg.WorkflowVersion != "" && cfg.WorkflowVersion != def.Version {
		if vdef, verr := x.engine.defs.GetByNameVersion(sc.Ctx, def.Name, cfg.WorkflowVersion); verr == nil {
			def = vdef
		}
	}

	var input map[string]any
	if cfg.InputExpr != "" {
		val, err := x.engine.eval.Eval(cfg.InputExpr, sc.RC.Env())
		if err != nil {
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: input: %w", sc.Step.ID, err)}
		}
		if m, ok := val.(map[string]any); ok {
			input = m
		} else {
			input = map[string]any{"value": val}
		}
	}

	child, err := x.engine.Start(sc.Ctx, def, input, "", sc.RC.instance.CorrelationID)
	if err != nil {
		return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: start sub-workflow: %w", sc.Step.ID, err)}
	}
	child.ParentInstanceID = sc.RC.instance.ID
	child.ParentStepID = sc.Step.ID
	_ = x.engine.instRepo.Update(sc.Ctx, child)
	sc.StepInst.SubWorkflowInstanceID = child.ID

	if !cfg.WaitForCompletion {
		return StepExecutionResult{Kind: ResultCompleted, Output: map[string]any{"instanceId": child.ID}}
	}

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.Ctx.Done():
			if err := x.engine.Cancel(child.ID); err != nil {
				x.engine.logger.Debug("cancel sub-workflow on step cancellation failed", zap.String("instance_id", child.ID), zap.Error(err))
			}
			return StepExecutionResult{Kind: ResultFailed, Err: sc.Ctx.Err()}
		case <-ticker.C:
			inst, err := x.engine.instRepo.GetByID(sc.Ctx, child.ID)
			if err != nil {
				return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: poll sub-workflow: %w", sc.Step.ID, err)}
			}
			if !inst.Status.Terminal() {
				continue
			}
			if inst.Status == domain.InstanceCompleted {
				return StepExecutionResult{Kind: ResultCompleted, Output: inst.Output}
			}
			return StepExecutionResult{Kind: ResultFailed, Err: fmt.Errorf("step %q: sub-workflow ended %s", sc.Step.ID, inst.Status)}
		}
	}
}
