package workflow

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// ResultKind discriminates the outcomes a StepExecutor can signal.
type ResultKind int

const (
	ResultCompleted ResultKind = iota
	ResultFailed
	ResultWaitingForEvent
	ResultWaitingForApproval
)

// StepExecutionResult is what a StepExecutor returns from Execute.
type StepExecutionResult struct {
	Kind   ResultKind
	Output any
	Err    error

	// Populated only when Kind == ResultWaitingForEvent.
	WaitEventType      string
	WaitCorrelationKey string
	WaitTimeout        time.Duration
}

// StepExecutionContext carries everything a StepExecutor needs: the
// instance-scoped run context (Variables, sub-instance spawning, job
// submission), the step definition, and its mutable StepInstance record.
type StepExecutionContext struct {
	Ctx      context.Context
	RC       *RunContext
	Step     domain.WorkflowStep
	StepInst *domain.StepInstance

	// Inst is the owning instance's scheduler state, exposed so
	// Parallel/ForEach/Conditional executors can recurse into driveOnce via
	// Engine.runBranch for their nested step lists (steps.go).
	Inst *instanceState
}

// StepExecutor is the contract every step type implements.
type StepExecutor interface {
	Execute(sc StepExecutionContext) StepExecutionResult
}

// executors is an empty package-level map; the table the scheduler uses is
// Engine.executors, which New fills from registerExecutors.
var executors = map[domain.StepType]StepExecutor{}

func registerExecutors(e *Engine) map[domain.StepType]StepExecutor {
	return map[domain.StepType]StepExecutor{
		domain.StepJob:          &jobStepExecutor{engine: e},
		domain.StepParallel:     &parallelStepExecutor{engine: e},
		domain.StepForEach:      &forEachStepExecutor{engine: e},
		domain.StepConditional:  &conditionalStepExecutor{engine: e},
		domain.StepDelay:        &delayStepExecutor{},
		domain.StepWaitForEvent: &waitForEventStepExecutor{},
		domain.StepApproval:     &approvalStepExecutor{engine: e},
		domain.StepTransform:    &transformStepExecutor{},
		domain.StepNotify:       &notifyStepExecutor{engine: e},
		domain.StepSubWorkflow:  &subWorkflowStepExecutor{engine: e},
	}
}
