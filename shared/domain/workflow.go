package domain

import "time"

// ErrorStrategy controls how a workflow definition reacts to a failed step.
type ErrorStrategy string

const (
	StopOnFirst     ErrorStrategy = "stop_on_first"
	ContinueOnError ErrorStrategy = "continue_on_error"
	Compensate      ErrorStrategy = "compensate"
)

// StepType discriminates the typed step config payloads.
type StepType string

const (
	StepJob          StepType = "job"
	StepParallel     StepType = "parallel"
	StepForEach      StepType = "for_each"
	StepConditional  StepType = "conditional"
	StepDelay        StepType = "delay"
	StepWaitForEvent StepType = "wait_for_event"
	StepApproval     StepType = "approval"
	StepTransform    StepType = "transform"
	StepNotify       StepType = "notify"
	StepSubWorkflow  StepType = "sub_workflow"
)

// TriggerType enumerates how a workflow instance gets started.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

// TriggerDefinition is one registration a WorkflowDefinition carries.
type TriggerDefinition struct {
	ID            string            `json:"id"`
	Type          TriggerType       `json:"type"`
	EventType     string            `json:"eventType,omitempty"`
	WebhookPath   string            `json:"webhookPath,omitempty"`
	WebhookSecret string            `json:"webhookSecret,omitempty"`
	AllowedMethods []string         `json:"allowedMethods,omitempty"`
	Schedule      string            `json:"schedule,omitempty"` // cron expression, driven by the external scheduler
	Filter        string            `json:"filter,omitempty"`   // expression evaluated against event data
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	InputSchema   map[string]InputField `json:"inputSchema,omitempty"`
	Enabled       bool              `json:"enabled"`
}

// InputField describes one required/optional field of a manual trigger's input.
type InputField struct {
	Required       bool     `json:"required"`
	AllowedValues  []string `json:"allowedValues,omitempty"`
}

// WorkflowStep is one node of the workflow DAG.
type WorkflowStep struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            StepType        `json:"type"`
	DependsOn       []string        `json:"dependsOn,omitempty"`
	Condition       string          `json:"condition,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
	MaxRetries      int             `json:"maxRetries,omitempty"`
	RetryDelay      time.Duration   `json:"retryDelay,omitempty"`
	ContinueOnError bool            `json:"continueOnError,omitempty"`
	OutputVariable  string          `json:"outputVariable,omitempty"`
	Config          StepConfig      `json:"config"`
	Compensation    *WorkflowStep   `json:"compensation,omitempty"`
}

// StepConfig is the type-specific payload for a WorkflowStep. Exactly one of
// the typed fields is populated, selected by the owning step's Type — this is
// a tagged variant rather than an inheritance hierarchy.
type StepConfig struct {
	Job          *JobStepConfig          `json:"job,omitempty"`
	Parallel     *ParallelStepConfig     `json:"parallel,omitempty"`
	ForEach      *ForEachStepConfig      `json:"forEach,omitempty"`
	Conditional  *ConditionalStepConfig  `json:"conditional,omitempty"`
	Delay        *DelayStepConfig        `json:"delay,omitempty"`
	WaitForEvent *WaitForEventStepConfig `json:"waitForEvent,omitempty"`
	Approval     *ApprovalStepConfig     `json:"approval,omitempty"`
	Transform    *TransformStepConfig    `json:"transform,omitempty"`
	Notify       *NotifyStepConfig       `json:"notify,omitempty"`
	SubWorkflow  *SubWorkflowStepConfig  `json:"subWorkflow,omitempty"`
}

type JobStepConfig struct {
	Command              string   `json:"command"`
	PayloadExpr          string   `json:"payloadExpr"`
	Priority             int      `json:"priority"`
	RequiredTags         []string `json:"requiredTags,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
}

type ParallelStepConfig struct {
	Branches       [][]WorkflowStep `json:"branches"`
	MaxConcurrency int              `json:"maxConcurrency"`
	FailFast       bool             `json:"failFast"`
}

type ForEachStepConfig struct {
	CollectionExpr string         `json:"collectionExpr"`
	ItemVariable   string         `json:"itemVariable"`
	IndexVariable  string         `json:"indexVariable,omitempty"`
	Steps          []WorkflowStep `json:"steps"`
}

type ConditionalStepConfig struct {
	Expression string         `json:"expression"`
	Then       []WorkflowStep `json:"then"`
	Else       []WorkflowStep `json:"else,omitempty"`
}

type DelayStepConfig struct {
	Duration time.Duration `json:"duration"`
}

type WaitForEventStepConfig struct {
	EventType      string        `json:"eventType"`
	CorrelationKey string        `json:"correlationKey"`
	Timeout        time.Duration `json:"timeout"`
}

type ApprovalStepConfig struct {
	Approvers          []string `json:"approvers"`
	RequiredApprovals  int      `json:"requiredApprovals"`
	Message            string   `json:"message,omitempty"`
}

type TransformStepConfig struct {
	Expression string `json:"expression"`
}

type NotifyChannel string

const (
	NotifyEmail   NotifyChannel = "email"
	NotifyWebhook NotifyChannel = "webhook"
	NotifyLog     NotifyChannel = "log"
)

type NotifyStepConfig struct {
	Channel NotifyChannel `json:"channel"`
	Target  string        `json:"target"`
	Message string        `json:"message"`
}

type SubWorkflowStepConfig struct {
	WorkflowID         string         `json:"workflowId"`
	WorkflowVersion    string         `json:"workflowVersion,omitempty"`
	InputExpr          string         `json:"inputExpr,omitempty"`
	WaitForCompletion  bool           `json:"waitForCompletion"`
}

// WorkflowDefinition is a named, versioned, directed set of steps.
type WorkflowDefinition struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Description   string              `json:"description,omitempty"`
	Steps         []WorkflowStep      `json:"steps"`
	Triggers      []TriggerDefinition `json:"triggers,omitempty"`
	Variables     map[string]any      `json:"variables,omitempty"`
	Timeout       time.Duration       `json:"timeout,omitempty"`
	MaxRetries    int                 `json:"maxRetries,omitempty"`
	ErrorStrategy ErrorStrategy       `json:"errorStrategy"`
	IsActive      bool                `json:"isActive"`
}

// WorkflowInstanceStatus is the instance lifecycle state.
type WorkflowInstanceStatus string

const (
	InstancePending     WorkflowInstanceStatus = "pending"
	InstanceRunning     WorkflowInstanceStatus = "running"
	InstanceCompleted   WorkflowInstanceStatus = "completed"
	InstanceFailed      WorkflowInstanceStatus = "failed"
	InstanceCancelled   WorkflowInstanceStatus = "cancelled"
	InstanceTimedOut    WorkflowInstanceStatus = "timed_out"
	InstancePaused      WorkflowInstanceStatus = "paused"
	InstanceCompensating WorkflowInstanceStatus = "compensating"
)

// Terminal reports whether s is an absorbing instance status.
func (s WorkflowInstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled, InstanceTimedOut:
		return true
	default:
		return false
	}
}

// StepInstanceStatus is the per-step execution state within an instance.
type StepInstanceStatus string

const (
	StepPending              StepInstanceStatus = "pending"
	StepWaitingForDependencies StepInstanceStatus = "waiting_for_dependencies"
	StepRunning              StepInstanceStatus = "running"
	StepCompleted            StepInstanceStatus = "completed"
	StepFailed               StepInstanceStatus = "failed"
	StepSkipped              StepInstanceStatus = "skipped"
	StepCancelled            StepInstanceStatus = "cancelled"
	StepTimedOut             StepInstanceStatus = "timed_out"
	StepWaitingForEvent      StepInstanceStatus = "waiting_for_event"
	StepWaitingForApproval   StepInstanceStatus = "waiting_for_approval"
	StepCompensating         StepInstanceStatus = "compensating"
	StepCompensated          StepInstanceStatus = "compensated"
)

// SatisfiesDependency reports whether a dependency on this step is satisfied.
func (s StepInstanceStatus) SatisfiesDependency() bool {
	switch s {
	case StepCompleted, StepSkipped, StepCompensated:
		return true
	default:
		return false
	}
}

func (s StepInstanceStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled, StepTimedOut, StepCompensated:
		return true
	default:
		return false
	}
}

// StepInstance is the per-run state of one WorkflowStep.
type StepInstance struct {
	StepID               string             `json:"stepId"`
	Status               StepInstanceStatus `json:"status"`
	StartedAt            time.Time          `json:"startedAt,omitempty"`
	CompletedAt          time.Time          `json:"completedAt,omitempty"`
	Output               any                `json:"output,omitempty"`
	Error                string             `json:"error,omitempty"`
	RetryCount           int                `json:"retryCount,omitempty"`
	JobID                string             `json:"jobId,omitempty"`
	SubWorkflowInstanceID string            `json:"subWorkflowInstanceId,omitempty"`
	Branches             []StepInstance     `json:"branches,omitempty"`
	Compensation         *StepInstance      `json:"compensation,omitempty"`
}

// WorkflowInstance is one execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID                string                       `json:"id"`
	WorkflowID        string                       `json:"workflowId"`
	WorkflowVersion   string                       `json:"workflowVersion"`
	Status            WorkflowInstanceStatus       `json:"status"`
	Input             map[string]any               `json:"input,omitempty"`
	Variables         map[string]any               `json:"variables"`
	Output            any                          `json:"output,omitempty"`
	StepInstances     map[string]*StepInstance     `json:"stepInstances"`
	TriggerID         string                       `json:"triggerId,omitempty"`
	TriggerType       TriggerType                  `json:"triggerType,omitempty"`
	ParentInstanceID  string                       `json:"parentInstanceId,omitempty"`
	ParentStepID      string                       `json:"parentStepId,omitempty"`
	CorrelationID     string                       `json:"correlationId,omitempty"`
	RetryCount        int                          `json:"retryCount,omitempty"`
	CreatedAt         time.Time                    `json:"createdAt"`
	StartedAt         time.Time                    `json:"startedAt,omitempty"`
	CompletedAt       time.Time                    `json:"completedAt,omitempty"`
}

// BootstrapToken is the reusable secret that authenticates first contact
// from a new node.
type BootstrapToken struct {
	ID                 string    `json:"id"`
	Hash               string    `json:"-"`
	IsEnabled          bool      `json:"isEnabled"`
	AutoApprove        bool      `json:"autoApprove"`
	CreatedAt          time.Time `json:"createdAt"`
	LastRegeneratedAt  time.Time `json:"lastRegeneratedAt"`
}

// EnrollmentStatus is the lifecycle of a node's first-contact request.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentRejected EnrollmentStatus = "rejected"
	EnrollmentExpired  EnrollmentStatus = "expired"
	EnrollmentBlocked  EnrollmentStatus = "blocked"
	EnrollmentFailed   EnrollmentStatus = "failed"
)

// Enrollment is a node's request to join the registry via bootstrap token.
type Enrollment struct {
	ID                   string           `json:"id"`
	NodeID               string           `json:"nodeId"`
	NodeName             string           `json:"nodeName"`
	PublicKey            string           `json:"publicKey,omitempty"`
	RequestedCapabilities []string        `json:"requestedCapabilities,omitempty"`
	Status               EnrollmentStatus `json:"status"`
	CreatedAt            time.Time        `json:"createdAt"`
	DecidedAt            time.Time        `json:"decidedAt,omitempty"`
}

// DeploymentPhase tracks progress of one profile execution.
type DeploymentPhase string

const (
	DeployStarting   DeploymentPhase = "starting"
	DeployPreScript  DeploymentPhase = "pre_script"
	DeployFileSync   DeploymentPhase = "file_sync"
	DeployPostScript DeploymentPhase = "post_script"
	DeployCompleted  DeploymentPhase = "completed"
	DeployFailed     DeploymentPhase = "failed"
)

// DeploymentProfile watches a source path and syncs it to matching nodes.
type DeploymentProfile struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	SourcePath         string        `json:"sourcePath"`
	TargetAgentPattern string        `json:"targetAgentPattern"`
	Include            []string      `json:"include,omitempty"`
	Exclude            []string      `json:"exclude,omitempty"`
	DeleteOrphans      bool          `json:"deleteOrphans"`
	PreScript          string        `json:"preScript,omitempty"`
	PostScript         string        `json:"postScript,omitempty"`
	DebounceInterval   time.Duration `json:"debounceInterval"`
	IsActive           bool          `json:"isActive"`
}

// DeploymentExecution is one run of a DeploymentProfile against one node.
type DeploymentExecution struct {
	ID         string          `json:"id"`
	ProfileID  string          `json:"profileId"`
	AgentID    string          `json:"agentId"`
	Phase      DeploymentPhase `json:"phase"`
	ManifestHash string        `json:"manifestHash,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
}
