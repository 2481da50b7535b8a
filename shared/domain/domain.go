// Package domain holds the data model shared by the host and the node:
// the node registry's AgentInfo, the job lifecycle, and the workflow
// engine's instance/step state. Types here are serialized across the
// transport and persisted by the host's repositories, so field additions
// must stay backward compatible with the wire codec in shared/wire.
package domain

import "time"

// AgentStatus is the node lifecycle state.
type AgentStatus string

const (
	AgentCreated      AgentStatus = "created"
	AgentInitializing AgentStatus = "initializing"
	AgentReady        AgentStatus = "ready"
	AgentRunning      AgentStatus = "running"
	AgentPaused       AgentStatus = "paused"
	AgentStopping     AgentStatus = "stopping"
	AgentStopped      AgentStatus = "stopped"
	AgentFaulted      AgentStatus = "faulted"
	AgentDisconnected AgentStatus = "disconnected"
)

// Capability is a named feature a node advertises, e.g. "gpu".
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AgentInfo is the node registry's record of a connected or previously-seen node.
type AgentInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capabilities  []Capability      `json:"capabilities"`
	Group         string            `json:"group,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        AgentStatus       `json:"status"`
	ConnectionID  string            `json:"connectionId,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapabilities reports whether a covers every capability in required.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c.Name] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// HasTags reports whether a carries every tag in required.
func (a *AgentInfo) HasTags(required []string) bool {
	have := make(map[string]struct{}, len(a.Tags))
	for _, t := range a.Tags {
		have[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// JobPattern describes the interaction style a command handler implements.
type JobPattern string

const (
	PatternFireAndForget JobPattern = "fire_and_forget"
	PatternRequestResponse JobPattern = "request_response"
	PatternStreaming     JobPattern = "streaming"
	PatternLongRunning   JobPattern = "long_running"
)

// JobRequest is the caller-supplied description of a unit of work.
type JobRequest struct {
	ID                   string            `json:"id"`
	IdempotencyKey       string            `json:"idempotencyKey"`
	Command              string            `json:"command"`
	Pattern              JobPattern        `json:"pattern"`
	Parameters           []byte            `json:"parameters,omitempty"`
	Priority             int               `json:"priority"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	MaxRetries           int               `json:"maxRetries"`
	TargetAgentID        string            `json:"targetAgentId,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	RequiredTags         []string          `json:"requiredTags,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// JobStatus is the Job lifecycle state.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobAssigned     JobStatus = "assigned"
	JobAcknowledged JobStatus = "acknowledged"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
	JobTimedOut     JobStatus = "timed_out"
)

// Terminal reports whether s is an absorbing job status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// Job is the host's tracked record of a JobRequest's execution.
type Job struct {
	Request          JobRequest
	Status           JobStatus
	AssignedAgentID  string
	CreatedAt        time.Time
	AssignedAt       time.Time
	AcknowledgedAt   time.Time
	CompletedAt      time.Time
	Result           *JobResult
	RetryCount       int
	TimeoutRetryCount int
}

// JobResult is the terminal outcome reported by a node.
type JobResult struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	Data       []byte    `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time `json:"finishedAt"`
}

// JobProgress is a lazy per-job progress report.
type JobProgress struct {
	JobID       string    `json:"jobId"`
	Percentage  int       `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	CurrentStep int       `json:"currentStep,omitempty"`
	TotalSteps  int       `json:"totalSteps,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClampPercentage clamps Percentage into [0,100].
func (p *JobProgress) ClampPercentage() {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
}

// DeadLetterEntry holds a job that exhausted its retry budget.
type DeadLetterEntry struct {
	ID            string    `json:"id"`
	Job           Job       `json:"job"`
	Reason        string    `json:"reason"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	RetryRequested bool     `json:"retryRequested"`
	RetryAttempts int       `json:"retryAttempts"`
}

// StreamItem is one element of a streaming command's lazy result sequence.
type StreamItem struct {
	JobID     string `json:"jobId"`
	Sequence  int    `json:"sequence"`
	Data      []byte `json:"data"`
	Final     bool   `json:"final"`
}

// RegistrationResult is returned to a node by Register.
type RegistrationResult struct {
	Success                     bool          `json:"success"`
	RecommendedHeartbeatInterval time.Duration `json:"recommendedHeartbeatInterval"`
	AssignedAgentID             string        `json:"assignedAgentId"`
}
