package wire

import (
	"reflect"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

func TestJobRequestRoundTrip(t *testing.T) {
	want := &domain.JobRequest{
		ID:                   "job-1",
		IdempotencyKey:       "idem-1",
		Command:              "backup.run",
		Pattern:              domain.PatternRequestResponse,
		Parameters:           []byte(`{"path":"/data"}`),
		Priority:             5,
		Timeout:              30 * time.Second,
		MaxRetries:           3,
		TargetAgentID:        "agent-7",
		RequiredCapabilities: []string{"gpu", "fast-disk"},
		RequiredTags:         []string{"prod", "east"},
		CorrelationID:        "corr-1",
		Metadata:             map[string]string{"owner": "nightly"},
	}

	got, err := UnmarshalJobRequest(MarshalJobRequest(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assertJobRequestEqual(t, want, got)
}

func assertJobRequestEqual(t *testing.T, want, got *domain.JobRequest) {
	t.Helper()
	if got.ID != want.ID || got.IdempotencyKey != want.IdempotencyKey || got.Command != want.Command ||
		got.Pattern != want.Pattern || got.Priority != want.Priority || got.Timeout != want.Timeout ||
		got.MaxRetries != want.MaxRetries || got.TargetAgentID != want.TargetAgentID ||
		got.CorrelationID != want.CorrelationID {
		t.Fatalf("scalar fields mismatch: want %+v got %+v", want, got)
	}
	if string(got.Parameters) != string(want.Parameters) {
		t.Fatalf("parameters mismatch: want %q got %q", want.Parameters, got.Parameters)
	}
	if len(got.RequiredCapabilities) != len(want.RequiredCapabilities) {
		t.Fatalf("required capabilities mismatch: want %v got %v", want.RequiredCapabilities, got.RequiredCapabilities)
	}
	for i := range want.RequiredCapabilities {
		if got.RequiredCapabilities[i] != want.RequiredCapabilities[i] {
			t.Fatalf("required capability %d mismatch: want %q got %q", i, want.RequiredCapabilities[i], got.RequiredCapabilities[i])
		}
	}
	if len(got.RequiredTags) != len(want.RequiredTags) {
		t.Fatalf("required tags mismatch: want %v got %v", want.RequiredTags, got.RequiredTags)
	}
	if got.Metadata["owner"] != want.Metadata["owner"] {
		t.Fatalf("metadata mismatch: want %v got %v", want.Metadata, got.Metadata)
	}
}

func TestJobRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	want := &domain.Job{
		Request: domain.JobRequest{
			ID:      "job-2",
			Command: "deploy.sync",
			Pattern: domain.PatternFireAndForget,
		},
		Status:          domain.JobRunning,
		AssignedAgentID: "agent-3",
		CreatedAt:       now,
		AssignedAt:      now.Add(time.Second),
		AcknowledgedAt:  now.Add(2 * time.Second),
		CompletedAt:     time.Time{},
		Result: &domain.JobResult{
			JobID:      "job-2",
			Status:     domain.JobRunning,
			Data:       []byte("partial"),
			Duration:   5 * time.Second,
			FinishedAt: now.Add(5 * time.Second),
		},
		RetryCount:        1,
		TimeoutRetryCount: 0,
	}

	got, err := UnmarshalJob(MarshalJob(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Request.ID != want.Request.ID || got.Request.Command != want.Request.Command {
		t.Fatalf("nested request mismatch: want %+v got %+v", want.Request, got.Request)
	}
	if got.Status != want.Status || got.AssignedAgentID != want.AssignedAgentID {
		t.Fatalf("status/agent mismatch: want %+v got %+v", want, got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.AssignedAt.Equal(want.AssignedAt) || !got.AcknowledgedAt.Equal(want.AcknowledgedAt) {
		t.Fatalf("timestamps mismatch: want %+v got %+v", want, got)
	}
	if !got.CompletedAt.IsZero() {
		t.Fatalf("expected zero CompletedAt, got %v", got.CompletedAt)
	}
	if got.Result == nil || got.Result.JobID != want.Result.JobID || string(got.Result.Data) != string(want.Result.Data) {
		t.Fatalf("result mismatch: want %+v got %+v", want.Result, got.Result)
	}
	if got.RetryCount != want.RetryCount {
		t.Fatalf("retry count mismatch: want %d got %d", want.RetryCount, got.RetryCount)
	}
}

func TestJobResultRoundTrip(t *testing.T) {
	want := &domain.JobResult{
		JobID:      "job-3",
		Status:     domain.JobFailed,
		Error:      "disk full",
		ErrorCode:  "ENOSPC",
		Duration:   2500 * time.Millisecond,
		FinishedAt: time.Unix(1_700_000_500, 0).UTC(),
	}
	got, err := UnmarshalJobResult(MarshalJobResult(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// JobResult holds a []byte, so it cannot be compared with !=.
	if string(got.Data) != string(want.Data) {
		t.Fatalf("data mismatch: want %q got %q", want.Data, got.Data)
	}
	g, w := *got, *want
	g.Data, w.Data = nil, nil
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("want %+v got %+v", want, got)
	}
}

func TestJobProgressRoundTrip(t *testing.T) {
	want := &domain.JobProgress{
		JobID:       "job-4",
		Percentage:  42,
		Message:     "copying files",
		CurrentStep: 3,
		TotalSteps:  7,
		Timestamp:   time.Unix(1_700_001_000, 0).UTC(),
	}
	got, err := UnmarshalJobProgress(MarshalJobProgress(want))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *want {
		t.Fatalf("want %+v got %+v", want, got)
	}
}

func TestWorkflowInstanceRoundTrip(t *testing.T) {
	now := time.Unix(1_700_002_000, 0).UTC()
	want := &domain.WorkflowInstance{
		ID:              "wfi-1",
		WorkflowID:      "wf-deploy",
		WorkflowVersion: "3",
		Status:          domain.WorkflowInstanceStatus("running"),
		Input:           map[string]any{"target": "east-1"},
		Variables:       map[string]any{"retries": float64(2)},
		StepInstances: map[string]*domain.StepInstance{
			"step-1": {StepID: "step-1", Status: domain.StepInstanceStatus("completed")},
		},
		TriggerID:     "trigger-1",
		TriggerType:   domain.TriggerType("schedule"),
		CorrelationID: "corr-9",
		RetryCount:    1,
		CreatedAt:     now,
		StartedAt:     now.Add(time.Second),
	}

	data, err := MarshalWorkflowInstance(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalWorkflowInstance(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != want.ID || got.WorkflowID != want.WorkflowID || got.WorkflowVersion != want.WorkflowVersion {
		t.Fatalf("id fields mismatch: want %+v got %+v", want, got)
	}
	if got.Status != want.Status || got.TriggerID != want.TriggerID || got.TriggerType != want.TriggerType {
		t.Fatalf("status/trigger mismatch: want %+v got %+v", want, got)
	}
	if got.Input["target"] != want.Input["target"] {
		t.Fatalf("input mismatch: want %v got %v", want.Input, got.Input)
	}
	step, ok := got.StepInstances["step-1"]
	if !ok || step.Status != "completed" {
		t.Fatalf("step instances mismatch: want %+v got %+v", want.StepInstances, got.StepInstances)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("timestamps mismatch: want %+v got %+v", want, got)
	}
}

func TestStepInstanceRoundTrip(t *testing.T) {
	now := time.Unix(1_700_003_000, 0).UTC()
	want := &domain.StepInstance{
		StepID:      "step-2",
		Status:      domain.StepInstanceStatus("failed"),
		StartedAt:   now,
		CompletedAt: now.Add(time.Minute),
		Output:      map[string]any{"code": float64(1)},
		Error:       "timeout",
		RetryCount:  2,
		JobID:       "job-5",
		Compensation: &domain.StepInstance{
			StepID: "step-2-compensate",
			Status: domain.StepInstanceStatus("completed"),
		},
	}

	data, err := MarshalStepInstance(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalStepInstance(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.StepID != want.StepID || got.Status != want.Status || got.Error != want.Error || got.JobID != want.JobID {
		t.Fatalf("fields mismatch: want %+v got %+v", want, got)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.CompletedAt.Equal(want.CompletedAt) {
		t.Fatalf("timestamps mismatch: want %+v got %+v", want, got)
	}
	if got.Compensation == nil || got.Compensation.StepID != want.Compensation.StepID {
		t.Fatalf("compensation mismatch: want %+v got %+v", want.Compensation, got.Compensation)
	}
}
