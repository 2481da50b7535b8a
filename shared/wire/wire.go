// Package wire implements the compact binary, tagged-field serialization
// used on the wire between host and node: each field of
// JobRequest, Job, JobResult, JobProgress, WorkflowInstance and StepInstance
// carries a stable integer tag so that independently-versioned host/node
// binaries can add fields without breaking interoperability.
//
// It is built directly on google.golang.org/protobuf's low-level protowire
// helpers rather than a generated .proto schema — there is no compiler step,
// only the tag/type/value primitives protoc-gen-go itself emits calls to.
// Fields that carry free-form data (job parameters, workflow variables) are
// opaque byte payloads the caller has already encoded; structured values use
// one protowire tag per field, matching the numbering below for every future
// change — renumbering an existing tag is a breaking node-protocol change.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// Field tags. Stable; never renumber, only append.
const (
	tagJobRequestID = iota + 1
	tagJobRequestIdempotencyKey
	tagJobRequestCommand
	tagJobRequestPattern
	tagJobRequestParameters
	tagJobRequestPriority
	tagJobRequestTimeout
	tagJobRequestMaxRetries
	tagJobRequestTargetAgentID
	tagJobRequestRequiredCapabilities
	tagJobRequestRequiredTags
	tagJobRequestCorrelationID
	tagJobRequestMetadata
)

const (
	tagJobRequest = iota + 1
	tagJobStatus
	tagJobAssignedAgentID
	tagJobCreatedAt
	tagJobAssignedAt
	tagJobAcknowledgedAt
	tagJobCompletedAt
	tagJobResult
	tagJobRetryCount
	tagJobTimeoutRetryCount
)

const (
	tagResultJobID = iota + 1
	tagResultStatus
	tagResultData
	tagResultError
	tagResultErrorCode
	tagResultDuration
	tagResultFinishedAt
)

const (
	tagProgressJobID = iota + 1
	tagProgressPercentage
	tagProgressMessage
	tagProgressCurrentStep
	tagProgressTotalSteps
	tagProgressTimestamp
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, t.UnixNano())
}

func appendStrings(b []byte, num protowire.Number, vals []string) []byte {
	for _, v := range vals {
		b = appendString(b, num, v)
	}
	return b
}

func appendJSON(b []byte, num protowire.Number, v any) []byte {
	if v == nil {
		return b
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return b
	}
	return appendBytes(b, num, data)
}

// fieldReader walks a protowire-tagged message, dispatching each field to fn.
func fieldReader(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var val []byte
		var m int
		switch typ {
		case protowire.VarintType:
			_, m = protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("wire: invalid varint: %w", protowire.ParseError(m))
			}
			val = data[:m]
		case protowire.BytesType:
			raw, mm := protowire.ConsumeBytes(data)
			if mm < 0 {
				return fmt.Errorf("wire: invalid bytes: %w", protowire.ParseError(mm))
			}
			val = raw
			m = mm
		default:
			return fmt.Errorf("wire: unsupported field type %v", typ)
		}

		if err := fn(num, typ, val); err != nil {
			return err
		}
		data = data[m:]
	}
	return nil
}

func readVarint(v []byte) int64 {
	n, _ := protowire.ConsumeVarint(v)
	return int64(n)
}

func readTime(v []byte) time.Time {
	n := readVarint(v)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// MarshalJobRequest encodes a JobRequest using the tag layout above.
func MarshalJobRequest(r *domain.JobRequest) []byte {
	var b []byte
	b = appendString(b, tagJobRequestID, r.ID)
	b = appendString(b, tagJobRequestIdempotencyKey, r.IdempotencyKey)
	b = appendString(b, tagJobRequestCommand, r.Command)
	b = appendString(b, tagJobRequestPattern, string(r.Pattern))
	b = appendBytes(b, tagJobRequestParameters, r.Parameters)
	b = appendVarint(b, tagJobRequestPriority, int64(r.Priority))
	b = appendVarint(b, tagJobRequestTimeout, int64(r.Timeout))
	b = appendVarint(b, tagJobRequestMaxRetries, int64(r.MaxRetries))
	b = appendString(b, tagJobRequestTargetAgentID, r.TargetAgentID)
	b = appendStrings(b, tagJobRequestRequiredCapabilities, r.RequiredCapabilities)
	b = appendStrings(b, tagJobRequestRequiredTags, r.RequiredTags)
	b = appendString(b, tagJobRequestCorrelationID, r.CorrelationID)
	b = appendJSON(b, tagJobRequestMetadata, r.Metadata)
	return b
}

// UnmarshalJobRequest decodes a JobRequest encoded by MarshalJobRequest.
func UnmarshalJobRequest(data []byte) (*domain.JobRequest, error) {
	r := &domain.JobRequest{}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagJobRequestID:
			s, _ := protowire.ConsumeString(v)
			r.ID = s
		case tagJobRequestIdempotencyKey:
			s, _ := protowire.ConsumeString(v)
			r.IdempotencyKey = s
		case tagJobRequestCommand:
			s, _ := protowire.ConsumeString(v)
			r.Command = s
		case tagJobRequestPattern:
			s, _ := protowire.ConsumeString(v)
			r.Pattern = domain.JobPattern(s)
		case tagJobRequestParameters:
			r.Parameters = append([]byte(nil), v...)
		case tagJobRequestPriority:
			r.Priority = int(readVarint(v))
		case tagJobRequestTimeout:
			r.Timeout = time.Duration(readVarint(v))
		case tagJobRequestMaxRetries:
			r.MaxRetries = int(readVarint(v))
		case tagJobRequestTargetAgentID:
			s, _ := protowire.ConsumeString(v)
			r.TargetAgentID = s
		case tagJobRequestRequiredCapabilities:
			s, _ := protowire.ConsumeString(v)
			r.RequiredCapabilities = append(r.RequiredCapabilities, s)
		case tagJobRequestRequiredTags:
			s, _ := protowire.ConsumeString(v)
			r.RequiredTags = append(r.RequiredTags, s)
		case tagJobRequestCorrelationID:
			s, _ := protowire.ConsumeString(v)
			r.CorrelationID = s
		case tagJobRequestMetadata:
			return json.Unmarshal(v, &r.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalJobResult encodes a JobResult using the tag layout above.
func MarshalJobResult(r *domain.JobResult) []byte {
	var b []byte
	b = appendString(b, tagResultJobID, r.JobID)
	b = appendString(b, tagResultStatus, string(r.Status))
	b = appendBytes(b, tagResultData, r.Data)
	b = appendString(b, tagResultError, r.Error)
	b = appendString(b, tagResultErrorCode, r.ErrorCode)
	b = appendVarint(b, tagResultDuration, int64(r.Duration))
	b = appendTime(b, tagResultFinishedAt, r.FinishedAt)
	return b
}

// UnmarshalJobResult decodes a JobResult encoded by MarshalJobResult.
func UnmarshalJobResult(data []byte) (*domain.JobResult, error) {
	r := &domain.JobResult{}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagResultJobID:
			s, _ := protowire.ConsumeString(v)
			r.JobID = s
		case tagResultStatus:
			s, _ := protowire.ConsumeString(v)
			r.Status = domain.JobStatus(s)
		case tagResultData:
			r.Data = append([]byte(nil), v...)
		case tagResultError:
			s, _ := protowire.ConsumeString(v)
			r.Error = s
		case tagResultErrorCode:
			s, _ := protowire.ConsumeString(v)
			r.ErrorCode = s
		case tagResultDuration:
			r.Duration = time.Duration(readVarint(v))
		case tagResultFinishedAt:
			r.FinishedAt = readTime(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalJobProgress encodes a JobProgress using the tag layout above.
func MarshalJobProgress(p *domain.JobProgress) []byte {
	var b []byte
	b = appendString(b, tagProgressJobID, p.JobID)
	b = appendVarint(b, tagProgressPercentage, int64(p.Percentage))
	b = appendString(b, tagProgressMessage, p.Message)
	b = appendVarint(b, tagProgressCurrentStep, int64(p.CurrentStep))
	b = appendVarint(b, tagProgressTotalSteps, int64(p.TotalSteps))
	b = appendTime(b, tagProgressTimestamp, p.Timestamp)
	return b
}

// UnmarshalJobProgress decodes a JobProgress encoded by MarshalJobProgress.
func UnmarshalJobProgress(data []byte) (*domain.JobProgress, error) {
	p := &domain.JobProgress{}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagProgressJobID:
			s, _ := protowire.ConsumeString(v)
			p.JobID = s
		case tagProgressPercentage:
			p.Percentage = int(readVarint(v))
		case tagProgressMessage:
			s, _ := protowire.ConsumeString(v)
			p.Message = s
		case tagProgressCurrentStep:
			p.CurrentStep = int(readVarint(v))
		case tagProgressTotalSteps:
			p.TotalSteps = int(readVarint(v))
		case tagProgressTimestamp:
			p.Timestamp = readTime(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalJob encodes a Job, nesting its JobRequest and optional JobResult as
// length-delimited sub-messages under their own tags.
func MarshalJob(j *domain.Job) []byte {
	var b []byte
	b = appendBytes(b, tagJobRequest, MarshalJobRequest(&j.Request))
	b = appendString(b, tagJobStatus, string(j.Status))
	b = appendString(b, tagJobAssignedAgentID, j.AssignedAgentID)
	b = appendTime(b, tagJobCreatedAt, j.CreatedAt)
	b = appendTime(b, tagJobAssignedAt, j.AssignedAt)
	b = appendTime(b, tagJobAcknowledgedAt, j.AcknowledgedAt)
	b = appendTime(b, tagJobCompletedAt, j.CompletedAt)
	if j.Result != nil {
		b = appendBytes(b, tagJobResult, MarshalJobResult(j.Result))
	}
	b = appendVarint(b, tagJobRetryCount, int64(j.RetryCount))
	b = appendVarint(b, tagJobTimeoutRetryCount, int64(j.TimeoutRetryCount))
	return b
}

// UnmarshalJob decodes a Job encoded by MarshalJob.
func UnmarshalJob(data []byte) (*domain.Job, error) {
	j := &domain.Job{}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagJobRequest:
			req, err := UnmarshalJobRequest(v)
			if err != nil {
				return err
			}
			j.Request = *req
		case tagJobStatus:
			s, _ := protowire.ConsumeString(v)
			j.Status = domain.JobStatus(s)
		case tagJobAssignedAgentID:
			s, _ := protowire.ConsumeString(v)
			j.AssignedAgentID = s
		case tagJobCreatedAt:
			j.CreatedAt = readTime(v)
		case tagJobAssignedAt:
			j.AssignedAt = readTime(v)
		case tagJobAcknowledgedAt:
			j.AcknowledgedAt = readTime(v)
		case tagJobCompletedAt:
			j.CompletedAt = readTime(v)
		case tagJobResult:
			res, err := UnmarshalJobResult(v)
			if err != nil {
				return err
			}
			j.Result = res
		case tagJobRetryCount:
			j.RetryCount = int(readVarint(v))
		case tagJobTimeoutRetryCount:
			j.TimeoutRetryCount = int(readVarint(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Workflow instance / step instance tags. Nested structure (StepInstances,
// Variables, Output) is free-form and carried as JSON inside its own tagged
// bytes field — hand-rolling a generic protobuf map/any encoder by field
// would add a great deal of machinery for no interoperability benefit, since
// only the host ever reads these two types back.
const (
	tagInstanceID = iota + 1
	tagInstanceWorkflowID
	tagInstanceWorkflowVersion
	tagInstanceStatus
	tagInstanceInput
	tagInstanceVariables
	tagInstanceOutput
	tagInstanceStepInstances
	tagInstanceTriggerID
	tagInstanceTriggerType
	tagInstanceParentInstanceID
	tagInstanceParentStepID
	tagInstanceCorrelationID
	tagInstanceRetryCount
	tagInstanceCreatedAt
	tagInstanceStartedAt
	tagInstanceCompletedAt
)

// MarshalWorkflowInstance encodes a WorkflowInstance using the tag layout above.
func MarshalWorkflowInstance(i *domain.WorkflowInstance) ([]byte, error) {
	var b []byte
	b = appendString(b, tagInstanceID, i.ID)
	b = appendString(b, tagInstanceWorkflowID, i.WorkflowID)
	b = appendString(b, tagInstanceWorkflowVersion, i.WorkflowVersion)
	b = appendString(b, tagInstanceStatus, string(i.Status))
	b = appendJSON(b, tagInstanceInput, i.Input)
	b = appendJSON(b, tagInstanceVariables, i.Variables)
	b = appendJSON(b, tagInstanceOutput, i.Output)
	b = appendJSON(b, tagInstanceStepInstances, i.StepInstances)
	b = appendString(b, tagInstanceTriggerID, i.TriggerID)
	b = appendString(b, tagInstanceTriggerType, string(i.TriggerType))
	b = appendString(b, tagInstanceParentInstanceID, i.ParentInstanceID)
	b = appendString(b, tagInstanceParentStepID, i.ParentStepID)
	b = appendString(b, tagInstanceCorrelationID, i.CorrelationID)
	b = appendVarint(b, tagInstanceRetryCount, int64(i.RetryCount))
	b = appendTime(b, tagInstanceCreatedAt, i.CreatedAt)
	b = appendTime(b, tagInstanceStartedAt, i.StartedAt)
	b = appendTime(b, tagInstanceCompletedAt, i.CompletedAt)
	return b, nil
}

// UnmarshalWorkflowInstance decodes a WorkflowInstance encoded by MarshalWorkflowInstance.
func UnmarshalWorkflowInstance(data []byte) (*domain.WorkflowInstance, error) {
	i := &domain.WorkflowInstance{StepInstances: map[string]*domain.StepInstance{}}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagInstanceID:
			s, _ := protowire.ConsumeString(v)
			i.ID = s
		case tagInstanceWorkflowID:
			s, _ := protowire.ConsumeString(v)
			i.WorkflowID = s
		case tagInstanceWorkflowVersion:
			s, _ := protowire.ConsumeString(v)
			i.WorkflowVersion = s
		case tagInstanceStatus:
			s, _ := protowire.ConsumeString(v)
			i.Status = domain.WorkflowInstanceStatus(s)
		case tagInstanceInput:
			return json.Unmarshal(v, &i.Input)
		case tagInstanceVariables:
			return json.Unmarshal(v, &i.Variables)
		case tagInstanceOutput:
			return json.Unmarshal(v, &i.Output)
		case tagInstanceStepInstances:
			return json.Unmarshal(v, &i.StepInstances)
		case tagInstanceTriggerID:
			s, _ := protowire.ConsumeString(v)
			i.TriggerID = s
		case tagInstanceTriggerType:
			s, _ := protowire.ConsumeString(v)
			i.TriggerType = domain.TriggerType(s)
		case tagInstanceParentInstanceID:
			s, _ := protowire.ConsumeString(v)
			i.ParentInstanceID = s
		case tagInstanceParentStepID:
			s, _ := protowire.ConsumeString(v)
			i.ParentStepID = s
		case tagInstanceCorrelationID:
			s, _ := protowire.ConsumeString(v)
			i.CorrelationID = s
		case tagInstanceRetryCount:
			i.RetryCount = int(readVarint(v))
		case tagInstanceCreatedAt:
			i.CreatedAt = readTime(v)
		case tagInstanceStartedAt:
			i.StartedAt = readTime(v)
		case tagInstanceCompletedAt:
			i.CompletedAt = readTime(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return i, nil
}

const (
	tagStepID = iota + 1
	tagStepStatus
	tagStepStartedAt
	tagStepCompletedAt
	tagStepOutput
	tagStepError
	tagStepRetryCount
	tagStepJobID
	tagStepSubWorkflowInstanceID
	tagStepBranches
	tagStepCompensation
)

// MarshalStepInstance encodes a StepInstance using the tag layout above.
func MarshalStepInstance(s *domain.StepInstance) ([]byte, error) {
	var b []byte
	b = appendString(b, tagStepID, s.StepID)
	b = appendString(b, tagStepStatus, string(s.Status))
	b = appendTime(b, tagStepStartedAt, s.StartedAt)
	b = appendTime(b, tagStepCompletedAt, s.CompletedAt)
	b = appendJSON(b, tagStepOutput, s.Output)
	b = appendString(b, tagStepError, s.Error)
	b = appendVarint(b, tagStepRetryCount, int64(s.RetryCount))
	b = appendString(b, tagStepJobID, s.JobID)
	b = appendString(b, tagStepSubWorkflowInstanceID, s.SubWorkflowInstanceID)
	if len(s.Branches) > 0 {
		b = appendJSON(b, tagStepBranches, s.Branches)
	}
	if s.Compensation != nil {
		sub, err := MarshalStepInstance(s.Compensation)
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, tagStepCompensation, sub)
	}
	return b, nil
}

// UnmarshalStepInstance decodes a StepInstance encoded by MarshalStepInstance.
func UnmarshalStepInstance(data []byte) (*domain.StepInstance, error) {
	s := &domain.StepInstance{}
	err := fieldReader(data, func(num protowire.Number, _ protowire.Type, v []byte) error {
		switch num {
		case tagStepID:
			str, _ := protowire.ConsumeString(v)
			s.StepID = str
		case tagStepStatus:
			str, _ := protowire.ConsumeString(v)
			s.Status = domain.StepInstanceStatus(str)
		case tagStepStartedAt:
			s.StartedAt = readTime(v)
		case tagStepCompletedAt:
			s.CompletedAt = readTime(v)
		case tagStepOutput:
			return json.Unmarshal(v, &s.Output)
		case tagStepError:
			str, _ := protowire.ConsumeString(v)
			s.Error = str
		case tagStepRetryCount:
			s.RetryCount = int(readVarint(v))
		case tagStepJobID:
			str, _ := protowire.ConsumeString(v)
			s.JobID = str
		case tagStepSubWorkflowInstanceID:
			str, _ := protowire.ConsumeString(v)
			s.SubWorkflowInstanceID = str
		case tagStepBranches:
			return json.Unmarshal(v, &s.Branches)
		case tagStepCompensation:
			sub, err := UnmarshalStepInstance(v)
			if err != nil {
				return err
			}
			s.Compensation = sub
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
