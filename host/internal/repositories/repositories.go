// Package repositories adapts the persisted db.* row types to the domain
// model the job manager, registry, workflow engine and HTTP API operate on,
// behind one interface per aggregate. Every implementation wraps
// gorm.ErrRecordNotFound as ErrNotFound so callers never import gorm
// directly. The Create methods of the job, workflow definition, enrollment
// and deployment profile repositories also map unique-constraint violations to
// ErrConflict; the others return the driver error as is.
package repositories

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobRepository persists Job.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	List(ctx context.Context, status string, opts ListOptions) ([]domain.Job, int64, error)
	ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]domain.Job, int64, error)
	// ListTimedOut returns non-terminal jobs whose AssignedAt+Timeout has
	// already elapsed as of now, the sweeper's candidate set.
	ListTimedOut(ctx context.Context, now time.Time) ([]domain.Job, error)
	// ListPending returns Pending jobs ordered by priority then age; the job
	// manager's Load uses it to rebuild its in-memory queue at start.
	ListPending(ctx context.Context, limit int) ([]domain.Job, error)
}

// DeadLetterRepository persists DeadLetterEntry.
type DeadLetterRepository interface {
	Create(ctx context.Context, entry *domain.DeadLetterEntry) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, opts ListOptions) ([]domain.DeadLetterEntry, int64, error)
	Delete(ctx context.Context, id string) error
	MarkRetryRequested(ctx context.Context, id string) error
}

// WorkflowDefinitionRepository persists WorkflowDefinition.
type WorkflowDefinitionRepository interface {
	Create(ctx context.Context, def *domain.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error)
	GetByNameVersion(ctx context.Context, name, version string) (*domain.WorkflowDefinition, error)
	GetLatestByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error)
	Update(ctx context.Context, def *domain.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]domain.WorkflowDefinition, int64, error)
	ListActive(ctx context.Context) ([]domain.WorkflowDefinition, error)
}

// WorkflowInstanceRepository persists WorkflowInstance and its embedded
// StepInstances.
type WorkflowInstanceRepository interface {
	Create(ctx context.Context, inst *domain.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*domain.WorkflowInstance, error)
	Update(ctx context.Context, inst *domain.WorkflowInstance) error
	List(ctx context.Context, workflowID string, opts ListOptions) ([]domain.WorkflowInstance, int64, error)
	// ListActive returns non-terminal instances, the workflow engine's
	// in-flight set reloaded at process start.
	ListActive(ctx context.Context) ([]domain.WorkflowInstance, error)
	// ListByCorrelationID supports ProcessEvent's correlation-key match for
	// WaitForEvent steps.
	ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.WorkflowInstance, error)
}

// EnrollmentRepository persists Enrollment.
type EnrollmentRepository interface {
	Create(ctx context.Context, e *domain.Enrollment) error
	GetByAgentID(ctx context.Context, agentID string) (*domain.Enrollment, error)
	Update(ctx context.Context, e *domain.Enrollment) error
	List(ctx context.Context, opts ListOptions) ([]domain.Enrollment, int64, error)
}

// BootstrapTokenRepository persists the singleton BootstrapToken.
type BootstrapTokenRepository interface {
	Get(ctx context.Context) (*domain.BootstrapToken, error)
	Upsert(ctx context.Context, t *domain.BootstrapToken) error
}

// ApiToken is the persisted record behind a bearer API token. Only the
// argon2 digest of the token (SecretHash) is stored; the raw token is not.
type ApiToken struct {
	ID         string
	Name       string
	SecretHash string
	Scopes     []string
	LastUsedAt time.Time
	RevokedAt  time.Time
	CreatedAt  time.Time
}

// ApiTokenRepository persists ApiToken.
type ApiTokenRepository interface {
	Create(ctx context.Context, t *ApiToken) error
	GetByID(ctx context.Context, id string) (*ApiToken, error)
	List(ctx context.Context) ([]ApiToken, error)
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// DeploymentProfileRepository persists DeploymentProfile.
type DeploymentProfileRepository interface {
	Create(ctx context.Context, p *domain.DeploymentProfile) error
	GetByID(ctx context.Context, id string) (*domain.DeploymentProfile, error)
	Update(ctx context.Context, p *domain.DeploymentProfile) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]domain.DeploymentProfile, int64, error)
	ListActive(ctx context.Context) ([]domain.DeploymentProfile, error)
}

// DeploymentExecutionRepository persists DeploymentExecution.
type DeploymentExecutionRepository interface {
	Create(ctx context.Context, e *domain.DeploymentExecution) error
	Update(ctx context.Context, e *domain.DeploymentExecution) error
	List(ctx context.Context, profileID string, opts ListOptions) ([]domain.DeploymentExecution, int64, error)
}
