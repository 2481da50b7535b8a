package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing and natural chronological
// ordering without a separate created_at sort. CreatedAt and UpdatedAt are
// managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is the persisted record of a JobRequest's execution. The
// request itself, captured at submission time, is kept as JSON so adding a
// field to JobRequest never requires a migration.
type Job struct {
	base
	IdempotencyKey    string `gorm:"index"`
	Command           string `gorm:"not null;index"`
	RequestJSON       string `gorm:"type:text;not null"`
	Status            string `gorm:"not null;index"`
	AssignedAgentID   string `gorm:"index"`
	Priority          int    `gorm:"not null;default:0"`
	AssignedAt        *time.Time
	AcknowledgedAt    *time.Time
	CompletedAt       *time.Time
	ResultJSON        string `gorm:"type:text"`
	RetryCount        int    `gorm:"not null;default:0"`
	TimeoutRetryCount int    `gorm:"not null;default:0"`
}

// DeadLetterEntry is a Job that exhausted its retry budget.
type DeadLetterEntry struct {
	base
	JobID          string `gorm:"not null;index"`
	JobJSON        string `gorm:"type:text;not null"`
	Reason         string `gorm:"not null"`
	EnqueuedAt     time.Time
	RetryRequested bool `gorm:"not null;default:false"`
	RetryAttempts  int  `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Workflows
// -----------------------------------------------------------------------------

// WorkflowDefinition is a versioned, named workflow. DefinitionJSON
// holds the full WorkflowDefinition (steps, triggers, variables).
type WorkflowDefinition struct {
	softDelete
	Name            string `gorm:"not null;index"`
	Version         string `gorm:"not null"`
	Description     string
	DefinitionJSON  string `gorm:"type:text;not null"`
	IsActive        bool   `gorm:"not null;default:true"`
}

// WorkflowInstance is one run of a WorkflowDefinition.
type WorkflowInstance struct {
	base
	WorkflowID       string `gorm:"not null;index"`
	WorkflowVersion  string `gorm:"not null"`
	Status           string `gorm:"not null;index"`
	InputJSON        string `gorm:"type:text"`
	VariablesJSON    string `gorm:"type:text"`
	OutputJSON       string `gorm:"type:text"`
	StepInstancesJSON string `gorm:"type:text"`
	TriggerID        string
	TriggerType      string
	ParentInstanceID string `gorm:"index"`
	ParentStepID     string
	CorrelationID    string `gorm:"index"`
	RetryCount       int    `gorm:"not null;default:0"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// -----------------------------------------------------------------------------
// Enrollment
// -----------------------------------------------------------------------------

// BootstrapToken is the singleton, regenerable secret used to authenticate a
// node's first contact. Hash stores an argon2 digest,
// never the raw secret.
type BootstrapToken struct {
	base
	Hash               string `gorm:"type:text;not null"`
	IsEnabled          bool   `gorm:"not null;default:true"`
	AutoApprove        bool   `gorm:"not null;default:false"`
	LastRegeneratedAt  time.Time
}

// Enrollment is one node's enrollment record, created on first bootstrap-token
// registration and subsequently approved/rejected by an admin.
type Enrollment struct {
	base
	AgentID                  string `gorm:"uniqueIndex;not null"`
	AgentName                string `gorm:"not null"`
	PublicKey                string `gorm:"type:text"`
	RequestedCapabilitiesCSV string
	Status                   string `gorm:"not null;index"`
	RequestedAt              time.Time
	DecidedAt                *time.Time
}

// ApiToken is an admin-issued bearer token for the external HTTP API.
// SecretHash stores an argon2 digest of the full signed token string.
type ApiToken struct {
	base
	Name       string `gorm:"not null"`
	SecretHash string `gorm:"type:text;not null"`
	ScopesCSV  string `gorm:"not null;default:''"`
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// -----------------------------------------------------------------------------
// Deployment profile engine
// -----------------------------------------------------------------------------

// DeploymentProfile watches a source path and syncs it to matching nodes.
type DeploymentProfile struct {
	softDelete
	Name                string `gorm:"not null;index"`
	SourcePath          string `gorm:"not null"`
	TargetAgentPattern  string `gorm:"not null"`
	IncludeCSV          string
	ExcludeCSV          string
	DeleteOrphans       bool  `gorm:"not null;default:false"`
	PreScript           string
	PostScript          string
	DebounceIntervalSec int `gorm:"not null;default:5"`
	IsActive            bool `gorm:"not null;default:true"`
}

// DeploymentExecution tracks one profile-to-node sync run.
type DeploymentExecution struct {
	base
	ProfileID    string `gorm:"not null;index"`
	AgentID      string `gorm:"not null;index"`
	Phase        string `gorm:"not null;index"`
	ManifestHash string
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// -----------------------------------------------------------------------------
// Schema version
// -----------------------------------------------------------------------------

// SchemaVersion is the single-row (Id=1) marker golang-migrate maintains
// alongside its own bookkeeping table, surfaced on /api/status.
type SchemaVersion struct {
	ID                        uint `gorm:"primaryKey"`
	Version                   int
	UpdatedAt                 time.Time
	LastMigrationDescription  string
}
