package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	hostdb "github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// -----------------------------------------------------------------------------
// EnrollmentRepository
// -----------------------------------------------------------------------------

type gormEnrollmentRepository struct {
	db *gorm.DB
}

// NewEnrollmentRepository returns an EnrollmentRepository backed by the provided *gorm.DB.
func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &gormEnrollmentRepository{db: db}
}

func enrollmentToRow(e *domain.Enrollment) (*hostdb.Enrollment, error) {
	row := &hostdb.Enrollment{
		AgentID:                  e.NodeID,
		AgentName:                e.NodeName,
		PublicKey:                e.PublicKey,
		RequestedCapabilitiesCSV: strings.Join(e.RequestedCapabilities, ","),
		Status:                   string(e.Status),
		RequestedAt:              e.CreatedAt,
	}
	if e.ID != "" {
		id, err := parseUUID(e.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	if !e.DecidedAt.IsZero() {
		t := e.DecidedAt
		row.DecidedAt = &t
	}
	return row, nil
}

func rowToEnrollment(row *hostdb.Enrollment) *domain.Enrollment {
	e := &domain.Enrollment{
		ID:        row.ID.String(),
		NodeID:    row.AgentID,
		NodeName:  row.AgentName,
		PublicKey: row.PublicKey,
		Status:    domain.EnrollmentStatus(row.Status),
		CreatedAt: row.CreatedAt,
	}
	if row.RequestedCapabilitiesCSV != "" {
		e.RequestedCapabilities = strings.Split(row.RequestedCapabilitiesCSV, ",")
	}
	if row.DecidedAt != nil {
		e.DecidedAt = *row.DecidedAt
	}
	return e
}

func (r *gormEnrollmentRepository) Create(ctx context.Context, e *domain.Enrollment) error {
	row, err := enrollmentToRow(e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("enrollments: create: %w", err)
	}
	e.ID = row.ID.String()
	e.CreatedAt = row.CreatedAt
	return nil
}

func (r *gormEnrollmentRepository) GetByAgentID(ctx context.Context, agentID string) (*domain.Enrollment, error) {
	var row hostdb.Enrollment
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("enrollments: get by agent id: %w", err)
	}
	return rowToEnrollment(&row), nil
}

func (r *gormEnrollmentRepository) Update(ctx context.Context, e *domain.Enrollment) error {
	row, err := enrollmentToRow(e)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.Enrollment{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":     row.Status,
		"decided_at": row.DecidedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("enrollments: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormEnrollmentRepository) List(ctx context.Context, opts ListOptions) ([]domain.Enrollment, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&hostdb.Enrollment{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("enrollments: list count: %w", err)
	}
	var rows []hostdb.Enrollment
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("enrollments: list: %w", err)
	}
	out := make([]domain.Enrollment, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToEnrollment(&rows[i]))
	}
	return out, total, nil
}

// -----------------------------------------------------------------------------
// BootstrapTokenRepository
// -----------------------------------------------------------------------------

type gormBootstrapTokenRepository struct {
	db *gorm.DB
}

// NewBootstrapTokenRepository returns a BootstrapTokenRepository backed by the
// provided *gorm.DB. There is only ever one live bootstrap token; Upsert
// regenerates it in place rather than inserting a new row per rotation.
func NewBootstrapTokenRepository(db *gorm.DB) BootstrapTokenRepository {
	return &gormBootstrapTokenRepository{db: db}
}

func (r *gormBootstrapTokenRepository) Get(ctx context.Context) (*domain.BootstrapToken, error) {
	var row hostdb.BootstrapToken
	if err := r.db.WithContext(ctx).Order("created_at ASC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bootstrap token: get: %w", err)
	}
	return &domain.BootstrapToken{
		ID:                row.ID.String(),
		Hash:              row.Hash,
		IsEnabled:         row.IsEnabled,
		AutoApprove:       row.AutoApprove,
		CreatedAt:         row.CreatedAt,
		LastRegeneratedAt: row.LastRegeneratedAt,
	}, nil
}

func (r *gormBootstrapTokenRepository) Upsert(ctx context.Context, t *domain.BootstrapToken) error {
	existing, err := r.Get(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing == nil {
		row := &hostdb.BootstrapToken{
			Hash:              t.Hash,
			IsEnabled:         t.IsEnabled,
			AutoApprove:       t.AutoApprove,
			LastRegeneratedAt: t.LastRegeneratedAt,
		}
		if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("bootstrap token: create: %w", err)
		}
		t.ID = row.ID.String()
		t.CreatedAt = row.CreatedAt
		return nil
	}

	uid, err := parseUUID(existing.ID)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.BootstrapToken{}).Where("id = ?", uid).Updates(map[string]any{
		"hash":                t.Hash,
		"is_enabled":          t.IsEnabled,
		"auto_approve":        t.AutoApprove,
		"last_regenerated_at": t.LastRegeneratedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("bootstrap token: update: %w", result.Error)
	}
	t.ID = existing.ID
	return nil
}
