package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	hostdb "github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// -----------------------------------------------------------------------------
// DeploymentProfileRepository
// -----------------------------------------------------------------------------

type gormDeploymentProfileRepository struct {
	db *gorm.DB
}

// NewDeploymentProfileRepository returns a DeploymentProfileRepository backed by the provided *gorm.DB.
func NewDeploymentProfileRepository(db *gorm.DB) DeploymentProfileRepository {
	return &gormDeploymentProfileRepository{db: db}
}

func profileToRow(p *domain.DeploymentProfile) (*hostdb.DeploymentProfile, error) {
	row := &hostdb.DeploymentProfile{
		Name:                p.Name,
		SourcePath:          p.SourcePath,
		TargetAgentPattern:  p.TargetAgentPattern,
		IncludeCSV:          strings.Join(p.Include, ","),
		ExcludeCSV:          strings.Join(p.Exclude, ","),
		DeleteOrphans:       p.DeleteOrphans,
		PreScript:           p.PreScript,
		PostScript:          p.PostScript,
		DebounceIntervalSec: int(p.DebounceInterval / time.Second),
		IsActive:            p.IsActive,
	}
	if p.ID != "" {
		id, err := parseUUID(p.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	return row, nil
}

func rowToProfile(row *hostdb.DeploymentProfile) *domain.DeploymentProfile {
	p := &domain.DeploymentProfile{
		ID:                 row.ID.String(),
		Name:               row.Name,
		SourcePath:         row.SourcePath,
		TargetAgentPattern: row.TargetAgentPattern,
		DeleteOrphans:      row.DeleteOrphans,
		PreScript:          row.PreScript,
		PostScript:         row.PostScript,
		DebounceInterval:   time.Duration(row.DebounceIntervalSec) * time.Second,
		IsActive:           row.IsActive,
	}
	if row.IncludeCSV != "" {
		p.Include = strings.Split(row.IncludeCSV, ",")
	}
	if row.ExcludeCSV != "" {
		p.Exclude = strings.Split(row.ExcludeCSV, ",")
	}
	return p
}

func (r *gormDeploymentProfileRepository) Create(ctx context.Context, p *domain.DeploymentProfile) error {
	row, err := profileToRow(p)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("deployment profiles: create: %w", err)
	}
	p.ID = row.ID.String()
	return nil
}

func (r *gormDeploymentProfileRepository) GetByID(ctx context.Context, id string) (*domain.DeploymentProfile, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.DeploymentProfile
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployment profiles: get by id: %w", err)
	}
	return rowToProfile(&row), nil
}

func (r *gormDeploymentProfileRepository) Update(ctx context.Context, p *domain.DeploymentProfile) error {
	row, err := profileToRow(p)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.DeploymentProfile{}).Where("id = ?", row.ID).Updates(map[string]any{
		"target_agent_pattern":  row.TargetAgentPattern,
		"include_csv":           row.IncludeCSV,
		"exclude_csv":           row.ExcludeCSV,
		"delete_orphans":        row.DeleteOrphans,
		"pre_script":            row.PreScript,
		"post_script":           row.PostScript,
		"debounce_interval_sec": row.DebounceIntervalSec,
		"is_active":             row.IsActive,
	})
	if result.Error != nil {
		return fmt.Errorf("deployment profiles: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentProfileRepository) Delete(ctx context.Context, id string) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Delete(&hostdb.DeploymentProfile{}, "id = ?", uid)
	if result.Error != nil {
		return fmt.Errorf("deployment profiles: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentProfileRepository) List(ctx context.Context, opts ListOptions) ([]domain.DeploymentProfile, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&hostdb.DeploymentProfile{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("deployment profiles: list count: %w", err)
	}
	var rows []hostdb.DeploymentProfile
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("deployment profiles: list: %w", err)
	}
	out := make([]domain.DeploymentProfile, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToProfile(&rows[i]))
	}
	return out, total, nil
}

func (r *gormDeploymentProfileRepository) ListActive(ctx context.Context) ([]domain.DeploymentProfile, error) {
	var rows []hostdb.DeploymentProfile
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("deployment profiles: list active: %w", err)
	}
	out := make([]domain.DeploymentProfile, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToProfile(&rows[i]))
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// DeploymentExecutionRepository
// -----------------------------------------------------------------------------

type gormDeploymentExecutionRepository struct {
	db *gorm.DB
}

// NewDeploymentExecutionRepository returns a DeploymentExecutionRepository backed by the provided *gorm.DB.
func NewDeploymentExecutionRepository(db *gorm.DB) DeploymentExecutionRepository {
	return &gormDeploymentExecutionRepository{db: db}
}

func executionToRow(e *domain.DeploymentExecution) (*hostdb.DeploymentExecution, error) {
	row := &hostdb.DeploymentExecution{
		ProfileID:    e.ProfileID,
		AgentID:      e.AgentID,
		Phase:        string(e.Phase),
		ManifestHash: e.ManifestHash,
		Error:        e.Error,
		StartedAt:    e.StartedAt,
	}
	if e.ID != "" {
		id, err := parseUUID(e.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	if !e.CompletedAt.IsZero() {
		t := e.CompletedAt
		row.CompletedAt = &t
	}
	return row, nil
}

func rowToExecution(row *hostdb.DeploymentExecution) *domain.DeploymentExecution {
	e := &domain.DeploymentExecution{
		ID:           row.ID.String(),
		ProfileID:    row.ProfileID,
		AgentID:      row.AgentID,
		Phase:        domain.DeploymentPhase(row.Phase),
		ManifestHash: row.ManifestHash,
		Error:        row.Error,
		StartedAt:    row.StartedAt,
	}
	if row.CompletedAt != nil {
		e.CompletedAt = *row.CompletedAt
	}
	return e
}

func (r *gormDeploymentExecutionRepository) Create(ctx context.Context, e *domain.DeploymentExecution) error {
	row, err := executionToRow(e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("deployment executions: create: %w", err)
	}
	e.ID = row.ID.String()
	return nil
}

func (r *gormDeploymentExecutionRepository) Update(ctx context.Context, e *domain.DeploymentExecution) error {
	row, err := executionToRow(e)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.DeploymentExecution{}).Where("id = ?", row.ID).Updates(map[string]any{
		"phase":         row.Phase,
		"manifest_hash": row.ManifestHash,
		"error":         row.Error,
		"completed_at":  row.CompletedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("deployment executions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentExecutionRepository) List(ctx context.Context, profileID string, opts ListOptions) ([]domain.DeploymentExecution, int64, error) {
	q := r.db.WithContext(ctx).Model(&hostdb.DeploymentExecution{})
	if profileID != "" {
		q = q.Where("profile_id = ?", profileID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("deployment executions: list count: %w", err)
	}
	var rows []hostdb.DeploymentExecution
	if err := q.Order("started_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("deployment executions: list: %w", err)
	}
	out := make([]domain.DeploymentExecution, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToExecution(&rows[i]))
	}
	return out, total, nil
}
