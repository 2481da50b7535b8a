package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	hostdb "github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

type gormWorkflowDefinitionRepository struct {
	db *gorm.DB
}

// NewWorkflowDefinitionRepository returns a WorkflowDefinitionRepository backed by the provided *gorm.DB.
func NewWorkflowDefinitionRepository(db *gorm.DB) WorkflowDefinitionRepository {
	return &gormWorkflowDefinitionRepository{db: db}
}

func defToRow(d *domain.WorkflowDefinition) (*hostdb.WorkflowDefinition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("workflow definitions: marshal: %w", err)
	}
	row := &hostdb.WorkflowDefinition{
		Name:           d.Name,
		Version:        d.Version,
		Description:    d.Description,
		DefinitionJSON: string(data),
		IsActive:       d.IsActive,
	}
	if d.ID != "" {
		id, err := parseUUID(d.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	return row, nil
}

func rowToDef(row *hostdb.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	if err := json.Unmarshal([]byte(row.DefinitionJSON), &d); err != nil {
		return nil, fmt.Errorf("workflow definitions: unmarshal: %w", err)
	}
	d.ID = row.ID.String()
	d.Name = row.Name
	d.Version = row.Version
	d.Description = row.Description
	d.IsActive = row.IsActive
	return &d, nil
}

func (r *gormWorkflowDefinitionRepository) Create(ctx context.Context, def *domain.WorkflowDefinition) error {
	row, err := defToRow(def)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("workflow definitions: create: %w", err)
	}
	def.ID = row.ID.String()
	return nil
}

func (r *gormWorkflowDefinitionRepository) GetByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.WorkflowDefinition
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow definitions: get by id: %w", err)
	}
	return rowToDef(&row)
}

func (r *gormWorkflowDefinitionRepository) GetByNameVersion(ctx context.Context, name, version string) (*domain.WorkflowDefinition, error) {
	var row hostdb.WorkflowDefinition
	err := r.db.WithContext(ctx).Where("name = ? AND version = ?", name, version).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow definitions: get by name/version: %w", err)
	}
	return rowToDef(&row)
}

func (r *gormWorkflowDefinitionRepository) GetLatestByName(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	var row hostdb.WorkflowDefinition
	err := r.db.WithContext(ctx).Where("name = ? AND is_active = ?", name, true).Order("created_at DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow definitions: get latest by name: %w", err)
	}
	return rowToDef(&row)
}

func (r *gormWorkflowDefinitionRepository) Update(ctx context.Context, def *domain.WorkflowDefinition) error {
	row, err := defToRow(def)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.WorkflowDefinition{}).Where("id = ?", row.ID).
		Updates(map[string]any{
			"description":     row.Description,
			"definition_json": row.DefinitionJSON,
			"is_active":       row.IsActive,
		})
	if result.Error != nil {
		return fmt.Errorf("workflow definitions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowDefinitionRepository) Delete(ctx context.Context, id string) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Delete(&hostdb.WorkflowDefinition{}, "id = ?", uid)
	if result.Error != nil {
		return fmt.Errorf("workflow definitions: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowDefinitionRepository) List(ctx context.Context, opts ListOptions) ([]domain.WorkflowDefinition, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&hostdb.WorkflowDefinition{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workflow definitions: list count: %w", err)
	}
	var rows []hostdb.WorkflowDefinition
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("workflow definitions: list: %w", err)
	}
	out := make([]domain.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		d, err := rowToDef(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, nil
}

func (r *gormWorkflowDefinitionRepository) ListActive(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	var rows []hostdb.WorkflowDefinition
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow definitions: list active: %w", err)
	}
	out := make([]domain.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		d, err := rowToDef(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// WorkflowInstanceRepository
// -----------------------------------------------------------------------------

type gormWorkflowInstanceRepository struct {
	db *gorm.DB
}

// NewWorkflowInstanceRepository returns a WorkflowInstanceRepository backed by the provided *gorm.DB.
func NewWorkflowInstanceRepository(db *gorm.DB) WorkflowInstanceRepository {
	return &gormWorkflowInstanceRepository{db: db}
}

func instToRow(i *domain.WorkflowInstance) (*hostdb.WorkflowInstance, error) {
	inputJSON, err := json.Marshal(i.Input)
	if err != nil {
		return nil, fmt.Errorf("workflow instances: marshal input: %w", err)
	}
	varsJSON, err := json.Marshal(i.Variables)
	if err != nil {
		return nil, fmt.Errorf("workflow instances: marshal variables: %w", err)
	}
	outputJSON, err := json.Marshal(i.Output)
	if err != nil {
		return nil, fmt.Errorf("workflow instances: marshal output: %w", err)
	}
	stepsJSON, err := json.Marshal(i.StepInstances)
	if err != nil {
		return nil, fmt.Errorf("workflow instances: marshal steps: %w", err)
	}

	row := &hostdb.WorkflowInstance{
		WorkflowID:        i.WorkflowID,
		WorkflowVersion:   i.WorkflowVersion,
		Status:            string(i.Status),
		InputJSON:         string(inputJSON),
		VariablesJSON:     string(varsJSON),
		OutputJSON:        string(outputJSON),
		StepInstancesJSON: string(stepsJSON),
		TriggerID:         i.TriggerID,
		TriggerType:       string(i.TriggerType),
		ParentInstanceID:  i.ParentInstanceID,
		ParentStepID:      i.ParentStepID,
		CorrelationID:     i.CorrelationID,
		RetryCount:        i.RetryCount,
	}
	if i.ID != "" {
		id, err := parseUUID(i.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	if !i.StartedAt.IsZero() {
		t := i.StartedAt
		row.StartedAt = &t
	}
	if !i.CompletedAt.IsZero() {
		t := i.CompletedAt
		row.CompletedAt = &t
	}
	return row, nil
}

func rowToInst(row *hostdb.WorkflowInstance) (*domain.WorkflowInstance, error) {
	i := &domain.WorkflowInstance{
		ID:               row.ID.String(),
		WorkflowID:       row.WorkflowID,
		WorkflowVersion:  row.WorkflowVersion,
		Status:           domain.WorkflowInstanceStatus(row.Status),
		TriggerID:        row.TriggerID,
		TriggerType:      domain.TriggerType(row.TriggerType),
		ParentInstanceID: row.ParentInstanceID,
		ParentStepID:     row.ParentStepID,
		CorrelationID:    row.CorrelationID,
		RetryCount:       row.RetryCount,
		CreatedAt:        row.CreatedAt,
		StepInstances:    map[string]*domain.StepInstance{},
	}
	if row.InputJSON != "" {
		if err := json.Unmarshal([]byte(row.InputJSON), &i.Input); err != nil {
			return nil, fmt.Errorf("workflow instances: unmarshal input: %w", err)
		}
	}
	if row.VariablesJSON != "" {
		if err := json.Unmarshal([]byte(row.VariablesJSON), &i.Variables); err != nil {
			return nil, fmt.Errorf("workflow instances: unmarshal variables: %w", err)
		}
	}
	if row.OutputJSON != "" {
		if err := json.Unmarshal([]byte(row.OutputJSON), &i.Output); err != nil {
			return nil, fmt.Errorf("workflow instances: unmarshal output: %w", err)
		}
	}
	if row.StepInstancesJSON != "" {
		if err := json.Unmarshal([]byte(row.StepInstancesJSON), &i.StepInstances); err != nil {
			return nil, fmt.Errorf("workflow instances: unmarshal steps: %w", err)
		}
	}
	if row.StartedAt != nil {
		i.StartedAt = *row.StartedAt
	}
	if row.CompletedAt != nil {
		i.CompletedAt = *row.CompletedAt
	}
	return i, nil
}

func (r *gormWorkflowInstanceRepository) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	row, err := instToRow(inst)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("workflow instances: create: %w", err)
	}
	inst.ID = row.ID.String()
	inst.CreatedAt = row.CreatedAt
	return nil
}

func (r *gormWorkflowInstanceRepository) GetByID(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.WorkflowInstance
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow instances: get by id: %w", err)
	}
	return rowToInst(&row)
}

func (r *gormWorkflowInstanceRepository) Update(ctx context.Context, inst *domain.WorkflowInstance) error {
	row, err := instToRow(inst)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.WorkflowInstance{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":              row.Status,
		"variables_json":      row.VariablesJSON,
		"output_json":         row.OutputJSON,
		"step_instances_json": row.StepInstancesJSON,
		"retry_count":         row.RetryCount,
		"started_at":          row.StartedAt,
		"completed_at":        row.CompletedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("workflow instances: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWorkflowInstanceRepository) List(ctx context.Context, workflowID string, opts ListOptions) ([]domain.WorkflowInstance, int64, error) {
	q := r.db.WithContext(ctx).Model(&hostdb.WorkflowInstance{})
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workflow instances: list count: %w", err)
	}
	var rows []hostdb.WorkflowInstance
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("workflow instances: list: %w", err)
	}
	out, err := rowsToInsts(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *gormWorkflowInstanceRepository) ListActive(ctx context.Context) ([]domain.WorkflowInstance, error) {
	nonTerminal := []string{"pending", "running", "paused"}
	var rows []hostdb.WorkflowInstance
	if err := r.db.WithContext(ctx).Where("status IN ?", nonTerminal).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow instances: list active: %w", err)
	}
	return rowsToInsts(rows)
}

func (r *gormWorkflowInstanceRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.WorkflowInstance, error) {
	var rows []hostdb.WorkflowInstance
	if err := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("workflow instances: list by correlation id: %w", err)
	}
	return rowsToInsts(rows)
}

func rowsToInsts(rows []hostdb.WorkflowInstance) ([]domain.WorkflowInstance, error) {
	out := make([]domain.WorkflowInstance, 0, len(rows))
	for i := range rows {
		inst, err := rowToInst(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}
