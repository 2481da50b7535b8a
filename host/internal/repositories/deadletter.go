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

type gormDeadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository returns a DeadLetterRepository backed by the provided *gorm.DB.
func NewDeadLetterRepository(db *gorm.DB) DeadLetterRepository {
	return &gormDeadLetterRepository{db: db}
}

func (r *gormDeadLetterRepository) Create(ctx context.Context, entry *domain.DeadLetterEntry) error {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return fmt.Errorf("dead letter: marshal job: %w", err)
	}
	row := &hostdb.DeadLetterEntry{
		JobID:          entry.Job.Request.ID,
		JobJSON:        string(jobJSON),
		Reason:         entry.Reason,
		EnqueuedAt:     entry.EnqueuedAt,
		RetryRequested: entry.RetryRequested,
		RetryAttempts:  entry.RetryAttempts,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("dead letter: create: %w", err)
	}
	entry.ID = row.ID.String()
	return nil
}

func (r *gormDeadLetterRepository) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.DeadLetterEntry
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dead letter: get by id: %w", err)
	}
	return rowToDeadLetter(&row)
}

func (r *gormDeadLetterRepository) List(ctx context.Context, opts ListOptions) ([]domain.DeadLetterEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&hostdb.DeadLetterEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dead letter: list count: %w", err)
	}

	var rows []hostdb.DeadLetterEntry
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("dead letter: list: %w", err)
	}

	out := make([]domain.DeadLetterEntry, 0, len(rows))
	for i := range rows {
		e, err := rowToDeadLetter(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	return out, total, nil
}

func (r *gormDeadLetterRepository) Delete(ctx context.Context, id string) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Delete(&hostdb.DeadLetterEntry{}, "id = ?", uid)
	if result.Error != nil {
		return fmt.Errorf("dead letter: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeadLetterRepository) MarkRetryRequested(ctx context.Context, id string) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.DeadLetterEntry{}).Where("id = ?", uid).
		Updates(map[string]any{
			"retry_requested": true,
			"retry_attempts":  gorm.Expr("retry_attempts + 1"),
		})
	if result.Error != nil {
		return fmt.Errorf("dead letter: mark retry requested: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func rowToDeadLetter(row *hostdb.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
	var job domain.Job
	if err := json.Unmarshal([]byte(row.JobJSON), &job); err != nil {
		return nil, fmt.Errorf("dead letter: unmarshal job: %w", err)
	}
	return &domain.DeadLetterEntry{
		ID:             row.ID.String(),
		Job:            job,
		Reason:         row.Reason,
		EnqueuedAt:     row.EnqueuedAt,
		RetryRequested: row.RetryRequested,
		RetryAttempts:  row.RetryAttempts,
	}, nil
}
