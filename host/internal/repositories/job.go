package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	hostdb "github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func jobToRow(j *domain.Job) (*hostdb.Job, error) {
	reqJSON, err := json.Marshal(j.Request)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal request: %w", err)
	}
	var resultJSON string
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("jobs: marshal result: %w", err)
		}
		resultJSON = string(b)
	}

	row := &hostdb.Job{
		IdempotencyKey:    j.Request.IdempotencyKey,
		Command:           j.Request.Command,
		RequestJSON:       string(reqJSON),
		Status:            string(j.Status),
		AssignedAgentID:   j.AssignedAgentID,
		Priority:          j.Request.Priority,
		ResultJSON:        resultJSON,
		RetryCount:        j.RetryCount,
		TimeoutRetryCount: j.TimeoutRetryCount,
	}
	if j.Request.ID != "" {
		id, err := parseUUID(j.Request.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	if !j.AssignedAt.IsZero() {
		t := j.AssignedAt
		row.AssignedAt = &t
	}
	if !j.AcknowledgedAt.IsZero() {
		t := j.AcknowledgedAt
		row.AcknowledgedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		row.CompletedAt = &t
	}
	return row, nil
}

func rowToJob(row *hostdb.Job) (*domain.Job, error) {
	var req domain.JobRequest
	if err := json.Unmarshal([]byte(row.RequestJSON), &req); err != nil {
		return nil, fmt.Errorf("jobs: unmarshal request: %w", err)
	}
	req.ID = row.ID.String()

	j := &domain.Job{
		Request:           req,
		Status:            domain.JobStatus(row.Status),
		AssignedAgentID:   row.AssignedAgentID,
		CreatedAt:         row.CreatedAt,
		RetryCount:        row.RetryCount,
		TimeoutRetryCount: row.TimeoutRetryCount,
	}
	if row.AssignedAt != nil {
		j.AssignedAt = *row.AssignedAt
	}
	if row.AcknowledgedAt != nil {
		j.AcknowledgedAt = *row.AcknowledgedAt
	}
	if row.CompletedAt != nil {
		j.CompletedAt = *row.CompletedAt
	}
	if row.ResultJSON != "" {
		var result domain.JobResult
		if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
			return nil, fmt.Errorf("jobs: unmarshal result: %w", err)
		}
		j.Result = &result
	}
	return j, nil
}

func (r *gormJobRepository) Create(ctx context.Context, job *domain.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create: %w", err)
	}
	job.Request.ID = row.ID.String()
	job.CreatedAt = row.CreatedAt
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.Job
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return rowToJob(&row)
}

// GetByIdempotencyKey returns the most recently created job with key, if
// any. The job manager does not call it: Enqueue collapses duplicates
// through its own in-memory idempotency index.
func (r *gormJobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	var row hostdb.Job
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by idempotency key: %w", err)
	}
	return rowToJob(&row)
}

func (r *gormJobRepository) Update(ctx context.Context, job *domain.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.Job{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":              row.Status,
		"assigned_agent_id":   row.AssignedAgentID,
		"assigned_at":         row.AssignedAt,
		"acknowledged_at":     row.AcknowledgedAt,
		"completed_at":        row.CompletedAt,
		"result_json":         row.ResultJSON,
		"retry_count":         row.RetryCount,
		"timeout_retry_count": row.TimeoutRetryCount,
	})
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, status string, opts ListOptions) ([]domain.Job, int64, error) {
	q := r.db.WithContext(ctx).Model(&hostdb.Job{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	var rows []hostdb.Job
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	jobs, err := rowsToJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByAgent(ctx context.Context, agentID string, opts ListOptions) ([]domain.Job, int64, error) {
	q := r.db.WithContext(ctx).Model(&hostdb.Job{}).Where("assigned_agent_id = ?", agentID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by agent count: %w", err)
	}

	var rows []hostdb.Job
	if err := q.Order("created_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by agent: %w", err)
	}
	jobs, err := rowsToJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListTimedOut(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var rows []hostdb.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.JobAssigned), string(domain.JobAcknowledged), string(domain.JobRunning)}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list timed out: %w", err)
	}

	jobs, err := rowsToJobs(rows)
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, j := range jobs {
		if j.Request.Timeout <= 0 || j.AssignedAt.IsZero() {
			continue
		}
		if j.AssignedAt.Add(j.Request.Timeout).Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *gormJobRepository) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	var rows []hostdb.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.JobPending)).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list pending: %w", err)
	}
	jobs, err := rowsToJobs(rows)
	return jobs, err
}

func rowsToJobs(rows []hostdb.Job) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rowToJob(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
