package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	hostdb "github.com/orbitmesh/orbitmesh/host/internal/db"
)

type gormApiTokenRepository struct {
	db *gorm.DB
}

// NewApiTokenRepository returns an ApiTokenRepository backed by the provided *gorm.DB.
func NewApiTokenRepository(db *gorm.DB) ApiTokenRepository {
	return &gormApiTokenRepository{db: db}
}

func apiTokenToRow(t *ApiToken) (*hostdb.ApiToken, error) {
	row := &hostdb.ApiToken{
		Name:       t.Name,
		SecretHash: t.SecretHash,
		ScopesCSV:  strings.Join(t.Scopes, ","),
	}
	if t.ID != "" {
		id, err := parseUUID(t.ID)
		if err != nil {
			return nil, err
		}
		row.ID = id
	}
	if !t.LastUsedAt.IsZero() {
		ts := t.LastUsedAt
		row.LastUsedAt = &ts
	}
	if !t.RevokedAt.IsZero() {
		ts := t.RevokedAt
		row.RevokedAt = &ts
	}
	return row, nil
}

func rowToApiToken(row *hostdb.ApiToken) *ApiToken {
	t := &ApiToken{
		ID:         row.ID.String(),
		Name:       row.Name,
		SecretHash: row.SecretHash,
		CreatedAt:  row.CreatedAt,
	}
	if row.ScopesCSV != "" {
		t.Scopes = strings.Split(row.ScopesCSV, ",")
	}
	if row.LastUsedAt != nil {
		t.LastUsedAt = *row.LastUsedAt
	}
	if row.RevokedAt != nil {
		t.RevokedAt = *row.RevokedAt
	}
	return t
}

func (r *gormApiTokenRepository) Create(ctx context.Context, t *ApiToken) error {
	row, err := apiTokenToRow(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("api tokens: create: %w", err)
	}
	t.ID = row.ID.String()
	t.CreatedAt = row.CreatedAt
	return nil
}

func (r *gormApiTokenRepository) GetByID(ctx context.Context, id string) (*ApiToken, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	var row hostdb.ApiToken
	if err := r.db.WithContext(ctx).First(&row, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api tokens: get by id: %w", err)
	}
	return rowToApiToken(&row), nil
}

func (r *gormApiTokenRepository) List(ctx context.Context) ([]ApiToken, error) {
	var rows []hostdb.ApiToken
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("api tokens: list: %w", err)
	}
	out := make([]ApiToken, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToApiToken(&rows[i]))
	}
	return out, nil
}

func (r *gormApiTokenRepository) Revoke(ctx context.Context, id string) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&hostdb.ApiToken{}).Where("id = ?", uid).Update("revoked_at", &now)
	if result.Error != nil {
		return fmt.Errorf("api tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormApiTokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	uid, err := parseUUID(id)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&hostdb.ApiToken{}).Where("id = ?", uid).Update("last_used_at", &at)
	if result.Error != nil {
		return fmt.Errorf("api tokens: touch last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
