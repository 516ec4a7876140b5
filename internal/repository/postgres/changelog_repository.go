package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"experimenter/business/lifecycle"
	"experimenter/domain"
)

type ChangeLogRepository struct {
	DB *gorm.DB
}

var _ lifecycle.ChangeLogRepository = (*ChangeLogRepository)(nil)

func NewChangeLogRepository(db *gorm.DB) *ChangeLogRepository {
	return &ChangeLogRepository{DB: db}
}

func (r *ChangeLogRepository) Append(ctx context.Context, entry *domain.ChangeLogEntry) error {
	if err := r.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append changelog: %w", err)
	}
	return nil
}

func (r *ChangeLogRepository) ListForExperiment(ctx context.Context, experimentID uint) ([]domain.ChangeLogEntry, error) {
	var entries []domain.ChangeLogEntry
	err := r.DB.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("changed_on, id").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list changelog: %w", err)
	}
	return entries, nil
}
