package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"experimenter/business/buckets"
	"experimenter/domain"
)

type BucketRepository struct {
	DB *gorm.DB
}

var _ buckets.Repository = (*BucketRepository)(nil)

func NewBucketRepository(db *gorm.DB) *BucketRepository {
	return &BucketRepository{DB: db}
}

// LockNamespace takes a transaction scoped advisory lock, so it must run
// inside Store.Transaction.
func (r *BucketRepository) LockNamespace(ctx context.Context, name string) error {
	if err := r.DB.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", buckets.LockKey(name)).Error; err != nil {
		return fmt.Errorf("failed to lock namespace %s: %w", name, err)
	}
	return nil
}

func (r *BucketRepository) LatestGroup(ctx context.Context, name string) (domain.IsolationGroup, bool, error) {
	var group domain.IsolationGroup
	err := r.DB.WithContext(ctx).
		Where("name = ?", name).
		Order("instance DESC").
		First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.IsolationGroup{}, false, nil
	}
	if err != nil {
		return domain.IsolationGroup{}, false, err
	}
	return group, true, nil
}

func (r *BucketRepository) FindGroup(ctx context.Context, id uint) (domain.IsolationGroup, error) {
	var group domain.IsolationGroup
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&group).Error; err != nil {
		return domain.IsolationGroup{}, notFound(err)
	}
	return group, nil
}

func (r *BucketRepository) CreateGroup(ctx context.Context, group *domain.IsolationGroup) error {
	if err := r.DB.WithContext(ctx).Create(group).Error; err != nil {
		return fmt.Errorf("failed to create isolation group: %w", err)
	}
	return nil
}

func (r *BucketRepository) DeleteGroup(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Delete(&domain.IsolationGroup{}, id).Error
}

func (r *BucketRepository) RangeForExperiment(ctx context.Context, experimentID uint) (domain.BucketRange, bool, error) {
	var br domain.BucketRange
	err := r.DB.WithContext(ctx).Where("experiment_id = ?", experimentID).First(&br).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.BucketRange{}, false, nil
	}
	if err != nil {
		return domain.BucketRange{}, false, err
	}
	return br, true, nil
}

func (r *BucketRepository) HighestRange(ctx context.Context, groupID uint) (domain.BucketRange, bool, error) {
	var br domain.BucketRange
	err := r.DB.WithContext(ctx).
		Where("isolation_group_id = ?", groupID).
		Order("start DESC").
		First(&br).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.BucketRange{}, false, nil
	}
	if err != nil {
		return domain.BucketRange{}, false, err
	}
	return br, true, nil
}

func (r *BucketRepository) ListRanges(ctx context.Context, groupID uint) ([]domain.BucketRange, error) {
	var ranges []domain.BucketRange
	err := r.DB.WithContext(ctx).
		Where("isolation_group_id = ?", groupID).
		Order("start").
		Find(&ranges).Error
	if err != nil {
		return nil, err
	}
	return ranges, nil
}

func (r *BucketRepository) CreateRange(ctx context.Context, br *domain.BucketRange) error {
	if err := r.DB.WithContext(ctx).Create(br).Error; err != nil {
		return fmt.Errorf("failed to create bucket range: %w", err)
	}
	return nil
}

func (r *BucketRepository) DeleteRange(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Delete(&domain.BucketRange{}, id).Error
}
