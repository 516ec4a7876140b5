package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"experimenter/business/lifecycle"
	"experimenter/domain"
)

type ExperimentRepository struct {
	DB *gorm.DB
}

var _ lifecycle.ExperimentRepository = (*ExperimentRepository)(nil)

func NewExperimentRepository(db *gorm.DB) *ExperimentRepository {
	return &ExperimentRepository{DB: db}
}

func (r *ExperimentRepository) Create(ctx context.Context, experiment *domain.Experiment) error {
	if err := r.DB.WithContext(ctx).Create(experiment).Error; err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

func (r *ExperimentRepository) Update(ctx context.Context, experiment *domain.Experiment) error {
	if err := r.DB.WithContext(ctx).Save(experiment).Error; err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	return nil
}

func (r *ExperimentRepository) FindByID(ctx context.Context, id uint) (domain.Experiment, error) {
	var experiment domain.Experiment
	err := r.DB.WithContext(ctx).Where("id = ?", id).First(&experiment).Error
	if err != nil {
		return domain.Experiment{}, notFound(err)
	}
	return experiment, nil
}

func (r *ExperimentRepository) FindBySlug(ctx context.Context, slug string) (domain.Experiment, error) {
	var experiment domain.Experiment
	err := r.DB.WithContext(ctx).Where("slug = ?", slug).First(&experiment).Error
	if err != nil {
		return domain.Experiment{}, notFound(err)
	}
	return experiment, nil
}

// Lock reads the row with SELECT ... FOR UPDATE.
func (r *ExperimentRepository) Lock(ctx context.Context, id uint) (domain.Experiment, error) {
	var experiment domain.Experiment
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&experiment).Error
	if err != nil {
		return domain.Experiment{}, notFound(err)
	}
	return experiment, nil
}

func (r *ExperimentRepository) List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error) {
	query := r.DB.WithContext(ctx).Model(&domain.Experiment{})
	if len(filter.Applications) > 0 {
		query = query.Where("application IN ?", filter.Applications)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if len(filter.PublishStatuses) > 0 {
		query = query.Where("publish_status IN ?", filter.PublishStatuses)
	}
	if filter.StatusNext != nil {
		query = query.Where("status_next = ?", *filter.StatusNext)
	}
	if filter.IsArchived != nil {
		query = query.Where("is_archived = ?", *filter.IsArchived)
	}

	var experiments []domain.Experiment
	if err := query.Order("id").Find(&experiments).Error; err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return experiments, nil
}
