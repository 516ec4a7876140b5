package lifecycle

import (
	"context"

	"experimenter/business/buckets"
	"experimenter/domain"
)

// ExperimentRepository contract interface
type ExperimentRepository interface {
	Create(ctx context.Context, experiment *domain.Experiment) error
	Update(ctx context.Context, experiment *domain.Experiment) error
	FindByID(ctx context.Context, id uint) (domain.Experiment, error)
	FindBySlug(ctx context.Context, slug string) (domain.Experiment, error)
	// Lock loads the experiment and holds a row lock on it until the
	// enclosing transaction ends.
	Lock(ctx context.Context, id uint) (domain.Experiment, error)
	List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error)
}

// ChangeLogRepository contract interface
type ChangeLogRepository interface {
	Append(ctx context.Context, entry *domain.ChangeLogEntry) error
	ListForExperiment(ctx context.Context, experimentID uint) ([]domain.ChangeLogEntry, error)
}

// Store groups the repositories that must change together.
type Store interface {
	Experiments() ExperimentRepository
	ChangeLogs() ChangeLogRepository
	Buckets() buckets.Repository
	// Transaction runs fn against a Store bound to a single transaction,
	// committing if fn returns nil and rolling back otherwise.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
