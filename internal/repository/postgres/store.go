package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"experimenter/business/buckets"
	"experimenter/business/lifecycle"
	"experimenter/domain"
)

// Store binds the gorm repositories to one *gorm.DB, which is either the
// connection pool or an open transaction.
type Store struct {
	DB *gorm.DB
}

var _ lifecycle.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Experiments() lifecycle.ExperimentRepository {
	return NewExperimentRepository(s.DB)
}

func (s *Store) ChangeLogs() lifecycle.ChangeLogRepository {
	return NewChangeLogRepository(s.DB)
}

func (s *Store) Buckets() buckets.Repository {
	return NewBucketRepository(s.DB)
}

// Transaction runs fn inside a database transaction. gorm turns nested
// calls into savepoints.
func (s *Store) Transaction(ctx context.Context, fn func(tx lifecycle.Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
