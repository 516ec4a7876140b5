package publisher

import (
	"context"
	"encoding/json"
	"errors"

	"experimenter/domain"
)

type CollectionStatus string

const (
	StatusToReview   CollectionStatus = "to-review"
	StatusToRollback CollectionStatus = "to-rollback"
	StatusToSign     CollectionStatus = "to-sign"
)

var (
	// ErrConflict is returned when a conditional write loses a race.
	ErrConflict = errors.New("record store conflict")
	// ErrRecordNotFound is returned when deleting a record that is gone.
	ErrRecordNotFound = errors.New("record not found")
)

// Rejection describes the latest review the record store turned down.
type Rejection struct {
	Reviewer string
	Comment  string
}

// RecordStore is the external record distribution service. Writes go to
// the collection's workspace; PublishedRecords reads what clients see.
type RecordStore interface {
	// PublishedRecords returns the published record set keyed by id.
	PublishedRecords(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	CreateRecord(ctx context.Context, collection, id string, record json.RawMessage) error
	// UpdateRecord replaces the record if its version still matches etag.
	UpdateRecord(ctx context.Context, collection, id string, record json.RawMessage, etag string) error
	DeleteRecord(ctx context.Context, collection, id string) error
	PatchCollectionStatus(ctx context.Context, collection string, status CollectionStatus) error
	PendingReview(ctx context.Context, collection string) (bool, error)
	IsRejected(ctx context.Context, collection, id string) (bool, error)
	LastRejection(ctx context.Context, collection string) (Rejection, error)
}

// Experiments is the slice of the lifecycle service the synchronizer drives.
type Experiments interface {
	List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error)
	ChangeLog(ctx context.Context, id uint) (domain.ChangeLog, error)
	Buckets(ctx context.Context, id uint) (domain.BucketAllocation, bool, error)
	Commit(ctx context.Context, id uint, expect domain.PublishStatus, actor, message string, mutate func(*domain.Experiment)) (domain.Experiment, bool, error)
}
