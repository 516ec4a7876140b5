package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"experimenter/domain"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

// PreviewResult lists the records the preview sync created and deleted.
type PreviewResult struct {
	Created []string
	Deleted []string
}

// SyncPreview mirrors every Preview experiment into the preview collection.
// Preview records skip review and are signed straight away.
func (s *Synchronizer) SyncPreview(ctx context.Context) (PreviewResult, error) {
	var result PreviewResult
	collection := s.cfg.PreviewCollection
	if collection == "" {
		return result, nil
	}

	previews, err := s.experiments.List(ctx, domain.ExperimentFilter{
		Statuses: []domain.Status{domain.StatusPreview},
	})
	if err != nil {
		return result, fmt.Errorf("failed to list preview experiments: %w", err)
	}
	published, err := s.store.PublishedRecords(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("failed to list published records of %s: %w", collection, err)
	}

	var errs []error
	wanted := make(map[string]bool, len(previews))
	for _, e := range previews {
		wanted[e.Slug] = true
		if _, ok := published[e.Slug]; ok {
			continue
		}
		if err := s.createPreview(ctx, collection, e); err != nil {
			metrics.RecordPushes.WithLabelValues(collection, "preview", "error").Inc()
			logger.Error("failed to publish preview", "collection", collection, "experiment", e.Slug, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.RecordPushes.WithLabelValues(collection, "preview", "ok").Inc()
		result.Created = append(result.Created, e.Slug)
	}

	stale := make([]string, 0)
	for id := range published {
		if !wanted[id] {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if err := s.store.DeleteRecord(ctx, collection, id); err != nil && !errors.Is(err, ErrRecordNotFound) {
			logger.Error("failed to remove preview", "collection", collection, "experiment", id, "error", err)
			errs = append(errs, err)
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}

	if len(result.Created) > 0 || len(result.Deleted) > 0 {
		if err := s.store.PatchCollectionStatus(ctx, collection, StatusToSign); err != nil {
			errs = append(errs, fmt.Errorf("failed to sign %s: %w", collection, err))
		} else {
			logger.Info("preview collection updated", "collection", collection,
				"created", len(result.Created), "deleted", len(result.Deleted))
		}
	}
	return result, errors.Join(errs...)
}

func (s *Synchronizer) createPreview(ctx context.Context, collection string, e domain.Experiment) error {
	allocation, found, err := s.experiments.Buckets(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("failed to load bucket allocation: %w", err)
	}
	var alloc *domain.BucketAllocation
	if found {
		alloc = &allocation
	}
	payload, err := Serialize(e, alloc, nil)
	if err != nil {
		return err
	}
	if err := s.store.CreateRecord(ctx, collection, e.Slug, payload); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	return nil
}
