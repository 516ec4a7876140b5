package buckets

import (
	"context"
	"fmt"
	"math"
	"sort"

	"experimenter/domain"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

// Repository is the persistence the allocator needs. Every call made by
// Allocate happens inside the caller's transaction.
type Repository interface {
	// LockNamespace serializes allocation for name until the enclosing
	// transaction ends.
	LockNamespace(ctx context.Context, name string) error
	LatestGroup(ctx context.Context, name string) (domain.IsolationGroup, bool, error)
	FindGroup(ctx context.Context, id uint) (domain.IsolationGroup, error)
	CreateGroup(ctx context.Context, group *domain.IsolationGroup) error
	DeleteGroup(ctx context.Context, id uint) error

	RangeForExperiment(ctx context.Context, experimentID uint) (domain.BucketRange, bool, error)
	HighestRange(ctx context.Context, groupID uint) (domain.BucketRange, bool, error)
	ListRanges(ctx context.Context, groupID uint) ([]domain.BucketRange, error)
	CreateRange(ctx context.Context, r *domain.BucketRange) error
	DeleteRange(ctx context.Context, id uint) error
}

type Allocator struct {
	total int
}

func NewAllocator(total int) *Allocator {
	if total <= 0 {
		total = domain.DefaultBucketTotal
	}
	return &Allocator{total: total}
}

func (a *Allocator) Total() int {
	return a.total
}

// Count converts a population percentage with up to four decimal places
// into a number of buckets, rounding down.
func (a *Allocator) Count(populationPercent float64) (int, error) {
	if math.IsNaN(populationPercent) || populationPercent < 0 || populationPercent > 100 {
		return 0, &domain.ValidationError{
			Name:    domain.FieldPopulationPercent,
			Message: "must be between 0 and 100",
		}
	}
	// work in ten-thousandths of a percent so that e.g. 0.29% is not
	// floored to 28 buckets by float error
	units := int64(math.Round(populationPercent * 10000))
	return int(units * int64(a.total) / (100 * 10000)), nil
}

// Allocate assigns exp a fresh range in namespace key, releasing any range it
// held before. It must run inside a transaction on repo.
func (a *Allocator) Allocate(ctx context.Context, repo Repository, key NamespaceKey, exp domain.Experiment) (domain.BucketAllocation, error) {
	count, err := a.Count(exp.PopulationPercent)
	if err != nil {
		return domain.BucketAllocation{}, err
	}
	if count <= 0 {
		return domain.BucketAllocation{}, &domain.ValidationError{
			Name:    domain.FieldPopulationPercent,
			Message: "population is too small to allocate any buckets",
		}
	}

	name := key.String()
	// a range moving between namespaces empties the old group, so both
	// namespaces are locked, in name order
	names := []string{name}
	current, held, err := repo.RangeForExperiment(ctx, exp.ID)
	if err != nil {
		return domain.BucketAllocation{}, fmt.Errorf("failed to load current bucket range: %w", err)
	}
	if held {
		previous, err := repo.FindGroup(ctx, current.IsolationGroupID)
		if err != nil {
			return domain.BucketAllocation{}, fmt.Errorf("failed to load isolation group: %w", err)
		}
		if previous.Name != name {
			names = append(names, previous.Name)
			sort.Strings(names)
		}
	}
	for _, n := range names {
		if err := repo.LockNamespace(ctx, n); err != nil {
			return domain.BucketAllocation{}, fmt.Errorf("failed to lock namespace %s: %w", n, err)
		}
	}

	if err := a.release(ctx, repo, exp.ID); err != nil {
		return domain.BucketAllocation{}, err
	}

	group, found, err := repo.LatestGroup(ctx, name)
	if err != nil {
		return domain.BucketAllocation{}, fmt.Errorf("failed to load isolation group %s: %w", name, err)
	}
	if !found {
		group = domain.IsolationGroup{Name: name, Application: exp.Application, Instance: 1, Total: a.total}
		if err := repo.CreateGroup(ctx, &group); err != nil {
			return domain.BucketAllocation{}, fmt.Errorf("failed to create isolation group %s: %w", name, err)
		}
		metrics.BucketAllocations.WithLabelValues("new_namespace").Inc()
	}

	start := 0
	highest, hasRanges, err := repo.HighestRange(ctx, group.ID)
	if err != nil {
		return domain.BucketAllocation{}, fmt.Errorf("failed to load bucket ranges for %s: %w", name, err)
	}
	if hasRanges {
		start = highest.End() + 1
		if start+count > group.Total {
			group = domain.IsolationGroup{
				Name:        name,
				Application: exp.Application,
				Instance:    group.Instance + 1,
				Total:       a.total,
			}
			if err := repo.CreateGroup(ctx, &group); err != nil {
				return domain.BucketAllocation{}, fmt.Errorf("failed to create isolation group %s instance %d: %w", name, group.Instance, err)
			}
			metrics.BucketAllocations.WithLabelValues("new_instance").Inc()
			start = 0
		}
	}

	bucketRange := domain.BucketRange{
		ExperimentID:     exp.ID,
		IsolationGroupID: group.ID,
		Start:            start,
		Count:            count,
	}
	if err := repo.CreateRange(ctx, &bucketRange); err != nil {
		return domain.BucketAllocation{}, fmt.Errorf("failed to create bucket range: %w", err)
	}
	metrics.BucketAllocations.WithLabelValues("appended").Inc()

	logger.Info("bucket range allocated",
		"experiment", exp.Slug,
		"namespace", name,
		"instance", group.Instance,
		"start", start,
		"count", count,
	)

	return domain.BucketAllocation{Group: group, Range: bucketRange}, nil
}

// Release drops the experiment's range, and its group if that leaves the
// group empty. It must run inside a transaction on repo.
func (a *Allocator) Release(ctx context.Context, repo Repository, experimentID uint) error {
	current, found, err := repo.RangeForExperiment(ctx, experimentID)
	if err != nil || !found {
		return err
	}
	group, err := repo.FindGroup(ctx, current.IsolationGroupID)
	if err != nil {
		return fmt.Errorf("failed to load isolation group: %w", err)
	}
	if err := repo.LockNamespace(ctx, group.Name); err != nil {
		return fmt.Errorf("failed to lock namespace %s: %w", group.Name, err)
	}
	return a.release(ctx, repo, experimentID)
}

func (a *Allocator) release(ctx context.Context, repo Repository, experimentID uint) error {
	current, found, err := repo.RangeForExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("failed to load current bucket range: %w", err)
	}
	if !found {
		return nil
	}
	if err := repo.DeleteRange(ctx, current.ID); err != nil {
		return fmt.Errorf("failed to delete bucket range: %w", err)
	}

	remaining, err := repo.ListRanges(ctx, current.IsolationGroupID)
	if err != nil {
		return fmt.Errorf("failed to list bucket ranges: %w", err)
	}
	if len(remaining) == 0 {
		if err := repo.DeleteGroup(ctx, current.IsolationGroupID); err != nil {
			return fmt.Errorf("failed to delete empty isolation group: %w", err)
		}
	}
	return nil
}

// Current returns the experiment's allocation, if any.
func (a *Allocator) Current(ctx context.Context, repo Repository, experimentID uint) (domain.BucketAllocation, bool, error) {
	current, found, err := repo.RangeForExperiment(ctx, experimentID)
	if err != nil || !found {
		return domain.BucketAllocation{}, false, err
	}
	group, err := repo.FindGroup(ctx, current.IsolationGroupID)
	if err != nil {
		return domain.BucketAllocation{}, false, fmt.Errorf("failed to load isolation group: %w", err)
	}
	return domain.BucketAllocation{Group: group, Range: current}, true, nil
}
