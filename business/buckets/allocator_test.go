//go:build !integration

package buckets_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"experimenter/business/buckets"
	"experimenter/business/lifecycle"
	"experimenter/domain"
	"experimenter/internal/repository/memory"
)

func newExperiment(t *testing.T, store *memory.Store, slug string, pct float64) domain.Experiment {
	t.Helper()
	e := domain.Experiment{
		Slug:              slug,
		Name:              slug,
		Application:       domain.ApplicationDesktop,
		Channel:           "release",
		FeatureSlugs:      datatypes.JSONSlice[string]{"search"},
		PopulationPercent: pct,
	}
	require.NoError(t, store.Experiments().Create(context.Background(), &e))
	return e
}

func allocate(t *testing.T, store *memory.Store, a *buckets.Allocator, e domain.Experiment) (domain.BucketAllocation, error) {
	t.Helper()
	var out domain.BucketAllocation
	err := store.Transaction(context.Background(), func(tx lifecycle.Store) error {
		var err error
		out, err = a.Allocate(context.Background(), tx.Buckets(), buckets.KeyFor(e), e)
		return err
	})
	return out, err
}

func TestAllocate_HalfPopulation(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "half", 50)

	got, err := allocate(t, store, a, e)
	require.NoError(t, err)
	assert.Equal(t, 5000, got.Range.Count)
	assert.Equal(t, 0, got.Range.Start)
	assert.Equal(t, 1, got.Group.Instance)
	assert.Equal(t, "firefox-desktop-search-release", got.Group.Name)
}

func TestAllocate_OverflowOpensNewInstance(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	first := newExperiment(t, store, "sixty", 60)
	second := newExperiment(t, store, "fifty", 50)

	one, err := allocate(t, store, a, first)
	require.NoError(t, err)
	two, err := allocate(t, store, a, second)
	require.NoError(t, err)

	assert.Equal(t, 1, one.Group.Instance)
	assert.Equal(t, 2, two.Group.Instance)
	assert.Equal(t, one.Group.Name, two.Group.Name)
	assert.Equal(t, 0, two.Range.Start)
	assert.Equal(t, 5000, two.Range.Count)
}

func TestAllocate_AppendsWithoutOverlap(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)

	var allocations []domain.BucketAllocation
	for _, slug := range []string{"a", "b", "c", "d"} {
		got, err := allocate(t, store, a, newExperiment(t, store, slug, 25))
		require.NoError(t, err)
		allocations = append(allocations, got)
	}

	sum := 0
	for i, x := range allocations {
		assert.Equal(t, 1, x.Group.Instance)
		assert.LessOrEqual(t, x.Range.End(), 9999)
		sum += x.Range.Count
		for _, y := range allocations[i+1:] {
			assert.False(t, x.Range.Overlaps(y.Range), "%v overlaps %v", x.Range, y.Range)
		}
	}
	assert.Equal(t, 10000, sum)
	assert.Equal(t, 7500, allocations[3].Range.Start)
}

func TestAllocate_ReallocationKeepsCount(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	before := newExperiment(t, store, "before", 10)
	e := newExperiment(t, store, "again", 20)
	after := newExperiment(t, store, "after", 10)

	_, err := allocate(t, store, a, before)
	require.NoError(t, err)
	first, err := allocate(t, store, a, e)
	require.NoError(t, err)
	_, err = allocate(t, store, a, after)
	require.NoError(t, err)
	second, err := allocate(t, store, a, e)
	require.NoError(t, err)

	assert.Equal(t, first.Range.Count, second.Range.Count)
	assert.Equal(t, 1000, first.Range.Start)
	assert.Equal(t, 4000, second.Range.Start, "freed space is never reused")
	assert.Equal(t, first.Group.ID, second.Group.ID)

	ranges, err := store.Buckets().ListRanges(context.Background(), second.Group.ID)
	require.NoError(t, err)
	assert.Len(t, ranges, 3)
}

func TestAllocate_DeletesEmptiedGroup(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "mover", 10)

	first, err := allocate(t, store, a, e)
	require.NoError(t, err)

	e.Channel = "beta"
	second, err := allocate(t, store, a, e)
	require.NoError(t, err)
	assert.NotEqual(t, first.Group.Name, second.Group.Name)

	_, err = store.Buckets().FindGroup(context.Background(), first.Group.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// lockRecorder notes namespace locks and range deletions in call order.
type lockRecorder struct {
	buckets.Repository
	calls []string
}

func (r *lockRecorder) LockNamespace(ctx context.Context, name string) error {
	r.calls = append(r.calls, "lock "+name)
	return r.Repository.LockNamespace(ctx, name)
}

func (r *lockRecorder) DeleteRange(ctx context.Context, id uint) error {
	r.calls = append(r.calls, "delete range")
	return r.Repository.DeleteRange(ctx, id)
}

func TestAllocate_MoveLocksBothNamespaces(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "mover", 10)

	_, err := allocate(t, store, a, e)
	require.NoError(t, err)

	e.Channel = "beta"
	var recorder *lockRecorder
	err = store.Transaction(context.Background(), func(tx lifecycle.Store) error {
		recorder = &lockRecorder{Repository: tx.Buckets()}
		_, err := a.Allocate(context.Background(), recorder, buckets.KeyFor(e), e)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"lock firefox-desktop-search-beta",
		"lock firefox-desktop-search-release",
		"delete range",
	}, recorder.calls)
}

func TestAllocate_SameNamespaceLocksOnce(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "stayer", 10)

	_, err := allocate(t, store, a, e)
	require.NoError(t, err)

	var recorder *lockRecorder
	err = store.Transaction(context.Background(), func(tx lifecycle.Store) error {
		recorder = &lockRecorder{Repository: tx.Buckets()}
		_, err := a.Allocate(context.Background(), recorder, buckets.KeyFor(e), e)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lock firefox-desktop-search-release", "delete range"}, recorder.calls)
}

func TestAllocate_ConcurrentMovesKeepGroupsConsistent(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)

	experiments := make([]domain.Experiment, 12)
	for i := range experiments {
		experiments[i] = newExperiment(t, store, fmt.Sprintf("exp-%d", i), 15)
	}

	var g errgroup.Group
	for i, e := range experiments {
		g.Go(func() error {
			from, to := "release", "beta"
			if i%2 == 1 {
				from, to = to, from
			}
			for _, channel := range []string{from, to, from} {
				e.Channel = channel
				err := store.Transaction(context.Background(), func(tx lifecycle.Store) error {
					_, err := a.Allocate(context.Background(), tx.Buckets(), buckets.KeyFor(e), e)
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	byGroup := make(map[uint][]domain.BucketRange)
	for _, e := range experiments {
		current, found, err := a.Current(context.Background(), store.Buckets(), e.ID)
		require.NoError(t, err)
		require.True(t, found, e.Slug)
		byGroup[current.Group.ID] = append(byGroup[current.Group.ID], current.Range)
	}
	for id, ranges := range byGroup {
		listed, err := store.Buckets().ListRanges(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, listed, len(ranges))

		sum := 0
		for i, x := range ranges {
			sum += x.Count
			assert.LessOrEqual(t, x.End(), 9999)
			for _, y := range ranges[i+1:] {
				assert.False(t, x.Overlaps(y), "%v overlaps %v", x, y)
			}
		}
		assert.LessOrEqual(t, sum, 10000)
	}
}

func TestAllocate_RejectsEmptyPopulation(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "empty", 0)

	_, err := allocate(t, store, a, e)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.FieldPopulationPercent, verr.Field())

	_, found, err := store.Buckets().LatestGroup(context.Background(), buckets.KeyFor(e).String())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAllocator_Count(t *testing.T) {
	a := buckets.NewAllocator(10000)
	tests := []struct {
		pct  float64
		want int
	}{
		{0, 0},
		{0.29, 29},
		{12.3456, 1234},
		{50, 5000},
		{100, 10000},
	}
	for _, tt := range tests {
		got, err := a.Count(tt.pct)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v%%", tt.pct)
	}

	_, err := a.Count(-1)
	assert.Error(t, err)
	_, err = a.Count(100.5)
	assert.Error(t, err)
}

func TestRelease(t *testing.T) {
	store := memory.NewStore()
	a := buckets.NewAllocator(10000)
	e := newExperiment(t, store, "gone", 10)

	_, err := allocate(t, store, a, e)
	require.NoError(t, err)

	err = store.Transaction(context.Background(), func(tx lifecycle.Store) error {
		return a.Release(context.Background(), tx.Buckets(), e.ID)
	})
	require.NoError(t, err)

	_, found, err := a.Current(context.Background(), store.Buckets(), e.ID)
	require.NoError(t, err)
	assert.False(t, found)
}
