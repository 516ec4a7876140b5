// Package memory is an in-process Store with the same transactional
// guarantees as the postgres one: a failed transaction leaves no trace and
// transactions never interleave.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"experimenter/business/buckets"
	"experimenter/business/lifecycle"
	"experimenter/domain"
)

type tables struct {
	experiments map[uint]domain.Experiment
	changelogs  []domain.ChangeLogEntry
	groups      map[uint]domain.IsolationGroup
	ranges      map[uint]domain.BucketRange
	lastID      uint
}

func (t *tables) clone() *tables {
	return &tables{
		experiments: maps.Clone(t.experiments),
		changelogs:  slices.Clone(t.changelogs),
		groups:      maps.Clone(t.groups),
		ranges:      maps.Clone(t.ranges),
		lastID:      t.lastID,
	}
}

func (t *tables) nextID() uint {
	t.lastID++
	return t.lastID
}

type Store struct {
	mu   *sync.Mutex
	data *tables
	inTx bool
}

func NewStore() *Store {
	return &Store{
		mu: &sync.Mutex{},
		data: &tables{
			experiments: make(map[uint]domain.Experiment),
			groups:      make(map[uint]domain.IsolationGroup),
			ranges:      make(map[uint]domain.BucketRange),
		},
	}
}

// Transaction runs fn with exclusive access to the store, restoring the
// previous contents if fn fails. Nested calls join the outer transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx lifecycle.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	tx := &Store{mu: s.mu, data: s.data, inTx: true}
	if err := fn(tx); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

func (s *Store) Experiments() lifecycle.ExperimentRepository {
	return experimentRepo{s}
}

func (s *Store) ChangeLogs() lifecycle.ChangeLogRepository {
	return changeLogRepo{s}
}

func (s *Store) Buckets() buckets.Repository {
	return bucketRepo{s}
}

// with runs fn under the store lock unless the caller already holds it
// through a transaction.
func (s *Store) with(fn func(t *tables) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.data)
}

type experimentRepo struct {
	s *Store
}

func (r experimentRepo) Create(ctx context.Context, e *domain.Experiment) error {
	return r.s.with(func(t *tables) error {
		for _, existing := range t.experiments {
			if existing.Slug == e.Slug {
				return fmt.Errorf("duplicate slug %s", e.Slug)
			}
		}
		now := time.Now()
		e.ID = t.nextID()
		e.CreatedAt = now
		e.UpdatedAt = now
		t.experiments[e.ID] = *e
		return nil
	})
}

func (r experimentRepo) Update(ctx context.Context, e *domain.Experiment) error {
	return r.s.with(func(t *tables) error {
		if _, ok := t.experiments[e.ID]; !ok {
			return domain.ErrNotFound
		}
		e.UpdatedAt = time.Now()
		t.experiments[e.ID] = *e
		return nil
	})
}

func (r experimentRepo) FindByID(ctx context.Context, id uint) (domain.Experiment, error) {
	var out domain.Experiment
	err := r.s.with(func(t *tables) error {
		e, ok := t.experiments[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = e
		return nil
	})
	return out, err
}

func (r experimentRepo) FindBySlug(ctx context.Context, slug string) (domain.Experiment, error) {
	var out domain.Experiment
	err := r.s.with(func(t *tables) error {
		for _, e := range t.experiments {
			if e.Slug == slug {
				out = e
				return nil
			}
		}
		return domain.ErrNotFound
	})
	return out, err
}

// Lock is FindByID: transactions already hold the whole store.
func (r experimentRepo) Lock(ctx context.Context, id uint) (domain.Experiment, error) {
	return r.FindByID(ctx, id)
}

func (r experimentRepo) List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error) {
	var out []domain.Experiment
	err := r.s.with(func(t *tables) error {
		for _, e := range t.experiments {
			if filter.Matches(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

type changeLogRepo struct {
	s *Store
}

func (r changeLogRepo) Append(ctx context.Context, entry *domain.ChangeLogEntry) error {
	return r.s.with(func(t *tables) error {
		entry.ID = t.nextID()
		t.changelogs = append(t.changelogs, *entry)
		return nil
	})
}

func (r changeLogRepo) ListForExperiment(ctx context.Context, experimentID uint) ([]domain.ChangeLogEntry, error) {
	var out []domain.ChangeLogEntry
	err := r.s.with(func(t *tables) error {
		for _, e := range t.changelogs {
			if e.ExperimentID == experimentID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

type bucketRepo struct {
	s *Store
}

func (r bucketRepo) LockNamespace(ctx context.Context, name string) error {
	return ctx.Err()
}

func (r bucketRepo) LatestGroup(ctx context.Context, name string) (domain.IsolationGroup, bool, error) {
	var (
		out   domain.IsolationGroup
		found bool
	)
	err := r.s.with(func(t *tables) error {
		for _, g := range t.groups {
			if g.Name == name && (!found || g.Instance > out.Instance) {
				out, found = g, true
			}
		}
		return nil
	})
	return out, found, err
}

func (r bucketRepo) FindGroup(ctx context.Context, id uint) (domain.IsolationGroup, error) {
	var out domain.IsolationGroup
	err := r.s.with(func(t *tables) error {
		g, ok := t.groups[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = g
		return nil
	})
	return out, err
}

func (r bucketRepo) CreateGroup(ctx context.Context, group *domain.IsolationGroup) error {
	return r.s.with(func(t *tables) error {
		for _, g := range t.groups {
			if g.Name == group.Name && g.Instance == group.Instance {
				return fmt.Errorf("isolation group %s instance %d already exists", g.Name, g.Instance)
			}
		}
		group.ID = t.nextID()
		group.CreatedAt = time.Now()
		t.groups[group.ID] = *group
		return nil
	})
}

func (r bucketRepo) DeleteGroup(ctx context.Context, id uint) error {
	return r.s.with(func(t *tables) error {
		delete(t.groups, id)
		return nil
	})
}

func (r bucketRepo) RangeForExperiment(ctx context.Context, experimentID uint) (domain.BucketRange, bool, error) {
	var (
		out   domain.BucketRange
		found bool
	)
	err := r.s.with(func(t *tables) error {
		for _, br := range t.ranges {
			if br.ExperimentID == experimentID {
				out, found = br, true
				return nil
			}
		}
		return nil
	})
	return out, found, err
}

func (r bucketRepo) HighestRange(ctx context.Context, groupID uint) (domain.BucketRange, bool, error) {
	var (
		out   domain.BucketRange
		found bool
	)
	err := r.s.with(func(t *tables) error {
		for _, br := range t.ranges {
			if br.IsolationGroupID == groupID && (!found || br.Start > out.Start) {
				out, found = br, true
			}
		}
		return nil
	})
	return out, found, err
}

func (r bucketRepo) ListRanges(ctx context.Context, groupID uint) ([]domain.BucketRange, error) {
	var out []domain.BucketRange
	err := r.s.with(func(t *tables) error {
		for _, br := range t.ranges {
			if br.IsolationGroupID == groupID {
				out = append(out, br)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, err
}

func (r bucketRepo) CreateRange(ctx context.Context, br *domain.BucketRange) error {
	return r.s.with(func(t *tables) error {
		if _, ok := t.groups[br.IsolationGroupID]; !ok {
			return fmt.Errorf("isolation group %d: %w", br.IsolationGroupID, domain.ErrNotFound)
		}
		for _, existing := range t.ranges {
			if existing.ExperimentID == br.ExperimentID {
				return fmt.Errorf("experiment %d already holds a bucket range", br.ExperimentID)
			}
		}
		br.ID = t.nextID()
		br.CreatedAt = time.Now()
		t.ranges[br.ID] = *br
		return nil
	})
}

func (r bucketRepo) DeleteRange(ctx context.Context, id uint) error {
	return r.s.with(func(t *tables) error {
		delete(t.ranges, id)
		return nil
	})
}
