package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
	"gorm.io/datatypes"

	"experimenter/business/buckets"
	"experimenter/domain"
	"experimenter/pkg/logger"
)

type Config struct {
	// LaunchingDisabled rejects every Draft -> Live status_next.
	LaunchingDisabled bool
	Clock             clock.Clock
}

type Service struct {
	store     Store
	allocator *buckets.Allocator
	validate  *validator.Validate
	rules     Rules
	clock     clock.Clock
	sinks     []EventSink
}

func NewService(store Store, allocator *buckets.Allocator, validate *validator.Validate, cfg Config, sinks ...EventSink) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if validate == nil {
		validate = NewValidator()
	}
	if allocator == nil {
		allocator = buckets.NewAllocator(domain.DefaultBucketTotal)
	}
	return &Service{
		store:     store,
		allocator: allocator,
		validate:  validate,
		rules:     Rules{LaunchingDisabled: cfg.LaunchingDisabled},
		clock:     cfg.Clock,
		sinks:     sinks,
	}
}

// Subscribe registers a sink for events emitted after future transitions.
func (s *Service) Subscribe(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

// Create stores a new Draft experiment.
func (s *Service) Create(ctx context.Context, exp domain.Experiment, actor string) (domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Experiment{}, err
	}
	if actor == "" {
		return domain.Experiment{}, &domain.ValidationError{Name: "changed_by", Message: "an actor is required"}
	}

	exp.ID = 0
	exp.Status = domain.StatusDraft
	exp.StatusNext = nil
	exp.PublishStatus = domain.PublishStatusIdle
	exp.IsArchived = false
	exp.PublishedDTO = nil
	exp.PublishedDate = nil
	if err := s.validateExperiment(exp); err != nil {
		return domain.Experiment{}, err
	}

	err := s.store.Transaction(ctx, func(tx Store) error {
		_, err := tx.Experiments().FindBySlug(ctx, exp.Slug)
		switch {
		case err == nil:
			return &domain.ValidationError{Name: "slug", Message: fmt.Sprintf("an experiment with slug %s already exists", exp.Slug)}
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		if err := tx.Experiments().Create(ctx, &exp); err != nil {
			return fmt.Errorf("failed to create experiment: %w", err)
		}
		entry := s.newEntry(ctx, domain.Experiment{}, exp, actor, "created", nil)
		return tx.ChangeLogs().Append(ctx, &entry)
	})
	if err != nil {
		return domain.Experiment{}, err
	}

	logger.Info("experiment created", "experiment", exp.Slug, "application", exp.Application, "actor", actor)
	return exp, nil
}

// AttemptTransition applies patch to the experiment identified by slug on
// behalf of actor. The experiment update, its change log entry and any
// bucket allocation commit together or not at all.
func (s *Service) AttemptTransition(ctx context.Context, slug string, patch domain.ExperimentPatch, actor, message string) (domain.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Experiment{}, err
	}

	var proposal Proposal
	err := s.store.Transaction(ctx, func(tx Store) error {
		found, err := tx.Experiments().FindBySlug(ctx, slug)
		if err != nil {
			return err
		}
		current, err := tx.Experiments().Lock(ctx, found.ID)
		if err != nil {
			return err
		}
		entries, err := tx.ChangeLogs().ListForExperiment(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("failed to load change log: %w", err)
		}

		proposal, err = Evaluate(current, patch, actor, domain.NewChangeLog(entries), s.rules)
		if err != nil {
			return err
		}
		if err := s.validateExperiment(proposal.Experiment); err != nil {
			return err
		}

		if err := tx.Experiments().Update(ctx, &proposal.Experiment); err != nil {
			return fmt.Errorf("failed to update experiment: %w", err)
		}
		for _, ev := range proposal.Events {
			switch ev.Kind {
			case EventBucketsNeeded:
				if err := s.allocate(ctx, tx.Buckets(), proposal.Experiment, ev.OnlyIfChanged); err != nil {
					return err
				}
			case EventBucketsReleased:
				if err := s.allocator.Release(ctx, tx.Buckets(), proposal.Experiment.ID); err != nil {
					return err
				}
			}
		}

		if message == "" {
			message = describeChange(proposal.Changed)
		}
		entry := s.newEntry(ctx, current, proposal.Experiment, actor, message, proposal.Changed)
		return tx.ChangeLogs().Append(ctx, &entry)
	})
	if err != nil {
		return domain.Experiment{}, err
	}

	logger.Info("experiment transitioned",
		"experiment", proposal.Experiment.Slug,
		"status", proposal.Experiment.Status,
		"publish_status", proposal.Experiment.PublishStatus,
		"actor", actor,
	)
	s.dispatch(ctx, proposal.Events)
	return proposal.Experiment, nil
}

// Commit applies a system driven change to the experiment if, and only if,
// its publish_status is still expect. It reports whether anything was
// written, which makes repeated synchronizer polls no-ops.
func (s *Service) Commit(ctx context.Context, id uint, expect domain.PublishStatus, actor, message string, mutate func(*domain.Experiment)) (domain.Experiment, bool, error) {
	var (
		exp     domain.Experiment
		written bool
	)
	err := s.store.Transaction(ctx, func(tx Store) error {
		current, err := tx.Experiments().Lock(ctx, id)
		if err != nil {
			return err
		}
		exp = current
		if current.PublishStatus != expect {
			return nil
		}

		mutate(&exp)
		if !exp.InvariantHolds() {
			return fmt.Errorf("experiment %s: publish status %s with status_next %v", exp.Slug, exp.PublishStatus, exp.StatusNext)
		}
		if err := tx.Experiments().Update(ctx, &exp); err != nil {
			return fmt.Errorf("failed to update experiment: %w", err)
		}
		entry := s.newEntry(ctx, current, exp, actor, message, nil)
		if err := tx.ChangeLogs().Append(ctx, &entry); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return domain.Experiment{}, false, err
	}
	return exp, written, nil
}

func (s *Service) Get(ctx context.Context, slug string) (domain.Experiment, error) {
	return s.store.Experiments().FindBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context, filter domain.ExperimentFilter) ([]domain.Experiment, error) {
	return s.store.Experiments().List(ctx, filter)
}

func (s *Service) ChangeLog(ctx context.Context, id uint) (domain.ChangeLog, error) {
	entries, err := s.store.ChangeLogs().ListForExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.NewChangeLog(entries), nil
}

// Buckets returns the experiment's current bucket allocation.
func (s *Service) Buckets(ctx context.Context, id uint) (domain.BucketAllocation, bool, error) {
	return s.allocator.Current(ctx, s.store.Buckets(), id)
}

func (s *Service) allocate(ctx context.Context, repo buckets.Repository, exp domain.Experiment, onlyIfChanged bool) error {
	key := buckets.KeyFor(exp)
	if onlyIfChanged {
		count, err := s.allocator.Count(exp.PopulationPercent)
		if err != nil {
			return err
		}
		current, found, err := s.allocator.Current(ctx, repo, exp.ID)
		if err != nil {
			return err
		}
		if found && current.Group.Name == key.String() && current.Range.Count == count {
			return nil
		}
	}
	_, err := s.allocator.Allocate(ctx, repo, key, exp)
	return err
}

func (s *Service) dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		if ev.Kind == EventBucketsNeeded || ev.Kind == EventBucketsReleased {
			continue
		}
		for _, sink := range s.sinks {
			sink.HandleEvent(ctx, ev)
		}
	}
}

func (s *Service) newEntry(ctx context.Context, old, next domain.Experiment, actor, message string, changed map[string]any) domain.ChangeLogEntry {
	entry := domain.ChangeLogEntry{
		ExperimentID:     next.ID,
		OldStatus:        old.Status,
		OldStatusNext:    old.StatusNext,
		OldPublishStatus: old.PublishStatus,
		NewStatus:        next.Status,
		NewStatusNext:    next.StatusNext,
		NewPublishStatus: next.PublishStatus,
		ChangedBy:        actor,
		ChangedOn:        s.clock.Now().UTC(),
		Message:          message,
		TraceID:          TraceIDFromContext(ctx),
	}
	if len(changed) > 0 {
		if raw, err := json.Marshal(changed); err == nil {
			entry.ChangedFields = datatypes.JSON(raw)
		}
	}
	return entry
}

func describeChange(changed map[string]any) string {
	if len(changed) == 0 {
		return "no changes"
	}
	fields := make([]string, 0, len(changed))
	for f := range changed {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "updated " + strings.Join(fields, ", ")
}
