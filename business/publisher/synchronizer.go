package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"

	"experimenter/business/targeting"
	"experimenter/domain"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

const defaultReviewTimeout = 3 * time.Hour

type changeKind string

const (
	kindLaunch changeKind = "launch"
	kindUpdate changeKind = "update"
	kindEnd    changeKind = "end"
)

// queue priority within a collection
var kindPriority = map[changeKind]int{
	kindLaunch: 0,
	kindEnd:    1,
	kindUpdate: 2,
}

type outcome int

const (
	stillWaiting outcome = iota
	accepted
	rejected
	timedOut
)

type Config struct {
	// Collections maps each record store collection to the applications
	// whose experiments it carries.
	Collections       map[string][]domain.Application
	PreviewCollection string
	ReviewTimeout     time.Duration
	Clock             clock.Clock
}

// ScanResult summarises one pass over a collection.
type ScanResult struct {
	Collection string
	Accepted   []string
	Rejected   []string
	TimedOut   []string
	Pushed     string
	RolledBack bool
}

// Synchronizer reconciles experiments with the record store, one
// collection at a time.
type Synchronizer struct {
	store       RecordStore
	experiments Experiments
	dialect     *targeting.Dialect
	cfg         Config
}

func NewSynchronizer(store RecordStore, experiments Experiments, dialect *targeting.Dialect, cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = defaultReviewTimeout
	}
	return &Synchronizer{
		store:       store,
		experiments: experiments,
		dialect:     dialect,
		cfg:         cfg,
	}
}

// Collections lists the configured collections, sorted.
func (s *Synchronizer) Collections() []string {
	out := make([]string, 0, len(s.cfg.Collections))
	for name := range s.cfg.Collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CollectionFor returns the collection carrying app's experiments.
func (s *Synchronizer) CollectionFor(app domain.Application) (string, bool) {
	for name, apps := range s.cfg.Collections {
		for _, a := range apps {
			if a == app {
				return name, true
			}
		}
	}
	return "", false
}

// SyncCollection resolves every Waiting experiment of the collection and,
// when nothing is in flight, pushes at most one Approved change.
func (s *Synchronizer) SyncCollection(ctx context.Context, collection string) (ScanResult, error) {
	result := ScanResult{Collection: collection}
	apps, ok := s.cfg.Collections[collection]
	if !ok {
		return result, fmt.Errorf("unknown collection %s", collection)
	}

	start := s.cfg.Clock.Now()
	defer func() {
		metrics.ScanDuration.WithLabelValues(collection).Observe(s.cfg.Clock.Now().Sub(start).Seconds())
	}()

	published, err := s.store.PublishedRecords(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("failed to list published records of %s: %w", collection, err)
	}
	pending, err := s.store.PendingReview(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("failed to read review state of %s: %w", collection, err)
	}

	waiting, err := s.experiments.List(ctx, domain.ExperimentFilter{
		Applications:    apps,
		PublishStatuses: []domain.PublishStatus{domain.PublishStatusWaiting},
	})
	if err != nil {
		return result, fmt.Errorf("failed to list waiting experiments: %w", err)
	}

	var (
		errs     []error
		inFlight bool
	)
	for _, e := range waiting {
		out, err := s.resolve(ctx, collection, e, published, pending)
		if err != nil {
			logger.Error("failed to resolve waiting experiment", "collection", collection, "experiment", e.Slug, "error", err)
			errs = append(errs, err)
			inFlight = true
			continue
		}
		switch out {
		case accepted:
			result.Accepted = append(result.Accepted, e.Slug)
		case rejected:
			result.Rejected = append(result.Rejected, e.Slug)
		case timedOut:
			result.TimedOut = append(result.TimedOut, e.Slug)
		default:
			inFlight = true
		}
	}

	if len(result.Rejected) > 0 || len(result.TimedOut) > 0 {
		if err := s.store.PatchCollectionStatus(ctx, collection, StatusToRollback); err != nil {
			errs = append(errs, fmt.Errorf("failed to roll back %s: %w", collection, err))
			return result, errors.Join(errs...)
		}
		result.RolledBack = true
		metrics.CollectionRollbacks.WithLabelValues(collection).Inc()
		logger.Warn("collection rolled back", "collection", collection)
	}

	if result.RolledBack || pending || inFlight {
		if pending {
			logger.Debug("collection has a pending review, deferring pushes", "collection", collection)
		}
		return result, errors.Join(errs...)
	}

	pushed, err := s.pushNext(ctx, collection, apps, published, &result)
	if err != nil {
		errs = append(errs, err)
		return result, errors.Join(errs...)
	}
	if pushed == nil {
		return result, errors.Join(errs...)
	}
	result.Pushed = pushed.Slug

	// stores that publish without review already reflect the push
	published, err = s.store.PublishedRecords(ctx, collection)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list published records of %s: %w", collection, err))
		return result, errors.Join(errs...)
	}
	done, err := s.resolveAccepted(ctx, collection, *pushed, published)
	if err != nil {
		errs = append(errs, err)
	} else if done {
		result.Accepted = append(result.Accepted, pushed.Slug)
	}
	return result, errors.Join(errs...)
}

func kindOf(e domain.Experiment) changeKind {
	switch {
	case e.StatusNext != nil && *e.StatusNext == domain.StatusComplete:
		return kindEnd
	case e.Status == domain.StatusLive:
		return kindUpdate
	default:
		return kindLaunch
	}
}

func (s *Synchronizer) resolve(ctx context.Context, collection string, e domain.Experiment, published map[string]json.RawMessage, pending bool) (outcome, error) {
	done, err := s.resolveAccepted(ctx, collection, e, published)
	if err != nil || done {
		return accepted, err
	}

	if !pending {
		isRejected, err := s.store.IsRejected(ctx, collection, e.Slug)
		if err != nil {
			return stillWaiting, fmt.Errorf("failed to read rejection state: %w", err)
		}
		if isRejected {
			return rejected, s.commitRejected(ctx, collection, e)
		}
	}

	history, err := s.experiments.ChangeLog(ctx, e.ID)
	if err != nil {
		return stillWaiting, fmt.Errorf("failed to load change log: %w", err)
	}
	latest, ok := history.Latest()
	if ok && s.cfg.Clock.Now().Sub(latest.ChangedOn) > s.cfg.ReviewTimeout {
		return timedOut, s.commitTimedOut(ctx, collection, e)
	}
	return stillWaiting, nil
}

func (s *Synchronizer) resolveAccepted(ctx context.Context, collection string, e domain.Experiment, published map[string]json.RawMessage) (bool, error) {
	if e.StatusNext == nil {
		return false, nil
	}
	kind := kindOf(e)
	record, found := published[e.Slug]

	switch kind {
	case kindLaunch:
		if !found {
			return false, nil
		}
	case kindUpdate:
		if !found || sameRecord(record, json.RawMessage(e.PublishedDTO)) {
			return false, nil
		}
	case kindEnd:
		if found {
			return false, nil
		}
	}

	next := *e.StatusNext
	message := fmt.Sprintf("%s is live", e.Slug)
	switch kind {
	case kindUpdate:
		message = fmt.Sprintf("%s update is live", e.Slug)
	case kindEnd:
		message = fmt.Sprintf("%s is complete", e.Slug)
	}

	_, written, err := s.experiments.Commit(ctx, e.ID, domain.PublishStatusWaiting, domain.SystemActor, message, func(x *domain.Experiment) {
		x.Status = next
		x.StatusNext = nil
		x.PublishStatus = domain.PublishStatusIdle
		if kind != kindEnd {
			x.PublishedDTO = append([]byte(nil), record...)
		}
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit accepted change: %w", err)
	}
	if written {
		metrics.PublishResolutions.WithLabelValues(collection, "accepted").Inc()
		logger.Info(message, "collection", collection, "experiment", e.Slug, "kind", kind)
	}
	return true, nil
}

func (s *Synchronizer) commitRejected(ctx context.Context, collection string, e domain.Experiment) error {
	rejection, err := s.store.LastRejection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to read rejection: %w", err)
	}
	actor := rejection.Reviewer
	if actor == "" || actor == domain.SystemActor {
		actor = "record-store-reviewer"
	}
	message := "Rejected"
	if rejection.Comment != "" {
		message = "Rejected: " + rejection.Comment
	}

	_, written, err := s.experiments.Commit(ctx, e.ID, domain.PublishStatusWaiting, actor, message, rollBack)
	if err != nil {
		return fmt.Errorf("failed to commit rejection: %w", err)
	}
	if written {
		metrics.PublishResolutions.WithLabelValues(collection, "rejected").Inc()
		logger.Warn("change rejected", "collection", collection, "experiment", e.Slug, "reviewer", actor, "comment", rejection.Comment)
	}
	return nil
}

func (s *Synchronizer) commitTimedOut(ctx context.Context, collection string, e domain.Experiment) error {
	message := fmt.Sprintf("Review timed out after %s", s.cfg.ReviewTimeout)
	_, written, err := s.experiments.Commit(ctx, e.ID, domain.PublishStatusWaiting, domain.SystemActor, message, rollBack)
	if err != nil {
		return fmt.Errorf("failed to commit timeout: %w", err)
	}
	if written {
		metrics.PublishResolutions.WithLabelValues(collection, "timed_out").Inc()
		logger.Warn("review timed out", "collection", collection, "experiment", e.Slug)
	}
	return nil
}

// rollBack returns a Waiting experiment to Review. A first launch loses its
// published date; a live rollout keeps the one it launched with.
func rollBack(e *domain.Experiment) {
	e.PublishStatus = domain.PublishStatusReview
	if e.Status != domain.StatusLive {
		e.PublishedDate = nil
	}
}

// pushNext pushes the first queued change. An update whose record matches
// what is already published settles without a review round.
func (s *Synchronizer) pushNext(ctx context.Context, collection string, apps []domain.Application, published map[string]json.RawMessage, result *ScanResult) (*domain.Experiment, error) {
	queue, err := s.experiments.List(ctx, domain.ExperimentFilter{
		Applications:    apps,
		PublishStatuses: []domain.PublishStatus{domain.PublishStatusApproved},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approved experiments: %w", err)
	}
	if len(queue) == 0 {
		return nil, nil
	}
	sort.SliceStable(queue, func(i, j int) bool {
		pi, pj := kindPriority[kindOf(queue[i])], kindPriority[kindOf(queue[j])]
		if pi != pj {
			return pi < pj
		}
		if !queue[i].UpdatedAt.Equal(queue[j].UpdatedAt) {
			return queue[i].UpdatedAt.Before(queue[j].UpdatedAt)
		}
		return queue[i].ID < queue[j].ID
	})

	e := queue[0]
	kind := kindOf(e)
	now := s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)

	var payload json.RawMessage
	if kind != kindEnd {
		if payload, err = s.payload(ctx, e, kind, now); err != nil {
			metrics.RecordPushes.WithLabelValues(collection, string(kind), "error").Inc()
			return nil, fmt.Errorf("failed to render %s of %s: %w", kind, e.Slug, err)
		}
	}
	if kind == kindUpdate && sameRecord(payload, json.RawMessage(e.PublishedDTO)) {
		settled, err := s.settleUnchanged(ctx, collection, e)
		if err != nil {
			return nil, err
		}
		if settled {
			result.Accepted = append(result.Accepted, e.Slug)
		}
		return nil, nil
	}

	if err := s.push(ctx, collection, e, kind, payload, published); err != nil {
		metrics.RecordPushes.WithLabelValues(collection, string(kind), "error").Inc()
		logger.Error("failed to push change", "collection", collection, "experiment", e.Slug, "kind", kind, "error", err)
		return nil, fmt.Errorf("failed to push %s of %s: %w", kind, e.Slug, err)
	}
	metrics.RecordPushes.WithLabelValues(collection, string(kind), "ok").Inc()

	updated, written, err := s.experiments.Commit(ctx, e.ID, domain.PublishStatusApproved, domain.SystemActor,
		fmt.Sprintf("%s of %s submitted for review", kind, e.Slug),
		func(x *domain.Experiment) {
			x.PublishStatus = domain.PublishStatusWaiting
			if kind == kindLaunch {
				x.PublishedDate = &now
			}
		})
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s waiting: %w", e.Slug, err)
	}
	if !written {
		logger.Warn("experiment left Approved before it could be marked waiting", "collection", collection, "experiment", e.Slug)
		return nil, nil
	}
	logger.Info("change pushed", "collection", collection, "experiment", e.Slug, "kind", kind)
	return &updated, nil
}

// settleUnchanged returns an Approved update straight to Idle.
func (s *Synchronizer) settleUnchanged(ctx context.Context, collection string, e domain.Experiment) (bool, error) {
	next := *e.StatusNext
	message := fmt.Sprintf("%s update has no changes to publish", e.Slug)
	_, written, err := s.experiments.Commit(ctx, e.ID, domain.PublishStatusApproved, domain.SystemActor, message, func(x *domain.Experiment) {
		x.Status = next
		x.StatusNext = nil
		x.PublishStatus = domain.PublishStatusIdle
	})
	if err != nil {
		return false, fmt.Errorf("failed to settle unchanged update of %s: %w", e.Slug, err)
	}
	if written {
		metrics.PublishResolutions.WithLabelValues(collection, "unchanged").Inc()
		logger.Info(message, "collection", collection, "experiment", e.Slug)
	}
	return written, nil
}

// push writes the change to the workspace and requests review. A write
// left behind by an earlier push whose review request failed is
// overwritten.
func (s *Synchronizer) push(ctx context.Context, collection string, e domain.Experiment, kind changeKind, payload json.RawMessage, published map[string]json.RawMessage) error {
	switch kind {
	case kindEnd:
		if err := s.store.DeleteRecord(ctx, collection, e.Slug); err != nil && !errors.Is(err, ErrRecordNotFound) {
			return err
		}
	case kindLaunch:
		err := s.store.CreateRecord(ctx, collection, e.Slug, payload)
		if errors.Is(err, ErrConflict) {
			logger.Warn("record already in workspace, overwriting", "collection", collection, "experiment", e.Slug)
			err = s.store.UpdateRecord(ctx, collection, e.Slug, payload, "")
		}
		if err != nil {
			return err
		}
	case kindUpdate:
		err := s.store.UpdateRecord(ctx, collection, e.Slug, payload, etagOf(json.RawMessage(e.PublishedDTO)))
		if errors.Is(err, ErrConflict) && sameRecord(published[e.Slug], json.RawMessage(e.PublishedDTO)) {
			// the published record is still the one we know, so the newer
			// workspace version is our own unreviewed write
			logger.Warn("unreviewed update in workspace, overwriting", "collection", collection, "experiment", e.Slug)
			err = s.store.UpdateRecord(ctx, collection, e.Slug, payload, "")
		}
		if err != nil {
			return err
		}
	}
	return s.store.PatchCollectionStatus(ctx, collection, StatusToReview)
}

func (s *Synchronizer) payload(ctx context.Context, e domain.Experiment, kind changeKind, now time.Time) (json.RawMessage, error) {
	allocation, found, err := s.experiments.Buckets(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bucket allocation: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("experiment %s has no bucket allocation", e.Slug)
	}
	if s.dialect != nil {
		if err := s.dialect.Validate(targeting.Compute(e)); err != nil {
			return nil, fmt.Errorf("invalid targeting for %s: %w", e.Slug, err)
		}
	}

	publishedDate := e.PublishedDate
	if kind == kindLaunch {
		publishedDate = &now
	}
	return Serialize(e, &allocation, publishedDate)
}
