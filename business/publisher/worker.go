package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"experimenter/business/lifecycle"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

const (
	defaultInterval = time.Minute
	previewTrigger  = ""
)

// Locker guards a collection against concurrent scans from other replicas.
type Locker interface {
	// Acquire returns ok=false when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type WorkerConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	// Locker is optional; without it scans are only serialized in-process.
	Locker  Locker
	LockTTL time.Duration
}

// Worker polls the synchronizer on a fixed interval and whenever a
// lifecycle event asks for a push.
type Worker struct {
	sync    *Synchronizer
	cfg     WorkerConfig
	trigger chan string

	mu      sync.Mutex
	running map[string]*sync.Mutex
}

var _ lifecycle.EventSink = (*Worker)(nil)

func NewWorker(s *Synchronizer, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	return &Worker{
		sync:    s,
		cfg:     cfg,
		trigger: make(chan string, 16),
		running: make(map[string]*sync.Mutex),
	}
}

// HandleEvent schedules an out-of-band scan for the collection affected by
// the event. It never blocks the caller.
func (w *Worker) HandleEvent(_ context.Context, ev lifecycle.Event) {
	var target string
	switch ev.Kind {
	case lifecycle.EventPushRequested:
		collection, ok := w.sync.CollectionFor(ev.Application)
		if !ok {
			logger.Warn("no collection for application", "application", ev.Application, "experiment", ev.Slug)
			return
		}
		target = collection
	case lifecycle.EventPreviewToggled:
		target = previewTrigger
	default:
		return
	}
	select {
	case w.trigger <- target:
	default:
		// a scan is already queued; the next tick covers it anyway
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("publication worker started", "interval", w.cfg.Interval.String(), "collections", w.sync.Collections())
	for {
		select {
		case <-ctx.Done():
			logger.Info("publication worker stopped")
			return ctx.Err()
		case <-w.cfg.Clock.After(w.cfg.Interval):
			if err := w.RunOnce(ctx); err != nil {
				logger.Error("synchronization pass failed", "error", err)
			}
		case target := <-w.trigger:
			var err error
			if target == previewTrigger {
				err = w.runPreview(ctx)
			} else {
				err = w.runCollection(ctx, target)
			}
			if err != nil {
				logger.Error("triggered synchronization failed", "collection", target, "error", err)
			}
		}
	}
}

// RunOnce scans the given collections, or every configured one, plus the
// preview collection. Collections are scanned concurrently and a failure
// in one never stops the others.
func (w *Worker) RunOnce(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		collections = w.sync.Collections()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, collection := range collections {
		g.Go(func() error {
			record(w.runCollection(ctx, collection))
			return nil
		})
	}
	g.Go(func() error {
		record(w.runPreview(ctx))
		return nil
	})
	_ = g.Wait()
	return errors.Join(errs...)
}

func (w *Worker) runCollection(ctx context.Context, collection string) error {
	return w.exclusive(ctx, collection, func() error {
		result, err := w.sync.SyncCollection(ctx, collection)
		if err != nil {
			metrics.ScanFailures.WithLabelValues(collection).Inc()
			return fmt.Errorf("%s: %w", collection, err)
		}
		if result.Pushed != "" || len(result.Accepted) > 0 || result.RolledBack {
			logger.Info("collection synchronized",
				"collection", collection,
				"pushed", result.Pushed,
				"accepted", result.Accepted,
				"rejected", result.Rejected,
				"timed_out", result.TimedOut,
			)
		}
		return nil
	})
}

func (w *Worker) runPreview(ctx context.Context) error {
	collection := w.sync.cfg.PreviewCollection
	if collection == "" {
		return nil
	}
	return w.exclusive(ctx, collection, func() error {
		if _, err := w.sync.SyncPreview(ctx); err != nil {
			metrics.ScanFailures.WithLabelValues(collection).Inc()
			return fmt.Errorf("%s: %w", collection, err)
		}
		return nil
	})
}

// exclusive runs fn while holding the in-process and, if configured, the
// distributed lock for collection. A lock held elsewhere skips the scan.
func (w *Worker) exclusive(ctx context.Context, collection string, fn func() error) error {
	local := w.localLock(collection)
	local.Lock()
	defer local.Unlock()

	if w.cfg.Locker != nil {
		release, ok, err := w.cfg.Locker.Acquire(ctx, "experimenter:sync:"+collection, w.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", collection, err)
		}
		if !ok {
			logger.Debug("collection is being synchronized elsewhere", "collection", collection)
			return nil
		}
		defer release()
	}
	return fn()
}

func (w *Worker) localLock(collection string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.running[collection]
	if !ok {
		m = &sync.Mutex{}
		w.running[collection] = m
	}
	return m
}
