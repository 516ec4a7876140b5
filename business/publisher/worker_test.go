//go:build !integration

package publisher_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experimenter/business/publisher"
	"experimenter/domain"
)

type busyLocker struct{ calls atomic.Int32 }

func (l *busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	l.calls.Add(1)
	return nil, false, nil
}

func TestWorker_RunOnce(t *testing.T) {
	f := newFixture(t, true)
	w := publisher.NewWorker(f.sync, publisher.WorkerConfig{Clock: f.clock})

	launch := f.create(t, "run-once", false)
	f.approve(t, launch.Slug, domain.StatusLive)
	preview := f.create(t, "peek", false)
	f.transition(t, preview.Slug, domain.ExperimentPatch{Status: domain.Some(domain.StatusPreview)}, owner)

	require.NoError(t, w.RunOnce(context.Background()))

	assert.Equal(t, domain.StatusLive, f.get(t, launch.Slug).Status)
	published, err := f.records.PublishedRecords(context.Background(), previewCollection)
	require.NoError(t, err)
	assert.Contains(t, published, preview.Slug)
}

func TestWorker_SkipsCollectionsLockedElsewhere(t *testing.T) {
	f := newFixture(t, true)
	locker := &busyLocker{}
	w := publisher.NewWorker(f.sync, publisher.WorkerConfig{Clock: f.clock, Locker: locker})

	exp := f.create(t, "locked-out", false)
	f.approve(t, exp.Slug, domain.StatusLive)

	require.NoError(t, w.RunOnce(context.Background(), desktopCollection))
	assert.EqualValues(t, 2, locker.calls.Load())
	assert.Equal(t, domain.PublishStatusApproved, f.get(t, exp.Slug).PublishStatus)
}

func TestWorker_PushRequestTriggersScan(t *testing.T) {
	f := newFixture(t, true)
	w := publisher.NewWorker(f.sync, publisher.WorkerConfig{Clock: f.clock, Interval: time.Hour})
	f.svc.Subscribe(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	exp := f.create(t, "triggered", false)
	f.approve(t, exp.Slug, domain.StatusLive)

	assert.Eventually(t, func() bool {
		current, err := f.svc.Get(context.Background(), exp.Slug)
		return err == nil && current.Status == domain.StatusLive
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
