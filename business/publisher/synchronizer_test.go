//go:build !integration

package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"experimenter/business/buckets"
	"experimenter/business/lifecycle"
	"experimenter/business/publisher"
	"experimenter/business/targeting"
	"experimenter/domain"
	"experimenter/internal/repository/memory"
)

const (
	desktopCollection = "nimbus-desktop-experiments"
	previewCollection = "nimbus-preview"
	owner             = "owner@example.com"
	reviewer          = "reviewer@example.com"
)

type fixture struct {
	svc     *lifecycle.Service
	clock   *testclock.Clock
	records *fakeStore
	sync    *publisher.Synchronizer
}

func newFixture(t *testing.T, autoPublish bool) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	svc := lifecycle.NewService(memory.NewStore(), buckets.NewAllocator(domain.DefaultBucketTotal),
		lifecycle.NewValidator(), lifecycle.Config{Clock: clk})
	dialect, err := targeting.NewDialect()
	require.NoError(t, err)

	records := newFakeStore(autoPublish)
	return &fixture{
		svc:     svc,
		clock:   clk,
		records: records,
		sync: publisher.NewSynchronizer(records, svc, dialect, publisher.Config{
			Collections:       map[string][]domain.Application{desktopCollection: {domain.ApplicationDesktop}},
			PreviewCollection: previewCollection,
			Clock:             clk,
		}),
	}
}

func (f *fixture) create(t *testing.T, slug string, rollout bool) domain.Experiment {
	t.Helper()
	exp, err := f.svc.Create(context.Background(), domain.Experiment{
		Slug:              slug,
		Name:              slug,
		Application:       domain.ApplicationDesktop,
		Channel:           "release",
		FeatureSlugs:      datatypes.JSONSlice[string]{"newtab"},
		PopulationPercent: 50,
		IsRollout:         rollout,
	}, owner)
	require.NoError(t, err)
	return exp
}

func (f *fixture) transition(t *testing.T, slug string, patch domain.ExperimentPatch, actor string) domain.Experiment {
	t.Helper()
	f.clock.Advance(time.Minute)
	exp, err := f.svc.AttemptTransition(context.Background(), slug, patch, actor, "")
	require.NoError(t, err)
	return exp
}

// approve runs the review request and approval for a change towards next.
func (f *fixture) approve(t *testing.T, slug string, next domain.Status) {
	t.Helper()
	f.transition(t, slug, domain.ExperimentPatch{
		PublishStatus: domain.Some(domain.PublishStatusReview),
		StatusNext:    domain.Some(domain.StatusPtr(next)),
	}, owner)
	f.transition(t, slug, domain.ExperimentPatch{
		PublishStatus: domain.Some(domain.PublishStatusApproved),
	}, reviewer)
}

func (f *fixture) scan(t *testing.T) publisher.ScanResult {
	t.Helper()
	result, err := f.sync.SyncCollection(context.Background(), desktopCollection)
	require.NoError(t, err)
	return result
}

func (f *fixture) get(t *testing.T, slug string) domain.Experiment {
	t.Helper()
	exp, err := f.svc.Get(context.Background(), slug)
	require.NoError(t, err)
	return exp
}

func (f *fixture) latest(t *testing.T, id uint) domain.ChangeLogEntry {
	t.Helper()
	log, err := f.svc.ChangeLog(context.Background(), id)
	require.NoError(t, err)
	entry, ok := log.Latest()
	require.True(t, ok)
	return entry
}

func TestSyncCollection_LaunchAcceptedAfterReview(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "pocket-launch", false)
	f.approve(t, exp.Slug, domain.StatusLive)

	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
	assert.Empty(t, result.Accepted)

	waiting := f.get(t, exp.Slug)
	assert.Equal(t, domain.PublishStatusWaiting, waiting.PublishStatus)
	require.NotNil(t, waiting.PublishedDate)
	assert.True(t, waiting.PublishedDate.Equal(f.clock.Now()))
	assert.Equal(t, []string{exp.Slug}, f.records.workspaceIDs(desktopCollection))
	assert.Equal(t, []publisher.CollectionStatus{publisher.StatusToReview}, f.records.patched())

	f.records.approve(desktopCollection)
	result = f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)
	assert.Empty(t, result.Pushed)

	live := f.get(t, exp.Slug)
	assert.Equal(t, domain.StatusLive, live.Status)
	assert.Nil(t, live.StatusNext)
	assert.Equal(t, domain.PublishStatusIdle, live.PublishStatus)
	require.True(t, live.HasPublishedSnapshot())

	var record publisher.Record
	require.NoError(t, json.Unmarshal(live.PublishedDTO, &record))
	assert.Equal(t, "firefox_desktop", record.AppName)
	require.NotNil(t, record.BucketConfig)
	assert.Equal(t, 5000, record.BucketConfig.Count)
	assert.Equal(t, `(browserSettings.update.channel == "release")`, record.Targeting)

	entry := f.latest(t, exp.ID)
	assert.Equal(t, domain.SystemActor, entry.ChangedBy)
	assert.Equal(t, "pocket-launch is live", entry.Message)
	assert.True(t, domain.IsLaunch(entry))
}

func TestSyncCollection_EndAcceptedInOnePoll(t *testing.T) {
	f := newFixture(t, true)
	exp := f.create(t, "sidebar-rollout", false)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)
	require.Equal(t, domain.StatusLive, f.get(t, exp.Slug).Status)

	f.approve(t, exp.Slug, domain.StatusComplete)
	approved := f.get(t, exp.Slug)
	require.Equal(t, domain.PublishStatusApproved, approved.PublishStatus)

	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)

	done := f.get(t, exp.Slug)
	assert.Equal(t, domain.StatusComplete, done.Status)
	assert.Nil(t, done.StatusNext)
	assert.Equal(t, domain.PublishStatusIdle, done.PublishStatus)
	assert.Empty(t, f.records.workspaceIDs(desktopCollection))

	entry := f.latest(t, exp.ID)
	assert.Equal(t, "sidebar-rollout is complete", entry.Message)
	assert.True(t, domain.IsEnd(entry))
}

func TestSyncCollection_ReviewTimesOutOnce(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "slow-review", false)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)
	require.Equal(t, domain.PublishStatusWaiting, f.get(t, exp.Slug).PublishStatus)

	f.clock.Advance(3*time.Hour + time.Minute)
	result := f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.TimedOut)
	assert.True(t, result.RolledBack)

	again := f.scan(t)
	assert.Empty(t, again.TimedOut)
	assert.False(t, again.RolledBack)
	assert.Empty(t, again.Pushed)

	back := f.get(t, exp.Slug)
	assert.Equal(t, domain.PublishStatusReview, back.PublishStatus)
	require.NotNil(t, back.StatusNext)
	assert.Equal(t, domain.StatusLive, *back.StatusNext)
	assert.Nil(t, back.PublishedDate)

	log, err := f.svc.ChangeLog(context.Background(), exp.ID)
	require.NoError(t, err)
	timeouts := log.Filter(domain.IsTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, domain.SystemActor, timeouts[0].ChangedBy)
	assert.Equal(t, "Review timed out after 3h0m0s", timeouts[0].Message)
	latest, ok := log.Latest()
	require.True(t, ok)
	assert.True(t, domain.IsTimeout(latest))
	assert.Len(t, log.Filter(domain.IsPush), 1)

	assert.Equal(t, []publisher.CollectionStatus{publisher.StatusToReview, publisher.StatusToRollback}, f.records.patched())
}

func TestSyncCollection_StillWaitingBeforeTimeout(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "patient", false)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)

	f.clock.Advance(2 * time.Hour)
	result := f.scan(t)
	assert.Empty(t, result.TimedOut)
	assert.Equal(t, domain.PublishStatusWaiting, f.get(t, exp.Slug).PublishStatus)

	f.clock.Advance(time.Hour)
	result = f.scan(t)
	assert.Empty(t, result.TimedOut, "a review exactly at the limit has not timed out")
	assert.Equal(t, domain.PublishStatusWaiting, f.get(t, exp.Slug).PublishStatus)

	f.clock.Advance(time.Second)
	result = f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.TimedOut)
}

func TestSyncCollection_Rejected(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "bad-idea", false)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)

	f.records.reject(desktopCollection, reviewer, "targeting too broad")
	result := f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.Rejected)
	assert.True(t, result.RolledBack)

	back := f.get(t, exp.Slug)
	assert.Equal(t, domain.PublishStatusReview, back.PublishStatus)
	assert.Equal(t, domain.StatusDraft, back.Status)
	assert.Nil(t, back.PublishedDate)
	assert.Empty(t, f.records.workspaceIDs(desktopCollection))

	entry := f.latest(t, exp.ID)
	assert.Equal(t, reviewer, entry.ChangedBy)
	assert.Equal(t, "Rejected: targeting too broad", entry.Message)
	assert.True(t, domain.IsRejection(entry))
}

func TestSyncCollection_RejectionWithoutReviewerUsesFallbackActor(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "anonymous-rejection", false)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)

	f.records.reject(desktopCollection, "", "")
	f.scan(t)

	entry := f.latest(t, exp.ID)
	assert.Equal(t, "record-store-reviewer", entry.ChangedBy)
	assert.Equal(t, "Rejected", entry.Message)
}

func TestSyncCollection_OnePushAtATime(t *testing.T) {
	f := newFixture(t, false)
	first := f.create(t, "first", false)
	second := f.create(t, "second", false)
	f.approve(t, first.Slug, domain.StatusLive)
	f.approve(t, second.Slug, domain.StatusLive)

	result := f.scan(t)
	require.NotEmpty(t, result.Pushed)
	pushed, queued := first.Slug, second.Slug
	if result.Pushed == second.Slug {
		pushed, queued = second.Slug, first.Slug
	}

	result = f.scan(t)
	assert.Empty(t, result.Pushed)
	assert.Len(t, f.records.workspaceIDs(desktopCollection), 1)
	assert.Equal(t, domain.PublishStatusApproved, f.get(t, queued).PublishStatus)

	f.records.approve(desktopCollection)
	result = f.scan(t)
	assert.Equal(t, []string{pushed}, result.Accepted)
	assert.Equal(t, queued, result.Pushed)
	assert.Equal(t, domain.PublishStatusWaiting, f.get(t, queued).PublishStatus)
}

func TestSyncCollection_LaunchesBeforeEnds(t *testing.T) {
	f := newFixture(t, true)
	ending := f.create(t, "ending", false)
	f.approve(t, ending.Slug, domain.StatusLive)
	f.scan(t)

	f.approve(t, ending.Slug, domain.StatusComplete)
	launching := f.create(t, "launching", false)
	f.approve(t, launching.Slug, domain.StatusLive)

	result := f.scan(t)
	assert.Equal(t, launching.Slug, result.Pushed)
	assert.Equal(t, domain.PublishStatusApproved, f.get(t, ending.Slug).PublishStatus)

	result = f.scan(t)
	assert.Equal(t, ending.Slug, result.Pushed)
	assert.Equal(t, domain.StatusComplete, f.get(t, ending.Slug).Status)
}

func TestSyncCollection_RolloutUpdate(t *testing.T) {
	f := newFixture(t, true)
	exp := f.create(t, "growing-rollout", true)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)

	dirty := f.transition(t, exp.Slug, domain.ExperimentPatch{PopulationPercent: domain.Some(80.0)}, owner)
	require.Equal(t, domain.PublishStatusDirty, dirty.PublishStatus)
	f.approve(t, exp.Slug, domain.StatusLive)

	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)

	live := f.get(t, exp.Slug)
	assert.Equal(t, domain.StatusLive, live.Status)
	assert.Equal(t, domain.PublishStatusIdle, live.PublishStatus)

	var record publisher.Record
	require.NoError(t, json.Unmarshal(live.PublishedDTO, &record))
	require.NotNil(t, record.BucketConfig)
	assert.Equal(t, 8000, record.BucketConfig.Count)
	assert.Equal(t, "growing-rollout update is live", f.latest(t, exp.ID).Message)
}

func TestSyncCollection_UnchangedUpdateSettlesWithoutReview(t *testing.T) {
	f := newFixture(t, true)
	exp := f.create(t, "steady-rollout", true)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)
	launched := f.get(t, exp.Slug)
	require.Equal(t, domain.StatusLive, launched.Status)

	// still 5000 of 10000 buckets
	dirty := f.transition(t, exp.Slug, domain.ExperimentPatch{PopulationPercent: domain.Some(50.0001)}, owner)
	require.Equal(t, domain.PublishStatusDirty, dirty.PublishStatus)
	f.approve(t, exp.Slug, domain.StatusLive)

	result := f.scan(t)
	assert.Empty(t, result.Pushed)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)

	live := f.get(t, exp.Slug)
	assert.Equal(t, domain.StatusLive, live.Status)
	assert.Nil(t, live.StatusNext)
	assert.Equal(t, domain.PublishStatusIdle, live.PublishStatus)
	assert.JSONEq(t, string(launched.PublishedDTO), string(live.PublishedDTO))
	assert.Equal(t, []publisher.CollectionStatus{publisher.StatusToReview}, f.records.patched())

	entry := f.latest(t, exp.ID)
	assert.Equal(t, domain.SystemActor, entry.ChangedBy)
	assert.Equal(t, "steady-rollout update has no changes to publish", entry.Message)
}

func TestSyncCollection_LaunchRetriedAfterReviewRequestFails(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "second-try", false)
	f.approve(t, exp.Slug, domain.StatusLive)

	f.records.failPatch = errors.New("service unavailable")
	_, err := f.sync.SyncCollection(context.Background(), desktopCollection)
	require.Error(t, err)
	assert.Equal(t, domain.PublishStatusApproved, f.get(t, exp.Slug).PublishStatus)
	assert.Equal(t, []string{exp.Slug}, f.records.workspaceIDs(desktopCollection))
	assert.Empty(t, f.records.patched())

	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
	assert.Equal(t, domain.PublishStatusWaiting, f.get(t, exp.Slug).PublishStatus)
	assert.Equal(t, []publisher.CollectionStatus{publisher.StatusToReview}, f.records.patched())

	f.records.approve(desktopCollection)
	result = f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)
	assert.Equal(t, domain.StatusLive, f.get(t, exp.Slug).Status)
}

func TestSyncCollection_UpdateRetriedAfterReviewRequestFails(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "bumpy-rollout", true)
	f.approve(t, exp.Slug, domain.StatusLive)
	f.scan(t)
	f.records.approve(desktopCollection)
	f.scan(t)
	require.Equal(t, domain.StatusLive, f.get(t, exp.Slug).Status)

	f.transition(t, exp.Slug, domain.ExperimentPatch{PopulationPercent: domain.Some(80.0)}, owner)
	f.approve(t, exp.Slug, domain.StatusLive)

	f.records.failPatch = errors.New("service unavailable")
	_, err := f.sync.SyncCollection(context.Background(), desktopCollection)
	require.Error(t, err)
	assert.Equal(t, domain.PublishStatusApproved, f.get(t, exp.Slug).PublishStatus)

	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
	assert.Equal(t, domain.PublishStatusWaiting, f.get(t, exp.Slug).PublishStatus)

	f.records.approve(desktopCollection)
	result = f.scan(t)
	assert.Equal(t, []string{exp.Slug}, result.Accepted)

	var record publisher.Record
	require.NoError(t, json.Unmarshal(f.get(t, exp.Slug).PublishedDTO, &record))
	require.NotNil(t, record.BucketConfig)
	assert.Equal(t, 8000, record.BucketConfig.Count)
}

func TestSyncCollection_PushFailureLeavesApproved(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "unlucky", false)
	f.approve(t, exp.Slug, domain.StatusLive)

	f.records.failWrites = errors.New("connection reset")
	_, err := f.sync.SyncCollection(context.Background(), desktopCollection)
	require.Error(t, err)

	assert.Equal(t, domain.PublishStatusApproved, f.get(t, exp.Slug).PublishStatus)
	assert.Empty(t, f.records.patched())

	f.records.failWrites = nil
	result := f.scan(t)
	assert.Equal(t, exp.Slug, result.Pushed)
}

func TestSyncCollection_UnknownCollection(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.sync.SyncCollection(context.Background(), "nimbus-nothing")
	require.Error(t, err)
}

func TestCollectionFor(t *testing.T) {
	f := newFixture(t, false)
	collection, ok := f.sync.CollectionFor(domain.ApplicationDesktop)
	assert.True(t, ok)
	assert.Equal(t, desktopCollection, collection)

	_, ok = f.sync.CollectionFor(domain.ApplicationFenix)
	assert.False(t, ok)
	assert.Equal(t, []string{desktopCollection}, f.sync.Collections())
}

func TestSyncPreview(t *testing.T) {
	f := newFixture(t, false)
	exp := f.create(t, "try-me", false)
	f.transition(t, exp.Slug, domain.ExperimentPatch{Status: domain.Some(domain.StatusPreview)}, owner)

	result, err := f.sync.SyncPreview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{exp.Slug}, result.Created)
	assert.Empty(t, result.Deleted)

	published, err := f.records.PublishedRecords(context.Background(), previewCollection)
	require.NoError(t, err)
	assert.Contains(t, published, exp.Slug)

	result, err = f.sync.SyncPreview(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Created)

	f.transition(t, exp.Slug, domain.ExperimentPatch{Status: domain.Some(domain.StatusDraft)}, owner)
	result, err = f.sync.SyncPreview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{exp.Slug}, result.Deleted)

	published, err = f.records.PublishedRecords(context.Background(), previewCollection)
	require.NoError(t, err)
	assert.Empty(t, published)
	assert.Equal(t, []publisher.CollectionStatus{publisher.StatusToSign, publisher.StatusToSign}, f.records.patched())
}
