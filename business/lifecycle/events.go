package lifecycle

import (
	"context"

	"experimenter/domain"
)

type EventKind string

const (
	// EventBucketsNeeded is handled inside the transition transaction.
	EventBucketsNeeded EventKind = "buckets_needed"
	// EventBucketsReleased is handled inside the transition transaction
	// when an experiment stops needing its allocation.
	EventBucketsReleased EventKind = "buckets_released"
	// EventPushRequested fires after commit once a change is approved.
	EventPushRequested EventKind = "push_requested"
	// EventPreviewToggled fires after commit when an experiment enters or
	// leaves Preview.
	EventPreviewToggled EventKind = "preview_toggled"
)

type Event struct {
	Kind         EventKind
	ExperimentID uint
	Slug         string
	Application  domain.Application
	Status       domain.Status
	// OnlyIfChanged restricts EventBucketsNeeded to experiments whose
	// namespace or bucket count differs from their current allocation.
	OnlyIfChanged bool
}

// EventSink receives events after the transition that produced them commits.
type EventSink interface {
	HandleEvent(ctx context.Context, event Event)
}

type EventSinkFunc func(ctx context.Context, event Event)

func (f EventSinkFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}
