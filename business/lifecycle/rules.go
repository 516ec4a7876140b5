package lifecycle

import (
	"slices"
	"sort"

	"experimenter/domain"
)

// statusTransitions lists the status edges a user may take directly. Live
// and Complete are only reached through status_next once the record store
// accepts a change.
var statusTransitions = map[domain.Status][]domain.Status{
	domain.StatusDraft:   {domain.StatusPreview},
	domain.StatusPreview: {domain.StatusDraft},
}

// statusNextChoices is keyed by the status the experiment will have after
// the transition. A nil entry means "no pending action".
var statusNextChoices = map[domain.Status][]*domain.Status{
	domain.StatusDraft:    {nil, domain.StatusPtr(domain.StatusLive)},
	domain.StatusPreview:  {nil},
	domain.StatusLive:     {nil, domain.StatusPtr(domain.StatusComplete)},
	domain.StatusComplete: {nil},
}

var liveRolloutStatusNextChoices = []*domain.Status{
	nil,
	domain.StatusPtr(domain.StatusLive),
	domain.StatusPtr(domain.StatusComplete),
}

// publishTransitions lists the publish_status edges open to users.
// Approved -> Waiting and everything out of Waiting belong to the
// synchronizer.
var publishTransitions = map[domain.PublishStatus][]domain.PublishStatus{
	domain.PublishStatusIdle:     {domain.PublishStatusReview, domain.PublishStatusApproved},
	domain.PublishStatusDirty:    {domain.PublishStatusReview},
	domain.PublishStatusReview:   {domain.PublishStatusApproved, domain.PublishStatusIdle},
	domain.PublishStatusApproved: {domain.PublishStatusIdle},
	domain.PublishStatusWaiting:  {},
}

var exemptFields = []string{
	domain.FieldStatus,
	domain.FieldStatusNext,
	domain.FieldPublishStatus,
	domain.FieldIsArchived,
	domain.FieldQAStatus,
	domain.FieldQAComment,
}

var completeExemptFields = []string{
	domain.FieldTakeawaysSummary,
	domain.FieldConclusionRecommendation,
}

var liveRolloutExemptFields = []string{
	domain.FieldPopulationPercent,
}

var archivedEditableFields = []string{
	domain.FieldIsArchived,
}

// Rules carries the runtime switches that affect transitions.
type Rules struct {
	LaunchingDisabled bool
}

// Proposal is the outcome of evaluating a patch against an experiment.
type Proposal struct {
	Experiment domain.Experiment
	Changed    map[string]any
	Events     []Event
}

// Unlocked reports whether every field of e may be edited.
func Unlocked(e domain.Experiment) bool {
	return e.Status == domain.StatusDraft && e.PublishStatus == domain.PublishStatusIdle
}

// EditableFields returns the fields a user may change on e right now, or
// nil when every field is editable.
func EditableFields(e domain.Experiment) []string {
	if e.IsArchived {
		return slices.Clone(archivedEditableFields)
	}
	if Unlocked(e) {
		return nil
	}
	allowed := slices.Clone(exemptFields)
	if e.Status == domain.StatusComplete {
		allowed = append(allowed, completeExemptFields...)
	}
	if isLiveRollout(e) && (e.PublishStatus == domain.PublishStatusIdle || e.PublishStatus == domain.PublishStatusDirty) {
		allowed = append(allowed, liveRolloutExemptFields...)
	}
	sort.Strings(allowed)
	return allowed
}

// AllowedStatusNext lists the valid status_next values for an experiment
// that will have the given status.
func AllowedStatusNext(e domain.Experiment, status domain.Status) []*domain.Status {
	if status == domain.StatusLive && e.IsRollout {
		return liveRolloutStatusNextChoices
	}
	return statusNextChoices[status]
}

// Evaluate applies patch to current and enforces every transition rule.
// It performs no I/O; history is the experiment's change log.
func Evaluate(current domain.Experiment, patch domain.ExperimentPatch, actor string, history domain.ChangeLog, rules Rules) (Proposal, error) {
	if actor == "" {
		return Proposal{}, &domain.ValidationError{Name: "changed_by", Message: "an actor is required"}
	}
	fields := patch.Fields()
	if len(fields) == 0 {
		return Proposal{}, &domain.ValidationError{Name: "experiment", Message: "no fields to change"}
	}

	if err := checkEditable(current, fields); err != nil {
		return Proposal{}, err
	}
	if patch.IsArchived.Set {
		if err := checkArchive(current, patch.IsArchived.Value); err != nil {
			return Proposal{}, err
		}
	}

	next := current
	changed := patch.Apply(&next)

	if next.Status != current.Status {
		allowed := statusTransitions[current.Status]
		if !slices.Contains(allowed, next.Status) {
			return Proposal{}, &domain.InvalidStatusTransitionError{From: current.Status, To: next.Status, Allowed: allowed}
		}
		if current.PublishStatus != domain.PublishStatusIdle {
			return Proposal{}, &domain.InvalidStatusTransitionError{
				From:          current.Status,
				To:            next.Status,
				Allowed:       allowed,
				PublishStatus: current.PublishStatus,
			}
		}
	}

	if next.PublishStatus != current.PublishStatus {
		allowed := publishTransitions[current.PublishStatus]
		if !slices.Contains(allowed, next.PublishStatus) {
			return Proposal{}, &domain.InvalidPublishStatusError{From: current.PublishStatus, To: next.PublishStatus, Allowed: allowed}
		}
		if next.PublishStatus == domain.PublishStatusApproved {
			if err := checkReviewer(current, actor, history); err != nil {
				return Proposal{}, err
			}
		}
	}

	// live rollout edits wait for a new review
	if isLiveRollout(current) && !patch.PublishStatus.Set && touchesContent(changed) {
		next.PublishStatus = domain.PublishStatusDirty
	}

	if err := checkStatusNext(current, &next, patch, rules); err != nil {
		return Proposal{}, err
	}

	if !next.InvariantHolds() {
		return Proposal{}, &domain.InvalidStatusNextError{
			Status:    next.Status,
			Attempted: next.StatusNext,
			Allowed:   AllowedStatusNext(next, next.Status),
		}
	}

	return Proposal{
		Experiment: next,
		Changed:    changed,
		Events:     eventsFor(current, next),
	}, nil
}

func checkEditable(current domain.Experiment, fields []string) error {
	allowed := EditableFields(current)
	if allowed == nil {
		return nil
	}
	var locked []string
	for _, f := range fields {
		if !slices.Contains(allowed, f) {
			locked = append(locked, f)
		}
	}
	if len(locked) == 0 {
		return nil
	}
	return &domain.LockedFieldError{
		Status:        current.Status,
		PublishStatus: current.PublishStatus,
		Fields:        locked,
		Allowed:       allowed,
	}
}

func checkArchive(current domain.Experiment, archive bool) error {
	if !archive || current.IsArchived {
		return nil
	}
	if current.Status != domain.StatusDraft && current.Status != domain.StatusComplete {
		return &domain.ArchiveError{Reason: "only Draft or Complete experiments can be archived"}
	}
	if current.PublishStatus != domain.PublishStatusIdle {
		return &domain.ArchiveError{Reason: "experiments with a pending publish action can not be archived"}
	}
	return nil
}

// checkReviewer enforces that approvals of a requested review come from
// someone other than the requester. Approving straight from Idle needs no
// distinct reviewer.
func checkReviewer(current domain.Experiment, actor string, history domain.ChangeLog) error {
	if current.PublishStatus == domain.PublishStatusIdle {
		return nil
	}
	request, ok := history.LatestReviewRequest()
	if ok && request.ChangedBy == actor {
		return &domain.SelfReviewError{Actor: actor}
	}
	return nil
}

func checkStatusNext(current domain.Experiment, next *domain.Experiment, patch domain.ExperimentPatch, rules Rules) error {
	// the pending action must stay valid for the status it applies to
	if next.StatusNext != nil && (patch.StatusNext.Set || next.Status != current.Status) {
		allowed := AllowedStatusNext(*next, next.Status)
		if !containsStatus(allowed, next.StatusNext) {
			return &domain.InvalidStatusNextError{Status: next.Status, Attempted: next.StatusNext, Allowed: allowed}
		}
	}
	if patch.StatusNext.Set && next.StatusNext != nil &&
		rules.LaunchingDisabled && next.Status == domain.StatusDraft && *next.StatusNext == domain.StatusLive {
		return &domain.LaunchingDisabledError{}
	}

	// leaving the publish flow drops the pending action
	if !next.PublishStatus.InFlight() && current.PublishStatus.InFlight() && !patch.StatusNext.Set {
		next.StatusNext = nil
	}
	return nil
}

func eventsFor(current, next domain.Experiment) []Event {
	base := Event{ExperimentID: next.ID, Slug: next.Slug, Application: next.Application, Status: next.Status}
	var events []Event

	if next.Status != current.Status && (next.Status == domain.StatusPreview || current.Status == domain.StatusPreview) {
		ev := base
		ev.Kind = EventBucketsReleased
		if next.Status == domain.StatusPreview {
			ev.Kind = EventBucketsNeeded
		}
		events = append(events, ev)
		ev = base
		ev.Kind = EventPreviewToggled
		events = append(events, ev)
	}

	if next.PublishStatus == domain.PublishStatusApproved && current.PublishStatus != domain.PublishStatusApproved {
		switch {
		case next.Status == domain.StatusDraft:
			ev := base
			ev.Kind = EventBucketsNeeded
			events = append(events, ev)
		case isLiveRollout(next) && next.StatusNext != nil && *next.StatusNext == domain.StatusLive:
			ev := base
			ev.Kind = EventBucketsNeeded
			ev.OnlyIfChanged = true
			events = append(events, ev)
		}
		ev := base
		ev.Kind = EventPushRequested
		events = append(events, ev)
	}
	return events
}

func isLiveRollout(e domain.Experiment) bool {
	return e.Status == domain.StatusLive && e.IsRollout
}

func touchesContent(changed map[string]any) bool {
	for field := range changed {
		switch field {
		case domain.FieldStatus, domain.FieldStatusNext, domain.FieldPublishStatus,
			domain.FieldQAStatus, domain.FieldQAComment, domain.FieldIsArchived:
			continue
		}
		return true
	}
	return false
}

func containsStatus(choices []*domain.Status, s *domain.Status) bool {
	for _, c := range choices {
		if c == nil && s == nil {
			return true
		}
		if c != nil && s != nil && *c == *s {
			return true
		}
	}
	return false
}
