package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// FieldError is a validation failure attributable to one input field.
type FieldError interface {
	error
	Field() string
}

type LockedFieldError struct {
	Status        Status
	PublishStatus PublishStatus
	Fields        []string
	Allowed       []string
}

func (e *LockedFieldError) Error() string {
	return fmt.Sprintf("experiment with status %s and publish status %s can only change %s, not: %s",
		e.Status, e.PublishStatus, strings.Join(e.Allowed, ", "), strings.Join(e.Fields, ", "))
}

func (e *LockedFieldError) Field() string {
	if len(e.Fields) == 0 {
		return "experiment"
	}
	return e.Fields[0]
}

type InvalidStatusTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
	// PublishStatus is set when the edge exists but a publish action is
	// still pending.
	PublishStatus PublishStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	if e.PublishStatus != "" {
		return fmt.Sprintf("status can not change from %s to %s while publish status is %s", e.From, e.To, e.PublishStatus)
	}
	return fmt.Sprintf("status %s can only transition to %s, not %s", e.From, joinStatuses(e.Allowed), e.To)
}

func (e *InvalidStatusTransitionError) Field() string { return "status" }

type InvalidStatusNextError struct {
	Status    Status
	Attempted *Status
	Allowed   []*Status
}

func (e *InvalidStatusNextError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, statusOrNone(s))
	}
	return fmt.Sprintf("invalid status_next %s for status %s, valid choices are: %s",
		statusOrNone(e.Attempted), e.Status, strings.Join(allowed, ", "))
}

func (e *InvalidStatusNextError) Field() string { return "status_next" }

type InvalidPublishStatusError struct {
	From    PublishStatus
	To      PublishStatus
	Allowed []PublishStatus
}

func (e *InvalidPublishStatusError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("publish status %s can only transition to %s, not %s", e.From, strings.Join(allowed, ", "), e.To)
}

func (e *InvalidPublishStatusError) Field() string { return "publish_status" }

type SelfReviewError struct {
	Actor string
}

func (e *SelfReviewError) Error() string {
	return fmt.Sprintf("%s can not review their own review request", e.Actor)
}

func (e *SelfReviewError) Field() string { return "publish_status" }

type LaunchingDisabledError struct{}

func (e *LaunchingDisabledError) Error() string {
	return "launching experiments has been temporarily disabled by site administrators"
}

func (e *LaunchingDisabledError) Field() string { return "status_next" }

type ArchiveError struct {
	Reason string
}

func (e *ArchiveError) Error() string { return e.Reason }

func (e *ArchiveError) Field() string { return "is_archived" }

// ValidationError wraps a plain field-level validation failure.
type ValidationError struct {
	Name    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *ValidationError) Field() string { return e.Name }

func statusOrNone(s *Status) string {
	if s == nil {
		return "None"
	}
	return string(*s)
}

func joinStatuses(statuses []Status) string {
	if len(statuses) == 0 {
		return "nothing"
	}
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return strings.Join(out, ", ")
}
