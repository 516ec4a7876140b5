package domain

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// ChangeLogEntry records one committed transition. Entries are append-only.
type ChangeLogEntry struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	ExperimentID uint `gorm:"column:experiment_id;not null;index" json:"experiment_id"`

	OldStatus        Status        `gorm:"column:old_status;size:16" json:"old_status"`
	OldStatusNext    *Status       `gorm:"column:old_status_next;size:16" json:"old_status_next"`
	OldPublishStatus PublishStatus `gorm:"column:old_publish_status;size:16" json:"old_publish_status"`
	NewStatus        Status        `gorm:"column:new_status;size:16;not null" json:"new_status"`
	NewStatusNext    *Status       `gorm:"column:new_status_next;size:16" json:"new_status_next"`
	NewPublishStatus PublishStatus `gorm:"column:new_publish_status;size:16;not null" json:"new_publish_status"`

	ChangedBy     string         `gorm:"column:changed_by;size:255;not null" json:"changed_by"`
	ChangedOn     time.Time      `gorm:"column:changed_on;not null;index" json:"changed_on"`
	Message       string         `gorm:"column:message" json:"message"`
	ChangedFields datatypes.JSON `gorm:"column:changed_fields;type:jsonb" json:"changed_fields,omitempty"`
	TraceID       string         `gorm:"column:trace_id;size:64" json:"trace_id,omitempty"`
}

func (ChangeLogEntry) TableName() string {
	return "experiment_changelogs"
}

// ChangeLogFilter classifies a single entry.
type ChangeLogFilter func(ChangeLogEntry) bool

func IsReviewRequest(e ChangeLogEntry) bool {
	return e.OldPublishStatus != PublishStatusReview && e.NewPublishStatus == PublishStatusReview &&
		e.OldPublishStatus != PublishStatusWaiting
}

func IsApproval(e ChangeLogEntry) bool {
	return e.OldPublishStatus != PublishStatusApproved && e.NewPublishStatus == PublishStatusApproved
}

// IsRejection matches both a reviewer rejecting a review request and the
// record store rejecting a pushed change.
func IsRejection(e ChangeLogEntry) bool {
	if e.OldPublishStatus == PublishStatusReview && e.NewPublishStatus == PublishStatusIdle {
		return true
	}
	return e.OldPublishStatus == PublishStatusWaiting && e.NewPublishStatus == PublishStatusReview &&
		e.ChangedBy != SystemActor
}

func IsTimeout(e ChangeLogEntry) bool {
	return e.OldPublishStatus == PublishStatusWaiting && e.NewPublishStatus == PublishStatusReview &&
		e.ChangedBy == SystemActor
}

func IsPush(e ChangeLogEntry) bool {
	return e.OldPublishStatus == PublishStatusApproved && e.NewPublishStatus == PublishStatusWaiting
}

func IsLaunch(e ChangeLogEntry) bool {
	return e.OldStatus != StatusLive && e.NewStatus == StatusLive
}

func IsEnd(e ChangeLogEntry) bool {
	return e.OldStatus == StatusLive && e.NewStatus == StatusComplete
}

// ChangeLogFilters names the entry classifiers for lookups by kind.
var ChangeLogFilters = map[string]ChangeLogFilter{
	"review_request": IsReviewRequest,
	"approval":       IsApproval,
	"rejection":      IsRejection,
	"timeout":        IsTimeout,
	"push":           IsPush,
	"launch":         IsLaunch,
	"end":            IsEnd,
}

// ChangeLog is an experiment's history ordered by ChangedOn.
type ChangeLog []ChangeLogEntry

func NewChangeLog(entries []ChangeLogEntry) ChangeLog {
	out := make(ChangeLog, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ChangedOn.Equal(out[j].ChangedOn) {
			return out[i].ID < out[j].ID
		}
		return out[i].ChangedOn.Before(out[j].ChangedOn)
	})
	return out
}

func (c ChangeLog) Latest() (ChangeLogEntry, bool) {
	if len(c) == 0 {
		return ChangeLogEntry{}, false
	}
	return c[len(c)-1], true
}

// LatestMatching returns the most recent entry accepted by filter.
func (c ChangeLog) LatestMatching(filter ChangeLogFilter) (ChangeLogEntry, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if filter(c[i]) {
			return c[i], true
		}
	}
	return ChangeLogEntry{}, false
}

func (c ChangeLog) Filter(filter ChangeLogFilter) ChangeLog {
	var out ChangeLog
	for _, e := range c {
		if filter(e) {
			out = append(out, e)
		}
	}
	return out
}

func (c ChangeLog) LatestReviewRequest() (ChangeLogEntry, bool) {
	return c.LatestMatching(IsReviewRequest)
}
