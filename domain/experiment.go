package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPreview  Status = "Preview"
	StatusLive     Status = "Live"
	StatusComplete Status = "Complete"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPreview, StatusLive, StatusComplete:
		return true
	}
	return false
}

type PublishStatus string

const (
	PublishStatusIdle     PublishStatus = "Idle"
	PublishStatusReview   PublishStatus = "Review"
	PublishStatusApproved PublishStatus = "Approved"
	PublishStatusWaiting  PublishStatus = "Waiting"
	PublishStatusDirty    PublishStatus = "Dirty"
)

func (s PublishStatus) Valid() bool {
	switch s {
	case PublishStatusIdle, PublishStatusReview, PublishStatusApproved, PublishStatusWaiting, PublishStatusDirty:
		return true
	}
	return false
}

// InFlight reports whether a publish action is pending. Only in-flight
// experiments carry a status_next.
func (s PublishStatus) InFlight() bool {
	return s == PublishStatusReview || s == PublishStatusApproved || s == PublishStatusWaiting
}

// SystemActor is recorded on changes made by the synchronizer.
const SystemActor = "experimenter@system"

type Experiment struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	Slug              string `gorm:"column:slug;uniqueIndex;size:80;not null" json:"slug" validate:"required,max=80,slug"`
	Name              string `gorm:"column:name;size:255;not null" json:"name" validate:"required,max=255"`
	Owner             string `gorm:"column:owner;size:255" json:"owner"`
	PublicDescription string `gorm:"column:public_description" json:"public_description"`
	Hypothesis        string `gorm:"column:hypothesis" json:"hypothesis"`

	Application  Application                 `gorm:"column:application;size:64;not null;index" json:"application" validate:"required"`
	Channel      string                      `gorm:"column:channel;size:32" json:"channel"`
	FeatureSlugs datatypes.JSONSlice[string] `gorm:"column:feature_slugs;type:jsonb" json:"feature_slugs"`

	Status        Status        `gorm:"column:status;size:16;not null;default:'Draft';index" json:"status"`
	StatusNext    *Status       `gorm:"column:status_next;size:16" json:"status_next"`
	PublishStatus PublishStatus `gorm:"column:publish_status;size:16;not null;default:'Idle';index" json:"publish_status"`

	PopulationPercent float64 `gorm:"column:population_percent;type:numeric(7,4);not null;default:0" json:"population_percent" validate:"gte=0,lte=100"`

	FirefoxMinVersion   string                      `gorm:"column:firefox_min_version;size:32" json:"firefox_min_version"`
	FirefoxMaxVersion   string                      `gorm:"column:firefox_max_version;size:32" json:"firefox_max_version"`
	TargetingConfigSlug string                      `gorm:"column:targeting_config_slug;size:64" json:"targeting_config_slug"`
	Locales             datatypes.JSONSlice[string] `gorm:"column:locales;type:jsonb" json:"locales"`
	Countries           datatypes.JSONSlice[string] `gorm:"column:countries;type:jsonb" json:"countries"`
	Languages           datatypes.JSONSlice[string] `gorm:"column:languages;type:jsonb" json:"languages"`
	IsSticky            bool                        `gorm:"column:is_sticky;not null;default:false" json:"is_sticky"`
	IsRollout           bool                        `gorm:"column:is_rollout;not null;default:false" json:"is_rollout"`

	PreventPrefConflicts bool                        `gorm:"column:prevent_pref_conflicts;not null;default:false" json:"prevent_pref_conflicts"`
	SetPrefs             datatypes.JSONSlice[string] `gorm:"column:set_prefs;type:jsonb" json:"set_prefs"`

	IsArchived               bool   `gorm:"column:is_archived;not null;default:false" json:"is_archived"`
	QAStatus                 string `gorm:"column:qa_status;size:32" json:"qa_status"`
	QAComment                string `gorm:"column:qa_comment" json:"qa_comment"`
	TakeawaysSummary         string `gorm:"column:takeaways_summary" json:"takeaways_summary"`
	ConclusionRecommendation string `gorm:"column:conclusion_recommendation;size:64" json:"conclusion_recommendation"`

	PublishedDTO  datatypes.JSON `gorm:"column:published_dto;type:jsonb" json:"published_dto,omitempty"`
	PublishedDate *time.Time     `gorm:"column:published_date" json:"published_date"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Experiment) TableName() string {
	return "experiments"
}

func (e Experiment) IsDesktop() bool {
	return e.Application.Config().IsDesktop
}

// HasPublishedSnapshot reports whether a record for this experiment has
// been accepted by the record store at least once.
func (e Experiment) HasPublishedSnapshot() bool {
	return len(e.PublishedDTO) > 0 && string(e.PublishedDTO) != "null"
}

// PublishedField decodes a single top-level field of the published snapshot.
func (e Experiment) PublishedField(name string) (json.RawMessage, bool) {
	if !e.HasPublishedSnapshot() {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.PublishedDTO, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

// InvariantHolds checks the status_next / publish_status pairing.
func (e Experiment) InvariantHolds() bool {
	return e.PublishStatus.InFlight() == (e.StatusNext != nil)
}

// StatusPtr is a convenience for building nullable status values.
func StatusPtr(s Status) *Status {
	return &s
}

type ExperimentFilter struct {
	Applications    []Application
	Statuses        []Status
	PublishStatuses []PublishStatus
	StatusNext      *Status
	IsArchived      *bool
}

// Matches applies the filter in memory.
func (f ExperimentFilter) Matches(e Experiment) bool {
	if len(f.Applications) > 0 && !contains(f.Applications, e.Application) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
		return false
	}
	if len(f.PublishStatuses) > 0 && !contains(f.PublishStatuses, e.PublishStatus) {
		return false
	}
	if f.StatusNext != nil && (e.StatusNext == nil || *e.StatusNext != *f.StatusNext) {
		return false
	}
	if f.IsArchived != nil && e.IsArchived != *f.IsArchived {
		return false
	}
	return true
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
