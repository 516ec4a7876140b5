package domain

import (
	"encoding/json"
	"slices"
	"sort"
)

// Optional distinguishes an absent JSON field from one explicitly set,
// including explicitly set to null.
type Optional[T any] struct {
	Set   bool
	Value T
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	return json.Unmarshal(data, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ExperimentPatch is the set of proposed field values for one transition.
type ExperimentPatch struct {
	Name              Optional[string] `json:"name"`
	Owner             Optional[string] `json:"owner"`
	PublicDescription Optional[string] `json:"public_description"`
	Hypothesis        Optional[string] `json:"hypothesis"`

	Application  Optional[Application] `json:"application"`
	Channel      Optional[string]      `json:"channel"`
	FeatureSlugs Optional[[]string]    `json:"feature_slugs"`

	Status        Optional[Status]        `json:"status"`
	StatusNext    Optional[*Status]       `json:"status_next"`
	PublishStatus Optional[PublishStatus] `json:"publish_status"`

	PopulationPercent Optional[float64] `json:"population_percent"`

	FirefoxMinVersion   Optional[string]   `json:"firefox_min_version"`
	FirefoxMaxVersion   Optional[string]   `json:"firefox_max_version"`
	TargetingConfigSlug Optional[string]   `json:"targeting_config_slug"`
	Locales             Optional[[]string] `json:"locales"`
	Countries           Optional[[]string] `json:"countries"`
	Languages           Optional[[]string] `json:"languages"`
	IsSticky            Optional[bool]     `json:"is_sticky"`
	IsRollout           Optional[bool]     `json:"is_rollout"`

	PreventPrefConflicts Optional[bool]     `json:"prevent_pref_conflicts"`
	SetPrefs             Optional[[]string] `json:"set_prefs"`

	IsArchived               Optional[bool]   `json:"is_archived"`
	QAStatus                 Optional[string] `json:"qa_status"`
	QAComment                Optional[string] `json:"qa_comment"`
	TakeawaysSummary         Optional[string] `json:"takeaways_summary"`
	ConclusionRecommendation Optional[string] `json:"conclusion_recommendation"`
}

// Field names used by editability rules.
const (
	FieldName                     = "name"
	FieldOwner                    = "owner"
	FieldPublicDescription        = "public_description"
	FieldHypothesis               = "hypothesis"
	FieldApplication              = "application"
	FieldChannel                  = "channel"
	FieldFeatureSlugs             = "feature_slugs"
	FieldStatus                   = "status"
	FieldStatusNext               = "status_next"
	FieldPublishStatus            = "publish_status"
	FieldPopulationPercent        = "population_percent"
	FieldFirefoxMinVersion        = "firefox_min_version"
	FieldFirefoxMaxVersion        = "firefox_max_version"
	FieldTargetingConfigSlug      = "targeting_config_slug"
	FieldLocales                  = "locales"
	FieldCountries                = "countries"
	FieldLanguages                = "languages"
	FieldIsSticky                 = "is_sticky"
	FieldIsRollout                = "is_rollout"
	FieldPreventPrefConflicts     = "prevent_pref_conflicts"
	FieldSetPrefs                 = "set_prefs"
	FieldIsArchived               = "is_archived"
	FieldQAStatus                 = "qa_status"
	FieldQAComment                = "qa_comment"
	FieldTakeawaysSummary         = "takeaways_summary"
	FieldConclusionRecommendation = "conclusion_recommendation"
)

type patchField struct {
	name  string
	set   bool
	apply func(e *Experiment) (any, bool)
}

func (p ExperimentPatch) fields() []patchField {
	return []patchField{
		{FieldName, p.Name.Set, func(e *Experiment) (any, bool) { return assign(&e.Name, p.Name.Value) }},
		{FieldOwner, p.Owner.Set, func(e *Experiment) (any, bool) { return assign(&e.Owner, p.Owner.Value) }},
		{FieldPublicDescription, p.PublicDescription.Set, func(e *Experiment) (any, bool) {
			return assign(&e.PublicDescription, p.PublicDescription.Value)
		}},
		{FieldHypothesis, p.Hypothesis.Set, func(e *Experiment) (any, bool) { return assign(&e.Hypothesis, p.Hypothesis.Value) }},
		{FieldApplication, p.Application.Set, func(e *Experiment) (any, bool) { return assign(&e.Application, p.Application.Value) }},
		{FieldChannel, p.Channel.Set, func(e *Experiment) (any, bool) { return assign(&e.Channel, p.Channel.Value) }},
		{FieldFeatureSlugs, p.FeatureSlugs.Set, func(e *Experiment) (any, bool) {
			return assignSlice((*[]string)(&e.FeatureSlugs), p.FeatureSlugs.Value)
		}},
		{FieldStatus, p.Status.Set, func(e *Experiment) (any, bool) { return assign(&e.Status, p.Status.Value) }},
		{FieldStatusNext, p.StatusNext.Set, func(e *Experiment) (any, bool) {
			if sameStatus(e.StatusNext, p.StatusNext.Value) {
				return nil, false
			}
			if p.StatusNext.Value == nil {
				e.StatusNext = nil
				return nil, true
			}
			next := *p.StatusNext.Value
			e.StatusNext = &next
			return next, true
		}},
		{FieldPublishStatus, p.PublishStatus.Set, func(e *Experiment) (any, bool) {
			return assign(&e.PublishStatus, p.PublishStatus.Value)
		}},
		{FieldPopulationPercent, p.PopulationPercent.Set, func(e *Experiment) (any, bool) {
			return assign(&e.PopulationPercent, p.PopulationPercent.Value)
		}},
		{FieldFirefoxMinVersion, p.FirefoxMinVersion.Set, func(e *Experiment) (any, bool) {
			return assign(&e.FirefoxMinVersion, p.FirefoxMinVersion.Value)
		}},
		{FieldFirefoxMaxVersion, p.FirefoxMaxVersion.Set, func(e *Experiment) (any, bool) {
			return assign(&e.FirefoxMaxVersion, p.FirefoxMaxVersion.Value)
		}},
		{FieldTargetingConfigSlug, p.TargetingConfigSlug.Set, func(e *Experiment) (any, bool) {
			return assign(&e.TargetingConfigSlug, p.TargetingConfigSlug.Value)
		}},
		{FieldLocales, p.Locales.Set, func(e *Experiment) (any, bool) {
			return assignSlice((*[]string)(&e.Locales), p.Locales.Value)
		}},
		{FieldCountries, p.Countries.Set, func(e *Experiment) (any, bool) {
			return assignSlice((*[]string)(&e.Countries), p.Countries.Value)
		}},
		{FieldLanguages, p.Languages.Set, func(e *Experiment) (any, bool) {
			return assignSlice((*[]string)(&e.Languages), p.Languages.Value)
		}},
		{FieldIsSticky, p.IsSticky.Set, func(e *Experiment) (any, bool) { return assign(&e.IsSticky, p.IsSticky.Value) }},
		{FieldIsRollout, p.IsRollout.Set, func(e *Experiment) (any, bool) { return assign(&e.IsRollout, p.IsRollout.Value) }},
		{FieldPreventPrefConflicts, p.PreventPrefConflicts.Set, func(e *Experiment) (any, bool) {
			return assign(&e.PreventPrefConflicts, p.PreventPrefConflicts.Value)
		}},
		{FieldSetPrefs, p.SetPrefs.Set, func(e *Experiment) (any, bool) {
			return assignSlice((*[]string)(&e.SetPrefs), p.SetPrefs.Value)
		}},
		{FieldIsArchived, p.IsArchived.Set, func(e *Experiment) (any, bool) { return assign(&e.IsArchived, p.IsArchived.Value) }},
		{FieldQAStatus, p.QAStatus.Set, func(e *Experiment) (any, bool) { return assign(&e.QAStatus, p.QAStatus.Value) }},
		{FieldQAComment, p.QAComment.Set, func(e *Experiment) (any, bool) { return assign(&e.QAComment, p.QAComment.Value) }},
		{FieldTakeawaysSummary, p.TakeawaysSummary.Set, func(e *Experiment) (any, bool) {
			return assign(&e.TakeawaysSummary, p.TakeawaysSummary.Value)
		}},
		{FieldConclusionRecommendation, p.ConclusionRecommendation.Set, func(e *Experiment) (any, bool) {
			return assign(&e.ConclusionRecommendation, p.ConclusionRecommendation.Value)
		}},
	}
}

// Fields lists the names of all fields present in the patch, sorted.
func (p ExperimentPatch) Fields() []string {
	var out []string
	for _, f := range p.fields() {
		if f.set {
			out = append(out, f.name)
		}
	}
	sort.Strings(out)
	return out
}

func (p ExperimentPatch) Has(name string) bool {
	return slices.Contains(p.Fields(), name)
}

func (p ExperimentPatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Apply writes the present fields onto e and returns the values that
// actually changed, keyed by field name.
func (p ExperimentPatch) Apply(e *Experiment) map[string]any {
	changed := make(map[string]any)
	for _, f := range p.fields() {
		if !f.set {
			continue
		}
		if v, ok := f.apply(e); ok {
			changed[f.name] = v
		}
	}
	return changed
}

func assign[T comparable](dst *T, v T) (any, bool) {
	if *dst == v {
		return nil, false
	}
	*dst = v
	return v, true
}

func assignSlice(dst *[]string, v []string) (any, bool) {
	if slices.Equal(*dst, v) {
		return nil, false
	}
	*dst = slices.Clone(v)
	return v, true
}

func sameStatus(a, b *Status) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
