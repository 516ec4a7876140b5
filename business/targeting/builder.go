package targeting

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"experimenter/domain"
)

// MatchEveryone is emitted when an experiment has no audience constraints.
const MatchEveryone = "true"

// Build returns the expression clients evaluate for e. Once a snapshot has
// been accepted by the record store, the recorded expression is returned so
// published clients never see it drift.
func Build(e domain.Experiment) string {
	if raw, ok := e.PublishedField("targeting"); ok {
		var recorded string
		if err := json.Unmarshal(raw, &recorded); err == nil && recorded != "" {
			return recorded
		}
	}
	return Compute(e)
}

// Compute derives the expression from the experiment's current fields.
func Compute(e domain.Experiment) string {
	app := e.Application.Config()
	cfg, _ := Lookup(e.TargetingConfigSlug)

	var stickyEligible []string
	if cfg.Expression != "" {
		stickyEligible = append(stickyEligible, cfg.Expression)
	}
	if e.FirefoxMinVersion != "" {
		stickyEligible = append(stickyEligible,
			"versionCompare("+app.VersionVar+", "+quote(MinVersionBound(e.FirefoxMinVersion))+") >= 0")
	}
	if len(e.Locales) > 0 && supports(e, app.LocaleTargetingMinVersion) {
		stickyEligible = append(stickyEligible, "locale in "+list(e.Locales))
	}
	if len(e.Languages) > 0 && supports(e, app.LanguageTargetingMinVersion) {
		stickyEligible = append(stickyEligible, "language in "+list(e.Languages))
	}
	if len(e.Countries) > 0 && supports(e, app.CountryTargetingMinVersion) {
		stickyEligible = append(stickyEligible, "region in "+list(e.Countries))
	}

	var alwaysLive []string
	if app.IsDesktop && e.Channel != "" {
		alwaysLive = append(alwaysLive, "browserSettings.update.channel == "+strconv.Quote(e.Channel))
	}
	if e.FirefoxMaxVersion != "" {
		alwaysLive = append(alwaysLive,
			"versionCompare("+app.VersionVar+", "+quote(MaxVersionBound(e.FirefoxMaxVersion))+") <= 0")
	}

	var clauses []string
	sticky := e.IsSticky || cfg.StickyRequired
	if sticky && len(stickyEligible) > 0 {
		clauses = append(clauses, stickyGuard(e, conjunction(stickyEligible)))
	} else {
		clauses = append(clauses, stickyEligible...)
	}
	clauses = append(clauses, alwaysLive...)

	if e.IsRollout && e.PreventPrefConflicts && app.IsDesktop && len(e.SetPrefs) > 0 {
		prefs := slices.Clone([]string(e.SetPrefs))
		slices.Sort(prefs)
		checks := make([]string, 0, len(prefs))
		for _, p := range prefs {
			checks = append(checks, "!preferenceIsUserSet("+quote(p)+")")
		}
		clauses = append(clauses, stickyGuard(e, conjunction(checks)))
	}

	if len(clauses) == 0 {
		return MatchEveryone
	}
	return conjunction(clauses)
}

// supports reports whether every client the experiment can reach is new
// enough to evaluate a predicate introduced in minVersion.
func supports(e domain.Experiment, minVersion string) bool {
	if minVersion == "" {
		return false
	}
	if e.FirefoxMinVersion == "" {
		return CompareVersions(minVersion, "1.!") <= 0
	}
	return CompareVersions(MinVersionBound(e.FirefoxMinVersion), minVersion) >= 0
}

func enrolledCheck(e domain.Experiment) string {
	switch {
	case !e.IsDesktop():
		return "is_already_enrolled"
	case e.IsRollout:
		return quote(e.Slug) + " in activeRollouts"
	default:
		return quote(e.Slug) + " in activeExperiments"
	}
}

func stickyGuard(e domain.Experiment, inner string) string {
	return "(" + enrolledCheck(e) + ") || (" + inner + ")"
}

func conjunction(clauses []string) string {
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		parts = append(parts, "("+c+")")
	}
	return strings.Join(parts, " && ")
}

func list(values []string) string {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	quoted := make([]string, 0, len(sorted))
	for _, v := range sorted {
		quoted = append(quoted, quote(v))
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
