package domain

import "sort"

type Application string

const (
	ApplicationDesktop      Application = "firefox-desktop"
	ApplicationFenix        Application = "fenix"
	ApplicationIOS          Application = "ios"
	ApplicationFocusAndroid Application = "focus-android"
	ApplicationFocusIOS     Application = "focus-ios"
)

// ApplicationConfig describes what a client application understands.
// Targeting thresholds are the lowest client versions able to evaluate the
// corresponding predicate; an empty threshold means unsupported.
type ApplicationConfig struct {
	Name        Application
	AppID       string
	IsDesktop   bool
	VersionVar  string
	Collection  string
	Channels    []string
	Randomizing string

	LocaleTargetingMinVersion   string
	LanguageTargetingMinVersion string
	CountryTargetingMinVersion  string
}

var applications = map[Application]ApplicationConfig{
	ApplicationDesktop: {
		Name:                       ApplicationDesktop,
		AppID:                      "firefox-desktop",
		IsDesktop:                  true,
		VersionVar:                 "version",
		Collection:                 "nimbus-desktop-experiments",
		Channels:                   []string{"nightly", "beta", "release", "esr"},
		Randomizing:                "normandy_id",
		LocaleTargetingMinVersion:  "1.!",
		CountryTargetingMinVersion: "1.!",
	},
	ApplicationFenix: {
		Name:                        ApplicationFenix,
		AppID:                       "org.mozilla.firefox",
		VersionVar:                  "app_version",
		Collection:                  "nimbus-mobile-experiments",
		Channels:                    []string{"nightly", "beta", "release"},
		Randomizing:                 "nimbus_id",
		LocaleTargetingMinVersion:   "102.!",
		LanguageTargetingMinVersion: "1.!",
		CountryTargetingMinVersion:  "102.!",
	},
	ApplicationIOS: {
		Name:                        ApplicationIOS,
		AppID:                       "org.mozilla.ios.Firefox",
		VersionVar:                  "app_version",
		Collection:                  "nimbus-mobile-experiments",
		Channels:                    []string{"developer", "beta", "release"},
		Randomizing:                 "nimbus_id",
		LocaleTargetingMinVersion:   "101.!",
		LanguageTargetingMinVersion: "1.!",
		CountryTargetingMinVersion:  "101.!",
	},
	ApplicationFocusAndroid: {
		Name:                        ApplicationFocusAndroid,
		AppID:                       "org.mozilla.focus",
		VersionVar:                  "app_version",
		Collection:                  "nimbus-mobile-experiments",
		Channels:                    []string{"nightly", "beta", "release"},
		Randomizing:                 "nimbus_id",
		LanguageTargetingMinVersion: "1.!",
	},
	ApplicationFocusIOS: {
		Name:                        ApplicationFocusIOS,
		AppID:                       "org.mozilla.ios.Focus",
		VersionVar:                  "app_version",
		Collection:                  "nimbus-mobile-experiments",
		Channels:                    []string{"developer", "beta", "release"},
		Randomizing:                 "nimbus_id",
		LanguageTargetingMinVersion: "1.!",
	},
}

func (a Application) Valid() bool {
	_, ok := applications[a]
	return ok
}

// Config returns the registered configuration, or a zero value carrying
// only the name for unknown applications.
func (a Application) Config() ApplicationConfig {
	if cfg, ok := applications[a]; ok {
		return cfg
	}
	return ApplicationConfig{Name: a, VersionVar: "app_version"}
}

func Applications() []Application {
	out := make([]Application, 0, len(applications))
	for name := range applications {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CollectionsByName groups applications by record store collection, with
// optional per-application overrides.
func CollectionsByName(overrides map[Application]string) map[string][]Application {
	out := make(map[string][]Application)
	for _, app := range Applications() {
		collection := applications[app].Collection
		if override, ok := overrides[app]; ok && override != "" {
			collection = override
		}
		out[collection] = append(out[collection], app)
	}
	return out
}
