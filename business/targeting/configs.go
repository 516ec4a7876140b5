package targeting

import (
	"slices"
	"sort"

	"experimenter/domain"
)

// Config is a named, reusable audience predicate.
type Config struct {
	Slug         string
	Name         string
	Expression   string
	Applications []domain.Application
	// StickyRequired marks audiences that clients drift out of after
	// enrolling, such as first run.
	StickyRequired bool
}

var desktopOnly = []domain.Application{domain.ApplicationDesktop}

var mobileApps = []domain.Application{
	domain.ApplicationFenix,
	domain.ApplicationIOS,
	domain.ApplicationFocusAndroid,
	domain.ApplicationFocusIOS,
}

var allApps = append(slices.Clone(desktopOnly), mobileApps...)

var configs = map[string]Config{
	"no_targeting": {
		Slug:         "no_targeting",
		Name:         "No Targeting",
		Applications: allApps,
	},
	"first_run": {
		Slug:           "first_run",
		Name:           "First start-up users",
		Expression:     "isFirstStartup",
		Applications:   desktopOnly,
		StickyRequired: true,
	},
	"not_tcp_study": {
		Slug:         "not_tcp_study",
		Name:         "Exclude users in the TCP revenue study",
		Expression:   "!('tcp-revenue-study' in activeExperiments)",
		Applications: desktopOnly,
	},
	"windows_only": {
		Slug:         "windows_only",
		Name:         "Windows users only",
		Expression:   "os.isWindows == true",
		Applications: desktopOnly,
	},
	"existing_user": {
		Slug:         "existing_user",
		Name:         "Existing users (profile older than 28 days)",
		Expression:   "profileAgeCreated < currentDate - 2419200000",
		Applications: desktopOnly,
	},
	"new_android_users": {
		Slug:           "new_android_users",
		Name:           "New Android users",
		Expression:     "is_first_run",
		Applications:   []domain.Application{domain.ApplicationFenix, domain.ApplicationFocusAndroid},
		StickyRequired: true,
	},
	"mobile_new_users": {
		Slug:           "mobile_new_users",
		Name:           "New mobile users (installed within a week)",
		Expression:     "days_since_install < 7",
		Applications:   mobileApps,
		StickyRequired: true,
	},
	"mobile_recently_updated": {
		Slug:         "mobile_recently_updated",
		Name:         "Recently updated mobile users",
		Expression:   "days_since_update < 7 && days_since_install >= 7",
		Applications: mobileApps,
	},
}

// Lookup returns the targeting config with the given slug. The empty slug
// resolves to "no_targeting".
func Lookup(slug string) (Config, bool) {
	if slug == "" {
		slug = "no_targeting"
	}
	cfg, ok := configs[slug]
	return cfg, ok
}

// Supports reports whether the config may be used by app.
func (c Config) Supports(app domain.Application) bool {
	return slices.Contains(c.Applications, app)
}

// Configs lists every registered targeting config sorted by slug.
func Configs() []Config {
	out := make([]Config, 0, len(configs))
	for _, c := range configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
