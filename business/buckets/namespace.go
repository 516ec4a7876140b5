package buckets

import (
	"slices"
	"strings"

	"experimenter/domain"
)

const (
	namespaceDelimiter = "-"
	rolloutSuffix      = "rollout"
)

// NamespaceKey identifies the isolation namespace an experiment allocates
// buckets in. The order of the components is part of the contract: changing
// it moves every experiment to a new namespace.
type NamespaceKey struct {
	Application     domain.Application
	FeatureSlugs    []string
	Channel         string
	TargetingConfig string
	IsRollout       bool
}

func KeyFor(e domain.Experiment) NamespaceKey {
	return NamespaceKey{
		Application:     e.Application,
		FeatureSlugs:    []string(e.FeatureSlugs),
		Channel:         e.Channel,
		TargetingConfig: e.TargetingConfigSlug,
		IsRollout:       e.IsRollout,
	}
}

// String composes [application, sorted features..., channel, targeting +
// "rollout" (rollouts only)] joined by "-". Empty components are skipped.
func (k NamespaceKey) String() string {
	features := slices.Clone(k.FeatureSlugs)
	slices.Sort(features)

	parts := []string{string(k.Application)}
	parts = append(parts, features...)
	if k.Channel != "" {
		parts = append(parts, k.Channel)
	}
	if k.IsRollout {
		if k.TargetingConfig != "" {
			parts = append(parts, k.TargetingConfig)
		}
		parts = append(parts, rolloutSuffix)
	}

	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, namespaceDelimiter)
}
