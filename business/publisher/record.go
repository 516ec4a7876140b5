package publisher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"experimenter/business/targeting"
	"experimenter/domain"
)

const schemaVersion = "1.12.0"

// Record is the payload pushed to the record store for one experiment.
type Record struct {
	ID                    string        `json:"id"`
	Slug                  string        `json:"slug"`
	SchemaVersion         string        `json:"schemaVersion"`
	AppName               string        `json:"appName"`
	AppID                 string        `json:"appId"`
	Channel               string        `json:"channel"`
	UserFacingName        string        `json:"userFacingName"`
	UserFacingDescription string        `json:"userFacingDescription"`
	IsEnrollmentPaused    bool          `json:"isEnrollmentPaused"`
	IsRollout             bool          `json:"isRollout"`
	BucketConfig          *BucketConfig `json:"bucketConfig"`
	FeatureIDs            []string      `json:"featureIds"`
	Targeting             string        `json:"targeting"`
	Locales               []string      `json:"locales"`
	PublishedDate         *time.Time    `json:"publishedDate"`
}

type BucketConfig struct {
	RandomizationUnit string `json:"randomizationUnit"`
	Namespace         string `json:"namespace"`
	Start             int    `json:"start"`
	Count             int    `json:"count"`
	Total             int    `json:"total"`
}

// Serialize renders the record for e. Targeting is computed fresh so that
// updates of live rollouts carry the current audience.
func Serialize(e domain.Experiment, allocation *domain.BucketAllocation, publishedDate *time.Time) (json.RawMessage, error) {
	app := e.Application.Config()
	rec := Record{
		ID:                    e.Slug,
		Slug:                  e.Slug,
		SchemaVersion:         schemaVersion,
		AppName:               strings.ReplaceAll(string(e.Application), "-", "_"),
		AppID:                 app.AppID,
		Channel:               e.Channel,
		UserFacingName:        e.Name,
		UserFacingDescription: e.PublicDescription,
		IsRollout:             e.IsRollout,
		FeatureIDs:            slices.Clone([]string(e.FeatureSlugs)),
		Targeting:             targeting.Compute(e),
		PublishedDate:         publishedDate,
	}
	if publishedDate != nil {
		// stored timestamps keep microseconds, so a round trip renders the same
		t := publishedDate.UTC().Truncate(time.Microsecond)
		rec.PublishedDate = &t
	}
	if len(e.Locales) > 0 {
		rec.Locales = slices.Sorted(slices.Values([]string(e.Locales)))
	}
	if rec.FeatureIDs == nil {
		rec.FeatureIDs = []string{}
	}
	if allocation != nil {
		rec.BucketConfig = &BucketConfig{
			RandomizationUnit: app.Randomizing,
			Namespace:         fmt.Sprintf("%s-%d", allocation.Group.Name, allocation.Group.Instance),
			Start:             allocation.Range.Start,
			Count:             allocation.Range.Count,
			Total:             allocation.Group.Total,
		}
	}
	return json.Marshal(rec)
}

// sameRecord compares two payloads ignoring key order and the store
// maintained fields.
func sameRecord(a, b json.RawMessage) bool {
	var x, y map[string]any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	for _, k := range []string{"last_modified", "schema"} {
		delete(x, k)
		delete(y, k)
	}
	return reflect.DeepEqual(x, y)
}

// etagOf returns the record version the store stamped on a payload.
func etagOf(raw json.RawMessage) string {
	var meta struct {
		LastModified json.Number `json:"last_modified"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.LastModified.String()
}
