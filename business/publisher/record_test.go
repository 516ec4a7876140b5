//go:build !integration

package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"experimenter/domain"
)

func TestSerialize(t *testing.T) {
	published := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	exp := domain.Experiment{
		Slug:              "mobile-onboarding",
		Name:              "Mobile onboarding",
		PublicDescription: "Tries a shorter onboarding",
		Application:       domain.ApplicationFenix,
		Channel:           "beta",
		Locales:           datatypes.JSONSlice[string]{"fr", "de"},
		IsRollout:         true,
	}
	allocation := domain.BucketAllocation{
		Group: domain.IsolationGroup{Name: "fenix-nimbus-rollout-beta", Instance: 2, Total: 10000},
		Range: domain.BucketRange{Start: 1200, Count: 300},
	}

	raw, err := Serialize(exp, &allocation, &published)
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "mobile-onboarding", rec.ID)
	assert.Equal(t, "fenix", rec.AppName)
	assert.Equal(t, "org.mozilla.firefox", rec.AppID)
	assert.Equal(t, "beta", rec.Channel)
	assert.Equal(t, "Mobile onboarding", rec.UserFacingName)
	assert.True(t, rec.IsRollout)
	assert.Equal(t, []string{"de", "fr"}, rec.Locales)
	assert.Equal(t, []string{}, rec.FeatureIDs)
	assert.Equal(t, &BucketConfig{
		RandomizationUnit: "nimbus_id",
		Namespace:         "fenix-nimbus-rollout-beta-2",
		Start:             1200,
		Count:             300,
		Total:             10000,
	}, rec.BucketConfig)
	require.NotNil(t, rec.PublishedDate)
	assert.True(t, rec.PublishedDate.Equal(published))
}

func TestSerialize_DesktopAppName(t *testing.T) {
	raw, err := Serialize(domain.Experiment{Slug: "x", Application: domain.ApplicationDesktop}, nil, nil)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "firefox_desktop", fields["appName"])
	assert.Nil(t, fields["bucketConfig"])
	assert.Nil(t, fields["publishedDate"])
	assert.Equal(t, "true", fields["targeting"])
}

func TestSerialize_PublishedDateSurvivesStorage(t *testing.T) {
	exp := domain.Experiment{Slug: "x", Application: domain.ApplicationDesktop}
	pushed := time.Date(2024, 6, 1, 9, 30, 0, 123456789, time.UTC)
	stored := time.Date(2024, 6, 1, 11, 30, 0, 123456000, time.FixedZone("CEST", 2*60*60))

	a, err := Serialize(exp, nil, &pushed)
	require.NoError(t, err)
	b, err := Serialize(exp, nil, &stored)
	require.NoError(t, err)
	assert.True(t, sameRecord(a, b))
	assert.Contains(t, string(a), `"publishedDate":"2024-06-01T09:30:00.123456Z"`)
}

func TestSameRecord(t *testing.T) {
	a := json.RawMessage(`{"id":"x","count":1,"last_modified":10}`)
	b := json.RawMessage(`{"count":1,"id":"x","last_modified":42,"schema":7}`)
	c := json.RawMessage(`{"id":"x","count":2}`)

	assert.True(t, sameRecord(a, b))
	assert.False(t, sameRecord(a, c))
	assert.False(t, sameRecord(a, json.RawMessage(`not json`)))
}

func TestEtagOf(t *testing.T) {
	assert.Equal(t, "1700000000000", etagOf(json.RawMessage(`{"last_modified":1700000000000}`)))
	assert.Equal(t, "", etagOf(json.RawMessage(`{"id":"x"}`)))
	assert.Equal(t, "", etagOf(nil))
}
