//go:build !integration

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("REMOTE_SETTINGS_URL", "http://kinto:8888/v1")
	t.Setenv("REMOTE_SETTINGS_COLLECTIONS", "fenix=nimbus-fenix, ios=nimbus-ios")
	t.Setenv("PUBLISHER_REVIEW_TIMEOUT", "90m")
	t.Setenv("LAUNCHING_DISABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "main-workspace", cfg.RemoteSettings.WorkspaceBucket)
	assert.Equal(t, "nimbus-preview", cfg.RemoteSettings.PreviewCollection)
	assert.Equal(t, map[string]string{"fenix": "nimbus-fenix", "ios": "nimbus-ios"}, cfg.RemoteSettings.CollectionOverrides)
	assert.Equal(t, 90*time.Minute, cfg.Publisher.ReviewTimeout)
	assert.Equal(t, time.Minute, cfg.Publisher.PollInterval)
	assert.Equal(t, 10000, cfg.Publisher.BucketTotal)
	assert.True(t, cfg.Features.LaunchingDisabled)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_RequiresRemoteSettingsURL(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("REMOTE_SETTINGS_URL", "")

	_, err := Load()
	require.EqualError(t, err, "missing remote settings url")
}

func TestParseOverrides(t *testing.T) {
	_, err := parseOverrides("fenix")
	require.Error(t, err)

	out, err := parseOverrides("")
	require.NoError(t, err)
	assert.Empty(t, out)
}
