package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localgram/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
gateway_hosts = ["https://gateway.local:8443"]
channels = ["news", "tech"]
media_types = ["photo", "video"]
backfill_limit = 50
retry_attempts = 5
retry_delay = "500ms"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"news", "tech"}, cfg.Channels)
	assert.Equal(t, []string{"photo", "video"}, cfg.MediaTypes)
	assert.Equal(t, 50, cfg.BackfillLimit)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelayDuration())
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway_hosts = ["https://gateway.local:8443"]
channels = ["news"]
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultDatabase, cfg.Database)
	assert.Equal(t, config.DefaultDownloadPath, cfg.DownloadPath)
	assert.Equal(t, config.DefaultOutputPath, cfg.OutputPath)
	assert.Equal(t, config.DefaultBackfillLimit, cfg.BackfillLimit)
	assert.Equal(t, config.DefaultRenderLimit, cfg.RenderLimit)
	assert.Equal(t, config.DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, config.DefaultRetryDelay, cfg.RetryDelayDuration())
}

func TestLoadConfigMissingChannels(t *testing.T) {
	path := writeConfig(t, `
gateway_hosts = ["https://gateway.local:8443"]
channels = []
`)

	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingGatewayHosts(t *testing.T) {
	path := writeConfig(t, `
channels = ["news"]
`)

	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigUnknownMediaType(t *testing.T) {
	path := writeConfig(t, `
gateway_hosts = ["https://gateway.local:8443"]
channels = ["news"]
media_types = ["hologram"]
`)

	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
