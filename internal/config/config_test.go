package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromYAMLFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
  read_timeout: 5s
upstream:
  api_key: file-key
  credential_mode: auto
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ARK_API_KEY", "env-key")
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("RATE_LIMIT_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "env-key", cfg.Upstream.APIKey)
	assert.Equal(t, CredentialModeAuto, cfg.Upstream.CredentialMode)
	assert.Equal(t, DefaultUpstreamURL, cfg.Upstream.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Security.RateLimitEnabled)
	assert.Equal(t, "0.0.0.0:9090", cfg.GetAddress())
}

func TestValidateServerModeRequiresKey(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARK_API_KEY")

	cfg.Upstream.CredentialMode = CredentialModeClient
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "k"
	cfg.Server.Port = 0
	cfg.Upstream.CredentialMode = "magic"
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "CREDENTIAL_MODE")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestValidateDisablesRateLimitWithoutRPS(t *testing.T) {
	cfg := Default()
	cfg.Upstream.APIKey = "k"
	cfg.Security.RateLimitEnabled = true
	cfg.Security.RateLimitRPS = 0

	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Security.RateLimitEnabled)
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"upstream":{"credential_mode":"client"},"storage":{"database_path":"x.db"}}`), 0o600))

	cfg := Default()
	require.NoError(t, loadFromFile(path, cfg))
	assert.Equal(t, CredentialModeClient, cfg.Upstream.CredentialMode)
	assert.Equal(t, "x.db", cfg.Storage.DatabasePath)

	assert.Error(t, loadFromFile(filepath.Join(dir, "config.toml"), cfg))
}

func TestObjectStoreEnabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.ObjectStoreEnabled())

	cfg.ObjectStore.Enabled = true
	assert.True(t, cfg.ObjectStoreEnabled())

	cfg.ObjectStore.Region = ""
	assert.False(t, cfg.ObjectStoreEnabled())

	cfg.ObjectStore.Endpoint = "http://localhost:9000"
	assert.True(t, cfg.ObjectStoreEnabled())
}
