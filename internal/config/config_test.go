package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	cfg, err := LoadServiceConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.Equal(t, 300*time.Second, cfg.CaptchaTimeout)
	assert.Equal(t, "./data/apikeys.json", cfg.KeystorePath)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadServiceConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("CAPTCHA_TIMEOUT", "30s")
	t.Setenv("DATA_DIR", "/var/lib/tenderd")
	t.Setenv("TENDERD_SEED_KEYS", "tnd_aaa, tnd_bbb,")
	t.Setenv("ADMIN_SECRET", "hunter2")

	cfg, err := LoadServiceConfig()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CaptchaTimeout)
	assert.Equal(t, "/var/lib/tenderd/apikeys.json", cfg.KeystorePath)
	assert.Equal(t, []string{"tnd_aaa", "tnd_bbb"}, cfg.SeedKeys)
	assert.Equal(t, "hunter2", cfg.AdminSecret)
}

func TestLoadServiceConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenderd.yaml")
	content := "port: \"7070\"\ncaptcha_timeout: 2m\nlog_format: console\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadServiceConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.CaptchaTimeout)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadServiceConfig_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenderd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7070\"\n"), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "6060")

	cfg, err := LoadServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "6060", cfg.Port)
}

func TestLoadServiceConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unclosed"), 0o600))

	t.Setenv("CONFIG_FILE", path)

	_, err := LoadServiceConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestGetSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("  s3cret\n"), 0o600))

	assert.Equal(t, "s3cret", GetSecretFile(path))
	assert.Equal(t, "", GetSecretFile(filepath.Join(dir, "missing")))
	assert.Equal(t, "", GetSecretFile(""))
}
