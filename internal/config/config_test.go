package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web-casa/dockerops/internal/model"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{"HOME": "/home/ops"}))
	require.NoError(t, err)

	assert.Equal(t, "/home/ops/.dockerops", cfg.DataDir)
	assert.Equal(t, "/home/ops/.dockerops/dockerops.db", cfg.DBPath)
	assert.Equal(t, model.PullIfNotPresent, cfg.ImagePullPolicy)
	assert.Equal(t, model.ScopeSource, cfg.ImageScope)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "1000", cfg.Owner)
	assert.Empty(t, cfg.Repos)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockerops.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/srv/dockerops"
image_pull_policy = "always"
image_scope = "global"
interval = "30s"
repos = ["https://github.com/acme/infra"]
owner = "deploy"
`), 0644))

	cfg, err := load(path, envMap(map[string]string{
		"DOCKEROPS_IMAGE_PULL_POLICY": "if_not_present",
		"DOCKEROPS_REPOS":             "github.com/a/b, ,github.com/c/d",
		"DOCKEROPS_LOG_LEVEL":         "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/srv/dockerops", cfg.DataDir)
	assert.Equal(t, "/srv/dockerops/dockerops.db", cfg.DBPath)
	assert.Equal(t, model.PullIfNotPresent, cfg.ImagePullPolicy)
	assert.Equal(t, model.ScopeGlobal, cfg.ImageScope)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, []string{"github.com/a/b", "github.com/c/d"}, cfg.Repos)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "deploy", cfg.Owner)
}

func TestLoadOwnerPrefersSudoUser(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{"SUDO_USER": "alice", "USER": "root"}))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Owner)

	cfg, err = load("", envMap(map[string]string{"USER": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Owner)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"pull policy": {"DOCKEROPS_IMAGE_PULL_POLICY": "sometimes"},
		"scope":       {"DOCKEROPS_IMAGE_SCOPE": "cluster"},
		"interval":    {"DOCKEROPS_INTERVAL": "-1s"},
		"log level":   {"DOCKEROPS_LOG_LEVEL": "chatty"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load("", envMap(env))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.toml"), envMap(nil))
	assert.Error(t, err)
}
