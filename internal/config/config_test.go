package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Jobs.Max)
	assert.Equal(t, 20, cfg.Jobs.CacheMax)
	assert.Equal(t, time.Hour, cfg.Jobs.CacheTTL)
	assert.Equal(t, 20, cfg.Jobs.RunnerThreads)
	assert.Equal(t, 20*time.Minute, cfg.Jobs.Timeout)
	assert.Equal(t, "pretty", cfg.Logger.Type)
	assert.Equal(t, 5*time.Second, cfg.WS.GracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Example.Step)
	assert.Empty(t, cfg.Auth.Users)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("VCAP_PORT", "8080")
	t.Setenv("JOBS_MAX", "1")
	t.Setenv("JOBS_CACHE_TTL", "60")
	t.Setenv("JOB_RUNNER_TIMEOUT", "0")
	t.Setenv("LOGGER_TYPE", "plain")
	t.Setenv("USERS", `{"alice":"wonderland"}`)
	t.Setenv("EXAMPLE_STEP", "10ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 1, cfg.Jobs.Max)
	assert.Equal(t, time.Minute, cfg.Jobs.CacheTTL)
	assert.Zero(t, cfg.Jobs.Timeout)
	assert.Equal(t, "plain", cfg.Logger.Type)
	assert.Equal(t, map[string]string{"alice": "wonderland"}, cfg.Auth.Users)
	assert.Equal(t, 10*time.Millisecond, cfg.Example.Step)

	t.Setenv("PORT", "9090")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoad_Manifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  max: 7
  cache_max: 50
auth:
  users:
    bob: builder
`), 0o600))

	t.Setenv("JOBS_CACHE_MAX", "40")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Jobs.Max)
	assert.Equal(t, 40, cfg.Jobs.CacheMax, "environment overrides the manifest")
	assert.Equal(t, map[string]string{"bob": "builder"}, cfg.Auth.Users)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_SecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoad_UnreadableSecretFile(t *testing.T) {
	for _, key := range []string{"USERS", "JWT_SECRET"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "")
			t.Setenv(key+"_FILE", filepath.Join(t.TempDir(), "missing"))

			cfg, err := Load("")
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), key+"_FILE")
		})
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string][2]string{
		"zero jobs max":      {"JOBS_MAX", "0"},
		"zero cache":         {"JOBS_CACHE_MAX", "0"},
		"zero threads":       {"JOB_RUNNER_THREADS", "0"},
		"negative timeout":   {"JOB_RUNNER_TIMEOUT", "-1"},
		"unknown logger":     {"LOGGER_TYPE", "fancy"},
		"malformed users":    {"USERS", "alice:wonderland"},
		"negative ratelimit": {"RATELIMIT_SUBMIT_PER_MIN", "-5"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
