package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPriority(t *testing.T) {
	t.Run("env vars should override file config", func(t *testing.T) {
		path := writeTempConfig(t,
			"port: 8000\n"+
				"debug: false\n"+
				"database:\n"+
				"  type: \"file-db\"\n"+
				"  dsn: \"file-dsn\"\n"+
				"admin:\n"+
				"  password: \"file-password\"\n"+
				"generation:\n"+
				"  gemini_api_key: \"file-gemini\"\n")

		t.Setenv("TUWEN_PORT", "9000")
		t.Setenv("TUWEN_DEBUG", "true")
		t.Setenv("TUWEN_DATABASE_TYPE", "env-db")
		t.Setenv("TUWEN_DATABASE_DSN", "env-dsn")
		t.Setenv("TUWEN_ADMIN_PASSWORD", "env-password")
		t.Setenv("TUWEN_GEMINI_API_KEY", "env-gemini")
		t.Setenv("TUWEN_GEMINI_API_KEYS", "env-a,env-b")
		t.Setenv("TUWEN_REDIS_URL", "redis://localhost:6379/0")

		cfg, _, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Port)
		assert.True(t, cfg.Debug)
		assert.Equal(t, "env-db", cfg.Database.Type)
		assert.Equal(t, "env-dsn", cfg.Database.DSN)
		assert.Equal(t, "env-password", cfg.Admin.Password)
		assert.Equal(t, "env-gemini", cfg.Generation.GeminiAPIKey)
		assert.Equal(t, []string{"env-gemini", "env-a", "env-b"}, cfg.Generation.APIKeys())
		assert.Equal(t, "redis://localhost:6379/0", cfg.RateLimit.RedisURL)
	})

	t.Run("file config is used when env vars are absent", func(t *testing.T) {
		path := writeTempConfig(t,
			"port: 8000\n"+
				"database:\n"+
				"  type: \"file-db\"\n"+
				"  dsn: \"file-dsn\"\n")

		cfg, _, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 8000, cfg.Port)
		assert.Equal(t, "file-db", cfg.Database.Type)
		assert.Equal(t, "file-dsn", cfg.Database.DSN)
	})

	t.Run("env vars alone are enough", func(t *testing.T) {
		t.Setenv("TUWEN_DATABASE_TYPE", "sqlite")
		t.Setenv("TUWEN_DATABASE_DSN", "file::memory:")

		cfg, _, err := LoadConfig("does-not-exist.yaml")
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Database.Type)
	})
}
