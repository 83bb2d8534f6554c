package config

import (
	"testing"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadMap(t *testing.T, m map[string]any) *Config {
	t.Helper()
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(m, "."), nil))
	cfg, err := fromKoanf(k)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadMap(t, map[string]any{})

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "migrations", cfg.DB.MigrationsPath)
	assert.Equal(t, StorePostgres, cfg.Quota.Store)
	assert.Equal(t, 10, cfg.Chat.MaxRequestsPerMinute)
	assert.Equal(t, 30*time.Second, cfg.JWT.Leeway)
	assert.False(t, cfg.NATS.Enabled())
	assert.False(t, cfg.RateLimit.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	cfg := loadMap(t, map[string]any{
		"server.port":          "9090",
		"quota.store":          "Redis",
		"nats.url":             "nats://localhost:4222",
		"cors.allowed.origins": "https://app.example.com, https://www.example.com",
		"rate.limit.requests":  "30",
		"jwt.leeway":           "5s",
	})

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StoreRedis, cfg.Quota.Store)
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, []string{"https://app.example.com", "https://www.example.com"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.RateLimit.Enabled())
	assert.Equal(t, 5*time.Second, cfg.JWT.Leeway)
}

func TestLoad_InvalidLeeway(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(map[string]any{"jwt.leeway": "soon"}, "."), nil))
	_, err := fromKoanf(k)
	assert.Error(t, err)
}
