package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("APP_ENGINE_COOLDOWN", "2m")
	t.Setenv("APP_STORAGE_DRIVER", "postgres")
	t.Setenv("APP_PREFERENCES_AUTO_ACTIVATE", "false")

	cfg := Load()

	assert.Equal(t, 2*time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.False(t, cfg.Preferences.AutoActivate)
	assert.Equal(t, 150*time.Second, cfg.Engine.FallbackTTL)
	assert.Equal(t, 3*time.Second, cfg.Engine.Countdown)
}

func TestValidate_FillsZeroValues(t *testing.T) {
	var c Config
	validate(&c)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "sqlite", c.Storage.Driver)
	assert.Equal(t, 5432, c.Postgres.Port)
	assert.Equal(t, 8, c.Engine.MaxInFlight)
	assert.Equal(t, "@every 1m", c.Engine.SweepSchedule)
	assert.Equal(t, 5*time.Second, c.Backoff())
	assert.Equal(t, 30*time.Second, c.Server.RequestTimeout)
	assert.Equal(t, 64, c.Bridge.QueueSize)
}

func TestDSN(t *testing.T) {
	var c Config
	c.Postgres.User = "u"
	c.Postgres.Password = "p"
	c.Postgres.Host = "db"
	c.Postgres.Port = 5433
	c.Postgres.DBName = "cb"
	c.Postgres.SSLMode = "require"

	assert.Equal(t, "postgres://u:p@db:5433/cb?sslmode=require", c.DSN())
}
