package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr           string        `mapstructure:"addr"`
		LogLevel       string        `mapstructure:"log_level"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"server"`

	Bridge struct {
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"bridge"`

	Storage struct {
		Driver     string `mapstructure:"driver"` // "sqlite" | "postgres" | "memory"
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`

	Listener struct {
		Channel          string `mapstructure:"channel"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"listener"`

	PartnerAPI struct {
		BaseURL   string        `mapstructure:"base_url"`
		Token     string        `mapstructure:"token"`
		Timeout   time.Duration `mapstructure:"timeout"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		CacheSize int           `mapstructure:"cache_size"`
	} `mapstructure:"partner_api"`

	Engine struct {
		Cooldown        time.Duration `mapstructure:"cooldown"`
		ActiveTTL       time.Duration `mapstructure:"active_ttl"`
		FallbackTTL     time.Duration `mapstructure:"fallback_ttl"`
		Countdown       time.Duration `mapstructure:"countdown"`
		Debounce        time.Duration `mapstructure:"debounce"`
		MaxInFlight     int           `mapstructure:"max_in_flight"`
		RedirectTimeout time.Duration `mapstructure:"redirect_timeout"`
		ClickWindow     time.Duration `mapstructure:"click_window"`
		PendingTTL      time.Duration `mapstructure:"pending_ttl"`
		UIEventTTL      time.Duration `mapstructure:"ui_event_ttl"`
		UIRetries       int           `mapstructure:"ui_retries"`
		SweepSchedule   string        `mapstructure:"sweep_schedule"`
		ExcludedHosts   []string      `mapstructure:"excluded_hosts"`
	} `mapstructure:"engine"`

	Preferences struct {
		RemindersEnabled bool `mapstructure:"reminders_enabled"`
		AutoActivate     bool `mapstructure:"auto_activate"`
	} `mapstructure:"preferences"`
}

func Load() Config {
	v := viper.New()
	v.SetConfigName("application")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	setDefaults(v)
	_ = v.ReadInConfig() // optional; env can fully configure

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("unable to decode config: %w", err))
	}
	validate(&cfg)
	return cfg
}

// setDefaults registers every key so AutomaticEnv can override keys absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("bridge.queue_size", 64)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "cashback.db")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db_name", "cashback")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
	v.SetDefault("listener.channel", "activation_change")
	v.SetDefault("listener.reconnect_seconds", 5)
	v.SetDefault("partner_api.base_url", "http://localhost:9090/api")
	v.SetDefault("partner_api.token", "")
	v.SetDefault("partner_api.timeout", "10s")
	v.SetDefault("partner_api.cache_ttl", "5m")
	v.SetDefault("partner_api.cache_size", 1024)
	v.SetDefault("engine.cooldown", "10m")
	v.SetDefault("engine.active_ttl", "10m")
	v.SetDefault("engine.fallback_ttl", "150s")
	v.SetDefault("engine.countdown", "3s")
	v.SetDefault("engine.debounce", "1500ms")
	v.SetDefault("engine.max_in_flight", 8)
	v.SetDefault("engine.redirect_timeout", "10s")
	v.SetDefault("engine.click_window", "10m")
	v.SetDefault("engine.pending_ttl", "10m")
	v.SetDefault("engine.ui_event_ttl", "15s")
	v.SetDefault("engine.ui_retries", 3)
	v.SetDefault("engine.sweep_schedule", "@every 1m")
	v.SetDefault("engine.excluded_hosts", []string{})
	v.SetDefault("preferences.reminders_enabled", true)
	v.SetDefault("preferences.auto_activate", true)
}

func validate(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = 64
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 2
	}
	if c.Listener.ReconnectSeconds <= 0 {
		c.Listener.ReconnectSeconds = 5
	}
	if c.PartnerAPI.Timeout <= 0 {
		c.PartnerAPI.Timeout = 10 * time.Second
	}
	if c.PartnerAPI.CacheSize <= 0 {
		c.PartnerAPI.CacheSize = 1024
	}
	if c.Engine.MaxInFlight <= 0 {
		c.Engine.MaxInFlight = 8
	}
	if c.Engine.UIRetries < 0 {
		c.Engine.UIRetries = 0
	}
	if c.Engine.SweepSchedule == "" {
		c.Engine.SweepSchedule = "@every 1m"
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

func (c Config) Backoff() time.Duration {
	return time.Duration(c.Listener.ReconnectSeconds) * time.Second
}
