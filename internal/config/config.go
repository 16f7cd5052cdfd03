package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type AccountingConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	TenantID     string        `mapstructure:"tenant_id"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	AccessToken  string        `mapstructure:"access_token"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PageSize     int           `mapstructure:"page_size"`
}

type SyncConfig struct {
	MinCallInterval        time.Duration `mapstructure:"min_call_interval"`
	MaxRetries             int           `mapstructure:"max_retries"`
	InitialBackoff         time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	RateLimitBackoffFactor float64       `mapstructure:"rate_limit_backoff_multiplier"`
	SessionTimeout         time.Duration `mapstructure:"session_timeout"`
	StaleCheckpointAfter   time.Duration `mapstructure:"stale_checkpoint_after"`
	SessionFreshnessWindow time.Duration `mapstructure:"session_freshness_window"`
	MaxErrorDetails        int           `mapstructure:"max_error_details"`
	MaxPages               int           `mapstructure:"max_pages"`
}

type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DailyAt  string `mapstructure:"daily_at"`
	Timezone string `mapstructure:"timezone"`
}

type AuditConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("accounting.base_url", "https://api.xero.com/api.xro/2.0")
	v.SetDefault("accounting.tenant_id", "")
	v.SetDefault("accounting.token_url", "https://identity.xero.com/connect/token")
	v.SetDefault("accounting.client_id", "")
	v.SetDefault("accounting.client_secret", "")
	v.SetDefault("accounting.access_token", "")
	v.SetDefault("accounting.scopes", []string{"accounting.transactions.read", "accounting.contacts.read", "accounting.settings.read"})
	v.SetDefault("accounting.timeout", "30s")
	v.SetDefault("accounting.page_size", 100)

	v.SetDefault("sync.min_call_interval", "1s")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.initial_backoff", "1s")
	v.SetDefault("sync.max_backoff", "60s")
	v.SetDefault("sync.rate_limit_backoff_multiplier", 4.0)
	v.SetDefault("sync.session_timeout", "30m")
	v.SetDefault("sync.stale_checkpoint_after", "45m")
	v.SetDefault("sync.session_freshness_window", "45m")
	v.SetDefault("sync.max_error_details", 50)
	v.SetDefault("sync.max_pages", 10000)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.daily_at", "02:00")
	v.SetDefault("schedule.timezone", "UTC")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.base_url", "")
	v.SetDefault("audit.api_key", "")
	v.SetDefault("audit.agent", "ledgersync")
	v.SetDefault("audit.timeout", "3s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Sync.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// validate requires both takeover windows to outlast the session deadline.
func (s SyncConfig) validate() error {
	if s.SessionTimeout <= 0 {
		return fmt.Errorf("sync.session_timeout must be positive, got %s", s.SessionTimeout)
	}
	if s.SessionFreshnessWindow <= s.SessionTimeout {
		return fmt.Errorf("sync.session_freshness_window (%s) must exceed sync.session_timeout (%s)", s.SessionFreshnessWindow, s.SessionTimeout)
	}
	if s.StaleCheckpointAfter <= s.SessionTimeout {
		return fmt.Errorf("sync.stale_checkpoint_after (%s) must exceed sync.session_timeout (%s)", s.StaleCheckpointAfter, s.SessionTimeout)
	}
	return nil
}
