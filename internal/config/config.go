package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host image

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Analytics   AnalyticsConfig `mapstructure:"analytics"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminAPIKey guards cache maintenance endpoints; empty disables them.
	AdminAPIKey string `mapstructure:"admin_api_key"`
	// Per-client limit on analytics requests; zero disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
}

// DSN returns DatabaseURL when set, otherwise a keyword/value connection string.
func (c DatabaseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	LogExport      bool    `mapstructure:"log_export"`
}

// AnalyticsConfig tunes the analysis engine and the service boundary around it.
type AnalyticsConfig struct {
	ConcurrencyLimit    int     `mapstructure:"concurrency_limit"`
	CallTimeout         string  `mapstructure:"call_timeout"`
	CacheTTL            string  `mapstructure:"cache_ttl"`
	CacheBackend        string  `mapstructure:"cache_backend"`
	HRVManualMaxGapDays int     `mapstructure:"hrv_manual_max_gap_days"`
	ModelDir            string  `mapstructure:"model_dir"`
	ClusterCount        int     `mapstructure:"cluster_count"`
	CorrelationMinAbs   float64 `mapstructure:"correlation_min_abs"`
	ForecastHorizon     int     `mapstructure:"forecast_horizon"`
	// IANA zone for sleep clock times; stored timestamps come back in UTC.
	TimeZone string `mapstructure:"time_zone"`

	// Row-store circuit breaker.
	BreakerFailureThreshold int    `mapstructure:"breaker_failure_threshold"`
	BreakerOpenTimeout      string `mapstructure:"breaker_open_timeout"`
}

// GetCallTimeout parses CallTimeout. Load has already validated it.
func (c AnalyticsConfig) GetCallTimeout() time.Duration {
	d, _ := time.ParseDuration(c.CallTimeout)
	return d
}

func (c AnalyticsConfig) GetCacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.CacheTTL)
	return d
}

func (c AnalyticsConfig) GetBreakerOpenTimeout() time.Duration {
	d, _ := time.ParseDuration(c.BreakerOpenTimeout)
	return d
}

// GetLocation resolves TimeZone, falling back to UTC.
func (c AnalyticsConfig) GetLocation() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)
	config.Analytics.CacheBackend = strings.ToLower(config.Analytics.CacheBackend)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive, got %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return errors.New("server rate limit must not be negative")
	}

	a := c.Analytics
	if a.ConcurrencyLimit <= 0 {
		return fmt.Errorf("analytics concurrency limit must be positive, got %d", a.ConcurrencyLimit)
	}
	if err := positiveDuration("analytics call timeout", a.CallTimeout); err != nil {
		return err
	}
	if err := positiveDuration("analytics cache ttl", a.CacheTTL); err != nil {
		return err
	}
	if a.CacheBackend != CacheBackendMemory && a.CacheBackend != CacheBackendRedis {
		return fmt.Errorf("analytics cache backend must be %q or %q, got %q",
			CacheBackendMemory, CacheBackendRedis, a.CacheBackend)
	}
	if a.HRVManualMaxGapDays < 0 {
		return fmt.Errorf("hrv manual max gap days must not be negative, got %d", a.HRVManualMaxGapDays)
	}
	if a.ModelDir == "" {
		return errors.New("analytics model dir is required")
	}
	if a.ClusterCount < 2 {
		return fmt.Errorf("analytics cluster count must be at least 2, got %d", a.ClusterCount)
	}
	if a.CorrelationMinAbs < 0 || a.CorrelationMinAbs > 1 {
		return fmt.Errorf("correlation min abs must be within [0, 1], got %v", a.CorrelationMinAbs)
	}
	if a.ForecastHorizon <= 0 {
		return fmt.Errorf("forecast horizon must be positive, got %d", a.ForecastHorizon)
	}
	if a.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", a.BreakerFailureThreshold)
	}
	if err := positiveDuration("breaker open timeout", a.BreakerOpenTimeout); err != nil {
		return err
	}
	if _, err := time.LoadLocation(a.TimeZone); err != nil {
		return fmt.Errorf("invalid analytics time zone %q: %w", a.TimeZone, err)
	}
	return nil
}

func positiveDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.admin_api_key", "")
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.rate_limit_burst", 40)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "vitals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "vitals-analytics")
	v.SetDefault("telemetry.service_version", "1.0.0")
	v.SetDefault("telemetry.sample_rate", 0.2)
	v.SetDefault("telemetry.log_export", false)

	v.SetDefault("analytics.concurrency_limit", 4)
	v.SetDefault("analytics.call_timeout", "30s")
	v.SetDefault("analytics.cache_ttl", "5m")
	v.SetDefault("analytics.cache_backend", CacheBackendMemory)
	v.SetDefault("analytics.hrv_manual_max_gap_days", 3)
	v.SetDefault("analytics.model_dir", "./var/models")
	v.SetDefault("analytics.cluster_count", 3)
	v.SetDefault("analytics.correlation_min_abs", 0.3)
	v.SetDefault("analytics.forecast_horizon", 7)
	v.SetDefault("analytics.time_zone", "UTC")
	v.SetDefault("analytics.breaker_failure_threshold", 5)
	v.SetDefault("analytics.breaker_open_timeout", "30s")
}
