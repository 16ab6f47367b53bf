package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Redis configuration (optional rate-limit counter store)
	Redis RedisConfig `mapstructure:"redis"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Session and refresh token lifetimes
	Tokens TokenConfig `mapstructure:"tokens"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Circuit breaker configuration
	Breaker BreakerConfig `mapstructure:"breaker"`

	// Audit configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Housekeeping configuration
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`

	// Downstream services keyed by service name
	Services map[string]ServiceConfig `mapstructure:"services"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address for the Redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// TokenConfig holds session and refresh token lifetimes, in seconds
type TokenConfig struct {
	SessionTTL        int `mapstructure:"session_ttl"`
	RefreshTTL        int `mapstructure:"refresh_ttl"`
	AccessTTL         int `mapstructure:"access_ttl"`
	InactivityCeiling int `mapstructure:"inactivity_ceiling"`
	MaxFailedLogins   int `mapstructure:"max_failed_logins"`
	LockoutMinutes    int `mapstructure:"lockout_minutes"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool                  `mapstructure:"enabled"`
	Store         string                `mapstructure:"store"` // postgres or redis
	WindowSeconds int                   `mapstructure:"window_seconds"`
	MaxRequests   int                   `mapstructure:"max_requests"`
	RetentionMins int                   `mapstructure:"retention_mins"`
	FailurePolicy string                `mapstructure:"failure_policy"` // open or closed
	Routes        map[string]RouteLimit `mapstructure:"routes"`
}

// RouteLimit overrides the window and ceiling for a single route
type RouteLimit struct {
	WindowSeconds int    `mapstructure:"window_seconds"`
	MaxRequests   int    `mapstructure:"max_requests"`
	FailurePolicy string `mapstructure:"failure_policy"`
}

// BreakerConfig holds default circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int  `mapstructure:"failure_threshold"`
	TimeoutMs        int  `mapstructure:"timeout_ms"`
	ResetTimeoutMs   int  `mapstructure:"reset_timeout_ms"`
	CountClientErrs  bool `mapstructure:"count_client_errors"`
}

// ServiceConfig describes one downstream service
type ServiceConfig struct {
	URL              string `mapstructure:"url"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
	TimeoutMs        int    `mapstructure:"timeout_ms"`
	ResetTimeoutMs   int    `mapstructure:"reset_timeout_ms"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// HousekeepingConfig holds background sweep configuration
type HousekeepingConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
}

// Interval returns the sweep interval as a duration
func (c HousekeepingConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/medessence")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "medessence")
	viper.SetDefault("database.user", "medessence")
	viper.SetDefault("database.ssl_mode", "require")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// JWT defaults
	viper.SetDefault("jwt.issuer", "medessence-gateway")
	viper.SetDefault("jwt.audience", "medessence-users")

	// Token defaults
	viper.SetDefault("tokens.session_ttl", 8*3600)
	viper.SetDefault("tokens.refresh_ttl", 7*24*3600)
	viper.SetDefault("tokens.access_ttl", 900)
	viper.SetDefault("tokens.inactivity_ceiling", 2*3600)
	viper.SetDefault("tokens.max_failed_logins", 5)
	viper.SetDefault("tokens.lockout_minutes", 30)

	// Rate limiting defaults: 15-minute fixed windows, entries kept
	// for one hour after the window closes
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.store", "postgres")
	viper.SetDefault("rate_limit.window_seconds", 900)
	viper.SetDefault("rate_limit.max_requests", 100)
	viper.SetDefault("rate_limit.retention_mins", 60)
	viper.SetDefault("rate_limit.failure_policy", "closed")

	// Breaker defaults
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.timeout_ms", 10000)
	viper.SetDefault("breaker.reset_timeout_ms", 60000)
	viper.SetDefault("breaker.count_client_errors", false)

	// Audit defaults
	viper.SetDefault("audit.retention_days", 365)

	// Housekeeping defaults
	viper.SetDefault("housekeeping.enabled", true)
	viper.SetDefault("housekeeping.interval_seconds", 300)

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.RateLimit.Store != "postgres" && config.RateLimit.Store != "redis" {
		return fmt.Errorf("invalid rate limit store: %s", config.RateLimit.Store)
	}

	switch config.RateLimit.FailurePolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("invalid rate limit failure policy: %s", config.RateLimit.FailurePolicy)
	}

	if config.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention must be positive: %d", config.Audit.RetentionDays)
	}

	for name, svc := range config.Services {
		if svc.URL == "" {
			return fmt.Errorf("service %s has no URL", name)
		}
	}

	return nil
}

// BreakerFor returns the effective breaker settings for a service,
// falling back to the global defaults
func (c *Config) BreakerFor(serviceName string) BreakerConfig {
	out := c.Breaker
	if svc, ok := c.Services[serviceName]; ok {
		if svc.FailureThreshold > 0 {
			out.FailureThreshold = svc.FailureThreshold
		}
		if svc.TimeoutMs > 0 {
			out.TimeoutMs = svc.TimeoutMs
		}
		if svc.ResetTimeoutMs > 0 {
			out.ResetTimeoutMs = svc.ResetTimeoutMs
		}
	}
	return out
}

// LimitFor returns the effective rate limit settings for a route,
// falling back to the global defaults
func (c *Config) LimitFor(route string) RouteLimit {
	out := RouteLimit{
		WindowSeconds: c.RateLimit.WindowSeconds,
		MaxRequests:   c.RateLimit.MaxRequests,
		FailurePolicy: c.RateLimit.FailurePolicy,
	}
	if rl, ok := c.RateLimit.Routes[route]; ok {
		if rl.WindowSeconds > 0 {
			out.WindowSeconds = rl.WindowSeconds
		}
		if rl.MaxRequests > 0 {
			out.MaxRequests = rl.MaxRequests
		}
		if rl.FailurePolicy != "" {
			out.FailurePolicy = rl.FailurePolicy
		}
	}
	return out
}
