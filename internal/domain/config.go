package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Backend     BackendConfig  `mapstructure:"backend"`
	Catalog     CatalogConfig  `mapstructure:"catalog"`
	Search      SearchConfig   `mapstructure:"search"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	StubAPI     StubAPIConfig  `mapstructure:"stub_api"`
	Feedback    FeedbackConfig `mapstructure:"feedback"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// BackendConfig represents the prediction backend client configuration
type BackendConfig struct {
	BaseURL        string               `mapstructure:"base_url"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	RateLimit      int                  `mapstructure:"rate_limit"` // requests per second
	RetryCount     int                  `mapstructure:"retry_count"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// CatalogConfig represents feature catalog configuration
type CatalogConfig struct {
	DefaultLocale   string `mapstructure:"default_locale"`
	LayoutCacheSize int    `mapstructure:"layout_cache_size"`
}

// SearchConfig represents patient search configuration
type SearchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// StubAPIConfig represents the reference backend configuration
type StubAPIConfig struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	Threshold float64 `mapstructure:"threshold"`
}

// FeedbackConfig represents the reference backend feedback storage
type FeedbackConfig struct {
	Driver      string `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url"`
}
