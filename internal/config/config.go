package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the immutable configuration snapshot for the gateway process.
// It is built once at startup by the Loader; no component reads the
// environment after that.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	JWT            JWTConfig            `yaml:"jwt"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	Redis          RedisConfig          `yaml:"redis"`
	Database       DatabaseConfig       `yaml:"database"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	SSLEnabled       bool   `yaml:"ssl_enabled"`
	SSLCertPath      string `yaml:"ssl_cert_path"`
	SSLKeyPath       string `yaml:"ssl_key_path"`
	RoutesFile       string `yaml:"routes_file"`
	ServicesFile     string `yaml:"services_file"`
	ReadinessService string `yaml:"readiness_service"`
	ServiceName      string `yaml:"service_name"`
	// GRPCHealthAddr enables the grpc.health.v1 probe listener when set.
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JWTConfig holds token validation settings.
type JWTConfig struct {
	SecretKey             string `yaml:"secret_key"`
	Algorithm             string `yaml:"algorithm"`
	ExpirationMinutes     int    `yaml:"expiration_minutes"`
	PublicKeyPath         string `yaml:"public_key_path"`
	RefreshExpirationDays int    `yaml:"refresh_expiration_days"`
	RefreshRotation       bool   `yaml:"refresh_rotation_enabled"`
}

// RefreshTTL returns the refresh token lifetime.
func (j JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(j.RefreshExpirationDays) * 24 * time.Hour
}

// APIKeyConfig holds API key authentication settings.
type APIKeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
}

// RedisConfig holds fast-KV connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig holds durable-store connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// DiscoveryConfig selects and configures the service discovery backend.
type DiscoveryConfig struct {
	Type   string       `yaml:"type"` // static, nacos, consul
	Nacos  NacosConfig  `yaml:"nacos"`
	Consul ConsulConfig `yaml:"consul"`
}

// NacosConfig holds Nacos naming service settings.
type NacosConfig struct {
	ServerAddresses string `yaml:"server_addresses"`
	Namespace       string `yaml:"namespace"`
	Group           string `yaml:"group"`
}

// ConsulConfig holds Consul settings.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	PerMinute      int  `yaml:"per_minute"`
	PerHour        int  `yaml:"per_hour"`
	PerDay         int  `yaml:"per_day"`
	StorageEnabled bool `yaml:"storage_enabled"`
	StorageAsync   bool `yaml:"storage_async"`
	RetentionDays  int  `yaml:"retention_days"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
	HalfOpenMaxCalls int  `yaml:"half_open_max_calls"`
}

// Timeout returns the open-state cool-off duration.
func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MaxAttempts     int     `yaml:"max_attempts"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	MaxDelaySeconds int     `yaml:"max_delay_seconds"`
	// BackoffFormula selects the delay exponent: "legacy" uses
	// backoff_factor^attempt with attempt starting at 0 (first delay is
	// always 1s); "scaled" uses backoff_factor^(attempt+1).
	BackoffFormula string `yaml:"backoff_formula"`
}

// LoadBalancerConfig holds balancer settings.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"` // round_robin, least_connections, weighted_round_robin, random
}

// LoggingConfig holds log stream settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			RoutesFile:       "configs/routes.yaml",
			ServicesFile:     "configs/services.yaml",
			ReadinessService: "auth-service",
			ServiceName:      "gateway-service",
		},
		JWT: JWTConfig{
			Algorithm:             "HS256",
			ExpirationMinutes:     30,
			RefreshExpirationDays: 7,
			RefreshRotation:       true,
		},
		APIKey: APIKeyConfig{
			Enabled: true,
			Header:  "X-API-Key",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			User: "gateway_user",
			Name: "gateway_db",
		},
		Discovery: DiscoveryConfig{
			Type: "static",
			Nacos: NacosConfig{
				ServerAddresses: "localhost:8848",
				Namespace:       "public",
				Group:           "DEFAULT_GROUP",
			},
			Consul: ConsulConfig{
				Address: "localhost:8500",
				Scheme:  "http",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			PerMinute:     100,
			PerHour:       1000,
			PerDay:        10000,
			StorageAsync:  true,
			RetentionDays: 30,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			TimeoutSeconds:   60,
			HalfOpenMaxCalls: 3,
		},
		Retry: RetryConfig{
			Enabled:         true,
			MaxAttempts:     3,
			BackoffFactor:   2.0,
			MaxDelaySeconds: 10,
			BackoffFormula:  "legacy",
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy: "round_robin",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Tracing: TracingConfig{
			Endpoint: "localhost:4317",
		},
	}
}

// Validate checks the configuration for errors that should surface at
// startup rather than on the first request.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Discovery.Type {
	case "static", "nacos", "consul":
	default:
		return fmt.Errorf("invalid discovery type: %s", c.Discovery.Type)
	}

	if strings.HasPrefix(c.JWT.Algorithm, "RS") && c.JWT.PublicKeyPath == "" {
		return fmt.Errorf("jwt algorithm %s requires a public key path", c.JWT.Algorithm)
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("circuit breaker failure threshold must be positive")
		}
		if c.CircuitBreaker.HalfOpenMaxCalls <= 0 {
			return fmt.Errorf("circuit breaker half-open max calls must be positive")
		}
	}

	if c.Retry.Enabled && c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}

	switch c.Retry.BackoffFormula {
	case "", "legacy", "scaled":
	default:
		return fmt.Errorf("invalid backoff formula: %s", c.Retry.BackoffFormula)
	}

	switch c.LoadBalancer.Strategy {
	case "round_robin", "least_connections", "weighted_round_robin", "random":
	default:
		return fmt.Errorf("invalid load balancer strategy: %s", c.LoadBalancer.Strategy)
	}

	return nil
}
