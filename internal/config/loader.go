package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader builds the configuration snapshot. File values come first,
// environment variables override them.
type Loader struct{}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the optional YAML file at path, applies environment
// overrides, validates, and returns the immutable snapshot.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	l.applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables. Each
// variable maps to exactly one field; unset variables leave the field
// untouched.
func (l *Loader) applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setBool(&cfg.Server.SSLEnabled, "SSL_ENABLED")
	setString(&cfg.Server.SSLCertPath, "SSL_CERT_PATH")
	setString(&cfg.Server.SSLKeyPath, "SSL_KEY_PATH")
	setString(&cfg.Server.RoutesFile, "ROUTES_FILE")
	setString(&cfg.Server.ServicesFile, "SERVICES_FILE")
	setString(&cfg.Server.ReadinessService, "READINESS_SERVICE")
	setString(&cfg.Server.ServiceName, "SERVICE_NAME")
	setString(&cfg.Server.GRPCHealthAddr, "GRPC_HEALTH_ADDR")

	setString(&cfg.JWT.SecretKey, "JWT_SECRET_KEY")
	setString(&cfg.JWT.Algorithm, "JWT_ALGORITHM")
	setInt(&cfg.JWT.ExpirationMinutes, "JWT_EXPIRATION_MINUTES")
	setString(&cfg.JWT.PublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	setInt(&cfg.JWT.RefreshExpirationDays, "JWT_REFRESH_EXPIRATION_DAYS")
	setBool(&cfg.JWT.RefreshRotation, "JWT_REFRESH_ROTATION_ENABLED")

	setBool(&cfg.APIKey.Enabled, "API_KEY_ENABLED")
	setString(&cfg.APIKey.Header, "API_KEY_HEADER")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.Database.Host, "DATABASE_HOST")
	setInt(&cfg.Database.Port, "DATABASE_PORT")
	setString(&cfg.Database.User, "DATABASE_USER")
	setString(&cfg.Database.Password, "DATABASE_PASSWORD")
	setString(&cfg.Database.Name, "DATABASE_NAME")

	setString(&cfg.Discovery.Type, "SERVICE_DISCOVERY_TYPE")
	setString(&cfg.Discovery.Nacos.ServerAddresses, "NACOS_SERVER_ADDRESSES")
	setString(&cfg.Discovery.Nacos.Namespace, "NACOS_NAMESPACE")
	setString(&cfg.Discovery.Nacos.Group, "NACOS_GROUP")
	setString(&cfg.Discovery.Consul.Address, "CONSUL_ADDRESS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.RateLimit.PerHour, "RATE_LIMIT_PER_HOUR")
	setInt(&cfg.RateLimit.PerDay, "RATE_LIMIT_PER_DAY")
	setBool(&cfg.RateLimit.StorageEnabled, "RATE_LIMIT_STORAGE_ENABLED")
	setBool(&cfg.RateLimit.StorageAsync, "RATE_LIMIT_STORAGE_ASYNC")
	setInt(&cfg.RateLimit.RetentionDays, "RATE_LIMIT_RETENTION_DAYS")

	setBool(&cfg.CircuitBreaker.Enabled, "CIRCUIT_BREAKER_ENABLED")
	setInt(&cfg.CircuitBreaker.FailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.CircuitBreaker.TimeoutSeconds, "CIRCUIT_BREAKER_TIMEOUT_SECONDS")
	setInt(&cfg.CircuitBreaker.HalfOpenMaxCalls, "CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS")

	setBool(&cfg.Retry.Enabled, "RETRY_ENABLED")
	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setFloat(&cfg.Retry.BackoffFactor, "RETRY_BACKOFF_FACTOR")
	setInt(&cfg.Retry.MaxDelaySeconds, "RETRY_MAX_DELAY_SECONDS")
	setString(&cfg.Retry.BackoffFormula, "RETRY_BACKOFF_FORMULA")

	setString(&cfg.LoadBalancer.Strategy, "LOAD_BALANCER_STRATEGY")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Dir, "LOG_DIR")
	setInt(&cfg.Logging.MaxSizeMB, "LOG_MAX_SIZE_MB")
	setInt(&cfg.Logging.MaxBackups, "LOG_MAX_BACKUPS")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "TRACING_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
