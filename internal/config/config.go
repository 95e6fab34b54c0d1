// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the address of the REST gateway (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// StoreDriver selects the session store: memory, postgres or redis.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// DatabaseURL is the Postgres DSN; required when StoreDriver is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is a redis:// URL; required when StoreDriver is redis.
	RedisURL string `mapstructure:"REDIS_URL"`

	// SessionTimeout is how long a device stays live after its last admission or heartbeat.
	SessionTimeout time.Duration `mapstructure:"SESSION_TIMEOUT"`
	// SweepInterval is the period of the expiry sweeper. Must not exceed SessionTimeout.
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	// SweepBatch caps how many sessions one sweep run expires or purges.
	SweepBatch int `mapstructure:"SWEEP_BATCH"`
	// SessionRetention is how long ended sessions are kept before they are physically removed.
	SessionRetention time.Duration `mapstructure:"SESSION_RETENTION"`
	// OperationTimeout bounds every store call made by the ledger and sweeper.
	OperationTimeout time.Duration `mapstructure:"OPERATION_TIMEOUT"`
	// AdmitMaxRetries is how many times a transient admission failure is retried.
	AdmitMaxRetries int `mapstructure:"ADMIT_MAX_RETRIES"`
	// AdmitFailOpen admits devices without a session when the store is unavailable.
	// Refused in production unless AdmitFailOpenAck is also set.
	AdmitFailOpen    bool `mapstructure:"ADMIT_FAIL_OPEN"`
	AdmitFailOpenAck bool `mapstructure:"ADMIT_FAIL_OPEN_ACK"`

	// DefaultDeviceLimit applies to groups with no stored limit and no kind-specific default.
	DefaultDeviceLimit int `mapstructure:"DEFAULT_DEVICE_LIMIT"`
	// ClassDeviceLimit is the default for class:<id> groups.
	ClassDeviceLimit int `mapstructure:"CLASS_DEVICE_LIMIT"`
	// SchoolRoleDeviceLimits is "role=limit,..." for school:<id>:role:<role> groups.
	SchoolRoleDeviceLimits string `mapstructure:"SCHOOL_ROLE_DEVICE_LIMITS"`
	// GroupLimits is "group=limit,..." applied by cmd/seed.
	GroupLimits string `mapstructure:"GROUP_LIMITS"`

	// JWTPublicKey is the PEM-encoded public key or path to file used to verify access tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey signs tokens; only used by dev tooling.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTIssuer is the expected iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// AdminPolicyFile optionally replaces the built-in Rego admin policy.
	AdminPolicyFile string `mapstructure:"ADMIN_POLICY_FILE"`

	// OTLPEndpoint is the OTLP gRPC collector (e.g. localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure disables TLS for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of brokers. Empty disables the event stream.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// QuotaEventsTopic is the Kafka topic for quota lifecycle and audit events.
	QuotaEventsTopic string `mapstructure:"QUOTA_EVENTS_TOPIC"`
	// KafkaGroupID is the consumer group of the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// CORSAllowedOrigins is a comma-separated origin list for the REST gateway; empty allows none.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("SESSION_TIMEOUT", "90s")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("SWEEP_BATCH", 500)
	v.SetDefault("SESSION_RETENTION", "24h")
	v.SetDefault("OPERATION_TIMEOUT", "3s")
	v.SetDefault("ADMIT_MAX_RETRIES", 3)
	v.SetDefault("ADMIT_FAIL_OPEN", false)
	v.SetDefault("ADMIT_FAIL_OPEN_ACK", false)
	v.SetDefault("DEFAULT_DEVICE_LIMIT", 1)
	v.SetDefault("CLASS_DEVICE_LIMIT", 1)
	v.SetDefault("SCHOOL_ROLE_DEVICE_LIMITS", "teacher=3,student=1,admin=2")
	v.SetDefault("GROUP_LIMITS", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "school-platform-auth")
	v.SetDefault("JWT_AUDIENCE", "devicequota")
	v.SetDefault("ADMIN_POLICY_FILE", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("QUOTA_EVENTS_TOPIC", "devicequota-events")
	v.SetDefault("KAFKA_GROUP_ID", "devicequota-event-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("GRPC_ADDR must be set"))
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set when STORE_DRIVER=postgres"))
		}
	case DriverRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set when STORE_DRIVER=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory, postgres or redis, got %q", c.StoreDriver))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	} else if c.SweepInterval > c.SessionTimeout {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not exceed SESSION_TIMEOUT"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("OPERATION_TIMEOUT must be positive"))
	}
	if c.SessionRetention <= 0 {
		errs = append(errs, errors.New("SESSION_RETENTION must be positive"))
	}
	if c.SweepBatch < 1 {
		errs = append(errs, errors.New("SWEEP_BATCH must be at least 1"))
	}
	if c.AdmitMaxRetries < 0 {
		errs = append(errs, errors.New("ADMIT_MAX_RETRIES must not be negative"))
	}
	if c.DefaultDeviceLimit < 1 || c.ClassDeviceLimit < 1 {
		errs = append(errs, errors.New("DEFAULT_DEVICE_LIMIT and CLASS_DEVICE_LIMIT must be at least 1"))
	}
	if _, err := ParseLimits(c.SchoolRoleDeviceLimits); err != nil {
		errs = append(errs, fmt.Errorf("SCHOOL_ROLE_DEVICE_LIMITS: %w", err))
	}
	if _, err := ParseLimits(c.GroupLimits); err != nil {
		errs = append(errs, fmt.Errorf("GROUP_LIMITS: %w", err))
	}
	if c.IsProduction() {
		if c.AdmitFailOpen && !c.AdmitFailOpenAck {
			errs = append(errs, errors.New("ADMIT_FAIL_OPEN requires ADMIT_FAIL_OPEN_ACK=true when APP_ENV=production"))
		}
		if c.JWTPublicKey == "" {
			errs = append(errs, errors.New("JWT_PUBLIC_KEY must be set when APP_ENV=production"))
		}
		if c.StoreDriver == DriverMemory {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed when APP_ENV=production"))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// AuthEnabled reports whether access tokens are verified. Without a public key every caller is anonymous.
func (c *Config) AuthEnabled() bool {
	return c.JWTPublicKey != ""
}

// ParseLimits parses "key=limit,key=limit". Empty input yields an empty map. Limits must be at least 1.
func ParseLimits(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("entry %q: want key=limit", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("entry %q: limit must be a positive integer", part)
		}
		out[k] = n
	}
	return out, nil
}

// RoleLimits returns the per-role defaults for school role groups.
func (c *Config) RoleLimits() map[string]int {
	m, _ := ParseLimits(c.SchoolRoleDeviceLimits)
	return m
}

// GroupLimitsMap returns the seed limits keyed by group id.
func (c *Config) GroupLimitsMap() map[string]int {
	m, _ := ParseLimits(c.GroupLimits)
	return m
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed gateway origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
