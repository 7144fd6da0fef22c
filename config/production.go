// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Cache      CacheConfig      `json:"cache"`
	Gateway    GatewayConfig    `json:"gateway"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Provider   ProviderConfig   `json:"provider"`
	JWT        JWTConfig        `json:"jwt"`
	Logging    LoggingConfig    `json:"logging"`
	Deployment DeploymentConfig `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	BodyLimit       int           `json:"body_limit"`
	EnableMetrics   bool          `json:"enable_metrics"`
}

type CacheConfig struct {
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// GatewayConfig tunes the inbound pipeline
type GatewayConfig struct {
	// VerifyToken answers the provider's GET verification challenge
	VerifyToken string `json:"verify_token"`
	// LockPolicy is "fail_open" or "fail_closed", applied uniformly to every
	// idempotency-lock acquisition on the inbound path
	LockPolicy string `json:"lock_policy"`
	// DefaultTenantRateLimit applies to tenants without a configured cap
	DefaultTenantRateLimit int `json:"default_tenant_rate_limit"`
	// DefaultCustomerRateLimit caps one customer within a tenant per window
	DefaultCustomerRateLimit int `json:"default_customer_rate_limit"`
}

// DispatchConfig tunes the outbound queue and worker pool
type DispatchConfig struct {
	Enabled bool `json:"enabled"`
	// Workers is the fixed pool size bounding global concurrency
	Workers int `json:"workers"`
	// PollInterval is how often idle workers look for waiting jobs
	PollInterval time.Duration `json:"poll_interval"`
	// SweepInterval is how often delayed and stale jobs are requeued
	SweepInterval time.Duration `json:"sweep_interval"`
	// MaxAttempts is the delivery attempt ceiling per job
	MaxAttempts int `json:"max_attempts"`
	// BackoffBase is the first retry delay; doubles per attempt
	BackoffBase time.Duration `json:"backoff_base"`
	// DefaultTenantConcurrency applies to tenants without their own ceiling
	DefaultTenantConcurrency int `json:"default_tenant_concurrency"`
	// GlobalSendsPerSecond caps total provider calls across all tenants
	GlobalSendsPerSecond float64 `json:"global_sends_per_second"`
	// GlobalSendBurst is the token-bucket burst for the global cap
	GlobalSendBurst int `json:"global_send_burst"`
	// LogDir is where the worker log file is written (rotated)
	LogDir string `json:"log_dir"`
}

// ProviderConfig points at the messaging provider API
type ProviderConfig struct {
	APIDomain string        `json:"api_domain"`
	Timeout   time.Duration `json:"timeout"`
	// Mock swaps in the recording provider for development
	Mock bool `json:"mock"`
}

type JWTConfig struct {
	SecretKey string        `json:"secret_key"`
	TokenTTL  time.Duration `json:"token_ttl"`
	Issuer    string        `json:"issuer"`
	Audience  string        `json:"audience"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
}

// LoadProductionConfig loads configuration from environment variables and the
// optional .env file
func LoadProductionConfig() (*ProductionConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "kusanagi"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:       getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024),
			EnableMetrics:   getEnvBool("SERVER_ENABLE_METRICS", true),
		},
		Cache: CacheConfig{
			RedisURL:        getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:         getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:     getEnvString("CACHE_REDIS_PREFIX", "kusanagi:"),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 30*time.Second),
		},
		Gateway: GatewayConfig{
			VerifyToken:              getEnvString("GATEWAY_VERIFY_TOKEN", ""),
			LockPolicy:               getEnvString("GATEWAY_LOCK_POLICY", "fail_open"),
			DefaultTenantRateLimit:   getEnvInt("GATEWAY_DEFAULT_TENANT_RATE_LIMIT", 60),
			DefaultCustomerRateLimit: getEnvInt("GATEWAY_DEFAULT_CUSTOMER_RATE_LIMIT", 20),
		},
		Dispatch: DispatchConfig{
			Enabled:                  getEnvBool("DISPATCH_ENABLED", true),
			Workers:                  getEnvInt("DISPATCH_WORKERS", 8),
			PollInterval:             getEnvDuration("DISPATCH_POLL_INTERVAL", 500*time.Millisecond),
			SweepInterval:            getEnvDuration("DISPATCH_SWEEP_INTERVAL", 5*time.Second),
			MaxAttempts:              getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
			BackoffBase:              getEnvDuration("DISPATCH_BACKOFF_BASE", 2*time.Second),
			DefaultTenantConcurrency: getEnvInt("DISPATCH_DEFAULT_TENANT_CONCURRENCY", 2),
			GlobalSendsPerSecond:     getEnvFloat("DISPATCH_GLOBAL_SENDS_PER_SECOND", 80),
			GlobalSendBurst:          getEnvInt("DISPATCH_GLOBAL_SEND_BURST", 20),
			LogDir:                   getEnvString("DISPATCH_LOG_DIR", "data"),
		},
		Provider: ProviderConfig{
			APIDomain: getEnvString("PROVIDER_API_DOMAIN", "https://api.messaging.example.com"),
			Timeout:   getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
			Mock:      getEnvBool("PROVIDER_MOCK", false),
		},
		JWT: JWTConfig{
			SecretKey: getEnvString("JWT_SECRET_KEY", ""),
			TokenTTL:  getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
			Issuer:    getEnvString("JWT_ISSUER", "kusanagi"),
			Audience:  getEnvString("JWT_AUDIENCE", "kusanagi-internal"),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() error {
	envFile := ".env"

	// Check if .env file exists
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		// .env file doesn't exist, continue with environment variables
		return nil
	}

	// Open .env file
	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	// Read file line by line
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value pairs
		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])

				// Remove quotes if present
				if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
					(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
					value = value[1 : len(value)-1]
				}

				// Set environment variable if not already set
				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ValidateProductionConfig checks the loaded configuration for mistakes that
// would only surface at runtime
func ValidateProductionConfig(cfg *ProductionConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	switch cfg.Gateway.LockPolicy {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("invalid gateway lock policy: %q (want fail_open or fail_closed)", cfg.Gateway.LockPolicy)
	}
	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch worker count must be positive")
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max attempts must be positive")
	}
	if cfg.Dispatch.GlobalSendsPerSecond <= 0 {
		return fmt.Errorf("global sends per second must be positive")
	}
	if cfg.Deployment.Environment == "production" && cfg.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required in production")
	}
	return nil
}

// TemplateOverrides reads the static artifact-id override table from the
// environment: TEMPLATE_OVERRIDE_<KEY>=artifact-id pins logical key <key>
// (lowercased, underscores to dashes) to a fixed artifact id.
func TemplateOverrides() map[string]string {
	overrides := map[string]string{}
	const prefix = "TEMPLATE_OVERRIDE_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		key = strings.ReplaceAll(key, "_", "-")
		if key != "" && parts[1] != "" {
			overrides[key] = parts[1]
		}
	}
	return overrides
}
