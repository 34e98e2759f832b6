// Package config provides configuration management for the name-operation indexer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chain     ChainConfig
	Scan      ScanConfig
	Pinning   PinningConfig
	IPFS      IPFSConfig
	Messaging MessagingConfig
	Logging   LoggingConfig
}

// ServerConfig holds the status server configuration
type ServerConfig struct {
	Port            string
	Host            string
	RateLimitRPS    int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// form used by golang-migrate.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ChainConfig holds the chain query client configuration
type ChainConfig struct {
	URL             string // ws:// or wss:// endpoint of the indexing node
	ConnectAttempts int
	ConnectBackoff  time.Duration
	RequestTimeout  time.Duration
	MaxRPS          int
	BatchSize       int
	TipPollInterval time.Duration
}

// ScanConfig holds scan orchestrator configuration
type ScanConfig struct {
	FloorHeight         int64
	HeightRetryDelay    time.Duration
	HeightMaxAttempts   int
	PositionRetryDelay  time.Duration
	PositionMaxAttempts int
	IdleCheckInterval   time.Duration
}

// PinningConfig holds fee policy and pin queue configuration
type PinningConfig struct {
	Workers                int
	TaskTimeout            time.Duration
	BaseRatePerMBPerMonth  decimal.Decimal
	MinimumFee             decimal.Decimal
	FeeUnit                decimal.Decimal
	PaymentTolerance       decimal.Decimal
	CollectionAddress      string
	PaymentStartDate       time.Time
	ExpirationWindowBlocks int64
	BlocksPerYear          int64
	ProvisionalGrace       time.Duration
}

// IPFSConfig holds content store configuration
type IPFSConfig struct {
	APIURL  string
	Timeout time.Duration
}

// MessagingConfig holds request handler channel configuration
type MessagingConfig struct {
	TopicPrefix      string
	ListLookbackDays int
	DefaultPageSize  int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimitRPS:    getEnvAsInt("SERVER_RATE_LIMIT_RPS", 20),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "nameops"),
				User:           getEnv("POSTGRES_USER", "indexer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Chain: ChainConfig{
			URL:             getEnv("CHAIN_URL", "ws://localhost:50003"),
			ConnectAttempts: getEnvAsInt("CHAIN_CONNECT_ATTEMPTS", 10),
			ConnectBackoff:  getEnvAsDuration("CHAIN_CONNECT_BACKOFF", 5*time.Second),
			RequestTimeout:  getEnvAsDuration("CHAIN_REQUEST_TIMEOUT", 30*time.Second),
			MaxRPS:          getEnvAsInt("CHAIN_MAX_RPS", 50),
			BatchSize:       getEnvAsInt("CHAIN_BATCH_SIZE", 50),
			TipPollInterval: getEnvAsDuration("CHAIN_TIP_POLL_INTERVAL", time.Minute),
		},
		Scan: ScanConfig{
			FloorHeight:         getEnvAsInt64("SCAN_FLOOR_HEIGHT", 0),
			HeightRetryDelay:    getEnvAsDuration("SCAN_HEIGHT_RETRY_DELAY", 5*time.Second),
			HeightMaxAttempts:   getEnvAsInt("SCAN_HEIGHT_MAX_ATTEMPTS", 10),
			PositionRetryDelay:  getEnvAsDuration("SCAN_POSITION_RETRY_DELAY", time.Second),
			PositionMaxAttempts: getEnvAsInt("SCAN_POSITION_MAX_ATTEMPTS", 5),
			IdleCheckInterval:   getEnvAsDuration("SCAN_IDLE_CHECK_INTERVAL", 5*time.Second),
		},
		Pinning: PinningConfig{
			Workers:                getEnvAsInt("PINNING_WORKERS", 5),
			TaskTimeout:            getEnvAsDuration("PINNING_TASK_TIMEOUT", 10*time.Minute),
			BaseRatePerMBPerMonth:  getEnvAsDecimal("PINNING_BASE_RATE_PER_MB_MONTH", decimal.RequireFromString("0.01")),
			MinimumFee:             getEnvAsDecimal("PINNING_MINIMUM_FEE", decimal.RequireFromString("0.01")),
			FeeUnit:                getEnvAsDecimal("PINNING_FEE_UNIT", decimal.RequireFromString("0.00000001")),
			PaymentTolerance:       getEnvAsDecimal("PINNING_PAYMENT_TOLERANCE", decimal.RequireFromString("0.00001")),
			CollectionAddress:      getEnv("PINNING_COLLECTION_ADDRESS", ""),
			PaymentStartDate:       getEnvAsTime("PINNING_PAYMENT_START_DATE", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
			ExpirationWindowBlocks: getEnvAsInt64("PINNING_EXPIRATION_WINDOW_BLOCKS", 36000),
			BlocksPerYear:          getEnvAsInt64("PINNING_BLOCKS_PER_YEAR", 52560),
			ProvisionalGrace:       getEnvAsDuration("PINNING_PROVISIONAL_GRACE", 7*24*time.Hour),
		},
		IPFS: IPFSConfig{
			APIURL:  getEnv("IPFS_API_URL", "localhost:5001"),
			Timeout: getEnvAsDuration("IPFS_TIMEOUT", 2*time.Minute),
		},
		Messaging: MessagingConfig{
			TopicPrefix:      getEnv("MESSAGING_TOPIC_PREFIX", "nameops"),
			ListLookbackDays: getEnvAsInt("MESSAGING_LIST_LOOKBACK_DAYS", 30),
			DefaultPageSize:  getEnvAsInt("MESSAGING_DEFAULT_PAGE_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the indexer cannot run with
func (c *Config) Validate() error {
	if c.Chain.URL == "" {
		return fmt.Errorf("CHAIN_URL is required")
	}
	if c.Chain.ConnectAttempts < 1 {
		return fmt.Errorf("CHAIN_CONNECT_ATTEMPTS must be at least 1, got %d", c.Chain.ConnectAttempts)
	}
	if c.Scan.FloorHeight < 0 {
		return fmt.Errorf("SCAN_FLOOR_HEIGHT must not be negative, got %d", c.Scan.FloorHeight)
	}
	if c.Scan.HeightMaxAttempts < 1 || c.Scan.PositionMaxAttempts < 1 {
		return fmt.Errorf("scan retry attempts must be at least 1")
	}
	if c.Pinning.Workers < 1 {
		return fmt.Errorf("PINNING_WORKERS must be at least 1, got %d", c.Pinning.Workers)
	}
	if !c.Pinning.FeeUnit.IsPositive() {
		return fmt.Errorf("PINNING_FEE_UNIT must be positive")
	}
	if c.Pinning.BlocksPerYear < 12 {
		return fmt.Errorf("PINNING_BLOCKS_PER_YEAR must be at least 12, got %d", c.Pinning.BlocksPerYear)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal parses amounts such as "0.01" without float rounding
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsTime accepts RFC3339 timestamps or plain dates (2006-01-02, UTC)
func getEnvAsTime(key string, defaultValue time.Time) time.Time {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	if value, err := time.Parse(time.RFC3339, valueStr); err == nil {
		return value
	}
	if value, err := time.Parse("2006-01-02", valueStr); err == nil {
		return value
	}
	return defaultValue
}
