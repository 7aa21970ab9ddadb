package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// GetDSN returns the PostgreSQL connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prefix string
}

// FetchConfig holds feed download settings
type FetchConfig struct {
	Timeout          time.Duration
	MaxRedirects     int
	UserAgent        string
	RetryCount       int
	RetryDelay       time.Duration
	MaxBodyBytes     int64
	HostRPS          float64
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// SyncConfig holds orchestration settings
type SyncConfig struct {
	MaxConcurrent          int
	DefaultIntervalMinutes int
	SchedulerInterval      time.Duration
	// ErrorRetryDelay of zero leaves next_sync_at untouched on failure so the
	// feed is picked up again on the next scheduler tick.
	ErrorRetryDelay time.Duration
	AutoDetect      bool
	StaleAfter      time.Duration
}

// ParserConfig holds generic parser bounds and the optional mapping file
type ParserConfig struct {
	MaxDepth         int
	MaxNodes         int
	FieldMappingFile string
}

// CacheConfig holds feed cache snapshot settings
type CacheConfig struct {
	MaxProducts int
}

// NotifyConfig holds cache change notification settings
type NotifyConfig struct {
	SQSQueueURL  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecret    string
}

// Config holds all configuration
type Config struct {
	ServiceName string
	DB          DBConfig
	Server      ServerConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Fetch       FetchConfig
	Sync        SyncConfig
	Parser      ParserConfig
	Cache       CacheConfig
	Notify      NotifyConfig
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	config := &Config{
		ServiceName: serviceName,
		DB: DBConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "password"),
			DBName:          getEnv("DB_NAME", serviceName),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnvAsLogLevel("DB_LOG_LEVEL", logger.Warn),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", serviceName),
		},
		Fetch: FetchConfig{
			Timeout:          getEnvAsDuration("FETCH_TIMEOUT", 30*time.Second),
			MaxRedirects:     getEnvAsInt("FETCH_MAX_REDIRECTS", 5),
			UserAgent:        getEnv("FETCH_USER_AGENT", "FeedSync/1.0 (+product-feed-bot)"),
			RetryCount:       getEnvAsInt("FETCH_RETRY_COUNT", 3),
			RetryDelay:       getEnvAsDuration("FETCH_RETRY_DELAY", 2*time.Second),
			MaxBodyBytes:     int64(getEnvAsInt("FETCH_MAX_BODY_BYTES", 50<<20)),
			HostRPS:          getEnvAsFloat("FETCH_HOST_RPS", 0),
			BreakerThreshold: getEnvAsInt("FETCH_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   getEnvAsDuration("FETCH_BREAKER_TIMEOUT", 1*time.Minute),
		},
		Sync: SyncConfig{
			MaxConcurrent:          getEnvAsInt("SYNC_MAX_CONCURRENT", 5),
			DefaultIntervalMinutes: getEnvAsInt("SYNC_DEFAULT_INTERVAL_MINUTES", 60),
			SchedulerInterval:      getEnvAsDuration("SYNC_SCHEDULER_INTERVAL", 1*time.Minute),
			ErrorRetryDelay:        getEnvAsDuration("SYNC_ERROR_RETRY_DELAY", 0),
			AutoDetect:             getEnvAsBool("SYNC_AUTO_DETECT", true),
			StaleAfter:             getEnvAsDuration("SYNC_STALE_AFTER", 30*time.Minute),
		},
		Parser: ParserConfig{
			MaxDepth:         getEnvAsInt("PARSER_MAX_DEPTH", 5),
			MaxNodes:         getEnvAsInt("PARSER_MAX_NODES", 100000),
			FieldMappingFile: getEnv("PARSER_FIELD_MAPPING_FILE", ""),
		},
		Cache: CacheConfig{
			MaxProducts: getEnvAsInt("CACHE_MAX_PRODUCTS", 500),
		},
		Notify: NotifyConfig{
			SQSQueueURL:  getEnv("NOTIFY_SQS_QUEUE_URL", ""),
			AWSRegion:    getEnv("AWS_REGION", "eu-central-1"),
			AWSAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecret:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
	}

	if config.Sync.MaxConcurrent < 1 {
		return nil, fmt.Errorf("SYNC_MAX_CONCURRENT must be positive, got %d", config.Sync.MaxConcurrent)
	}
	if config.Fetch.RetryCount < 1 {
		return nil, fmt.Errorf("FETCH_RETRY_COUNT must be positive, got %d", config.Fetch.RetryCount)
	}

	return config, nil
}

// LogConfig returns the configuration as a zap logger-friendly format
func (c *Config) LogConfig() []zap.Field {
	return []zap.Field{
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Server.Env),
		zap.String("db_host", c.DB.Host),
		zap.String("db_name", c.DB.DBName),
		zap.String("server_port", c.Server.Port),
		zap.Int("sync_max_concurrent", c.Sync.MaxConcurrent),
		zap.Int("fetch_retry_count", c.Fetch.RetryCount),
	}
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as log levels
func getEnvAsLogLevel(key string, defaultValue logger.LogLevel) logger.LogLevel {
	valueStr := getEnv(key, "")
	switch valueStr {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return defaultValue
	}
}
