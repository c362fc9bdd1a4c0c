package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Durable log backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Cross-process relay backends.
const (
	RelayNone     = "none"
	RelayRedis    = "redis"
	RelayPostgres = "postgres"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Durable log
	LogBackend string
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string
	DBLogSQL   bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	RelayBackend string

	// Room sizing
	RingSize          int
	SnapshotInterval  int
	RoomIdleTimeout   time.Duration
	SessionSendBuffer int
	SessionIdle       time.Duration

	// Observability
	TracingEnabled     bool
	JaegerEndpoint     string
	TracingSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		LogBackend: getEnv("LOG_BACKEND", BackendMemory),
		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "docsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "docsync.sqlite3"),
		DBLogSQL:   getEnvBool("DB_LOG_SQL", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "docsync"),

		RelayBackend: getEnv("RELAY_BACKEND", RelayNone),

		RingSize:          getEnvInt("RING_SIZE", 20000),
		SnapshotInterval:  getEnvInt("SNAPSHOT_INTERVAL", 300),
		RoomIdleTimeout:   getEnvDuration("ROOM_IDLE_TIMEOUT", 10*time.Minute),
		SessionSendBuffer: getEnvInt("SESSION_SEND_BUFFER", 256),
		SessionIdle:       getEnvDuration("SESSION_IDLE_TIMEOUT", 5*time.Minute),

		TracingEnabled:     getEnvBool("TRACING_ENABLED", true),
		JaegerEndpoint:     getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the combination of backends makes sense.
func (c *Config) Validate() error {
	switch c.LogBackend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("LOG_BACKEND must be one of memory, sql, redis (got %q)", c.LogBackend)
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite (got %q)", c.DBDriver)
	}
	switch c.RelayBackend {
	case RelayNone, RelayRedis, RelayPostgres:
	default:
		return fmt.Errorf("RELAY_BACKEND must be one of none, redis, postgres (got %q)", c.RelayBackend)
	}
	if (c.LogBackend == BackendRedis || c.RelayBackend == RelayRedis) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis backend and relay")
	}
	if c.RelayBackend == RelayPostgres && (c.LogBackend != BackendSQL || c.DBDriver != "postgres") {
		return fmt.Errorf("RELAY_BACKEND=postgres requires LOG_BACKEND=sql with DB_DRIVER=postgres")
	}
	if c.RelayBackend != RelayNone && c.LogBackend == BackendMemory {
		return fmt.Errorf("a cross-process relay needs a shared durable log, not LOG_BACKEND=memory")
	}
	if c.RingSize <= 0 {
		return fmt.Errorf("RING_SIZE must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if c.SessionSendBuffer <= 0 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
