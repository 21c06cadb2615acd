package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port            string
		Env             string
		BaseURL         string
		ShutdownTimeout time.Duration
	}

	// Database configuration
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
	}

	// Redis configuration
	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	// Session configuration for the cache-tier session store
	Session struct {
		// TTL is the inactivity window after which a cached session
		// expires. Refreshed on every mutating call.
		TTL time.Duration
		// WindowCap is the rolling window of messages kept in the cache tier.
		WindowCap int
		// FlushThreshold is the unsynced message count that triggers a
		// proactive flush before the window cap is reached.
		FlushThreshold int
		// RetryAttempts bounds retries for cache and durable writes.
		RetryAttempts int
		// RetryBackoff is the linear backoff base (attempt * backoff).
		RetryBackoff time.Duration
		// MaxMessageBytes caps the content size of a single message.
		MaxMessageBytes int
		// PresenceTTL expires presence entries that are not refreshed.
		PresenceTTL time.Duration
	}

	// Sync configuration for the background flush worker
	Sync struct {
		Interval  time.Duration
		BatchSize int
	}

	// WS configuration for the connection gateway
	WS struct {
		MaxRoomsPerConnection int
		RateWindow            time.Duration
		SendLimit             int
		TypingLimit           int
		JoinLimit             int
		PresenceLimit         int
	}

	// Security configuration for the HTTP surface
	Security struct {
		RateLimit      float64
		RateLimitBurst int
		AllowedOrigins []string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables.
// Uses singleton pattern to ensure only one instance exists.
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = &Config{}

		// Server config
		instance.Server.Port = getEnvString("PORT", "8081")
		instance.Server.Env = getEnvString("APP_ENV", "development")
		instance.Server.BaseURL = getEnvString("BASE_URL", "http://localhost:"+instance.Server.Port)
		instance.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

		// Database config
		instance.Database.Host = getEnvString("DB_HOST", "localhost")
		instance.Database.Port = getEnvString("DB_PORT", "5432")
		instance.Database.User = getEnvString("DB_USER", "postgres")
		instance.Database.Password = getEnvString("DB_PASSWORD", "postgres")
		instance.Database.Name = getEnvString("DB_NAME", "teamchat")
		instance.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
		instance.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
		instance.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

		// Redis config
		instance.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
		instance.Redis.Password = getEnvString("REDIS_PASSWORD", "")
		instance.Redis.DB = getEnvInt("REDIS_DB", 0)

		// Session config
		instance.Session.TTL = getEnvDuration("SESSION_TTL", 20*time.Minute)
		instance.Session.WindowCap = getEnvInt("SESSION_WINDOW_CAP", 1000)
		instance.Session.FlushThreshold = getEnvInt("SESSION_FLUSH_THRESHOLD", 900)
		instance.Session.RetryAttempts = getEnvInt("SESSION_RETRY_ATTEMPTS", 3)
		instance.Session.RetryBackoff = getEnvDuration("SESSION_RETRY_BACKOFF", time.Second)
		instance.Session.MaxMessageBytes = getEnvInt("SESSION_MAX_MESSAGE_BYTES", 16<<10)
		instance.Session.PresenceTTL = getEnvDuration("PRESENCE_TTL", 2*time.Minute)

		// Sync config
		instance.Sync.Interval = getEnvDuration("SYNC_INTERVAL", 30*time.Second)
		instance.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", 100)

		// WS config
		instance.WS.MaxRoomsPerConnection = getEnvInt("WS_MAX_ROOMS", 10)
		instance.WS.RateWindow = getEnvDuration("WS_RATE_WINDOW", time.Minute)
		instance.WS.SendLimit = getEnvInt("WS_SEND_LIMIT", 10)
		instance.WS.TypingLimit = getEnvInt("WS_TYPING_LIMIT", 30)
		instance.WS.JoinLimit = getEnvInt("WS_JOIN_LIMIT", 5)
		instance.WS.PresenceLimit = getEnvInt("WS_PRESENCE_LIMIT", 20)

		// Security config
		instance.Security.RateLimit = float64(getEnvInt("RATE_LIMIT", 5))
		instance.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
		instance.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})

		// Logging config
		instance.Logging.Level = getEnvString("LOG_LEVEL", "info")
		instance.Logging.Format = getEnvString("LOG_FORMAT", "json")
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Validate checks configuration invariants. The process must refuse to
// start when any of these fail.
func (c *Config) Validate() error {
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.Session.TTL)
	}
	if c.Session.WindowCap <= 0 {
		return fmt.Errorf("SESSION_WINDOW_CAP must be positive, got %d", c.Session.WindowCap)
	}
	if c.Session.FlushThreshold <= 0 || c.Session.FlushThreshold > c.Session.WindowCap {
		return fmt.Errorf("SESSION_FLUSH_THRESHOLD must be in (0, %d], got %d",
			c.Session.WindowCap, c.Session.FlushThreshold)
	}
	if c.Session.RetryAttempts < 1 {
		return fmt.Errorf("SESSION_RETRY_ATTEMPTS must be at least 1, got %d", c.Session.RetryAttempts)
	}
	if c.Session.RetryBackoff < 0 {
		return fmt.Errorf("SESSION_RETRY_BACKOFF must not be negative, got %s", c.Session.RetryBackoff)
	}
	if c.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("SESSION_MAX_MESSAGE_BYTES must be positive, got %d", c.Session.MaxMessageBytes)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.BatchSize > c.Session.WindowCap {
		return fmt.Errorf("SYNC_BATCH_SIZE %d must not exceed SESSION_WINDOW_CAP %d",
			c.Sync.BatchSize, c.Session.WindowCap)
	}
	if c.WS.MaxRoomsPerConnection <= 0 {
		return fmt.Errorf("WS_MAX_ROOMS must be positive, got %d", c.WS.MaxRoomsPerConnection)
	}
	if c.WS.RateWindow <= 0 {
		return fmt.Errorf("WS_RATE_WINDOW must be positive, got %s", c.WS.RateWindow)
	}
	for name, limit := range map[string]int{
		"WS_SEND_LIMIT":     c.WS.SendLimit,
		"WS_TYPING_LIMIT":   c.WS.TypingLimit,
		"WS_JOIN_LIMIT":     c.WS.JoinLimit,
		"WS_PRESENCE_LIMIT": c.WS.PresenceLimit,
	} {
		if limit <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, limit)
		}
	}
	return nil
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
