// Package config loads process configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config collects every knob of the tally backend.
type Config struct {
	Environment string
	ServerPort  string

	// database
	DBDriver   string
	DBDSN      string
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisMock     bool

	// collaborators
	StoreURL      string
	StoreToken    string
	PostprocURL   string
	RemoteTimeout time.Duration

	// tally
	TallyLockTTL    time.Duration
	QueueMaxRetries int
	QueueRetryDelay time.Duration
	ResultsCacheTTL time.Duration

	// events
	RocketMQNameServer string

	// rate limiting
	RateLimitEnabled bool
	RateLimit        float64
	RateBurst        int
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	return Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "8090"),

		DBDriver:   getEnv("DB_DRIVER", "mysql"),
		DBDSN:      getEnv("DATABASE_URL", ""),
		DBUser:     getEnv("DB_USER", "voteuser"),
		DBPassword: getEnv("DB_PASSWORD", "votepassword"),
		DBHost:     getEnv("DB_HOST", "mysql"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBName:     getEnv("DB_NAME", "votingdb"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:16379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisMock:     getEnvBool("REDIS_MOCK", false),

		StoreURL:      getEnv("STORE_URL", "http://localhost:8000"),
		StoreToken:    getEnv("STORE_TOKEN", ""),
		PostprocURL:   getEnv("POSTPROC_URL", "http://localhost:8000"),
		RemoteTimeout: getEnvDuration("REMOTE_TIMEOUT", 30*time.Second),

		TallyLockTTL:    getEnvDuration("TALLY_LOCK_TTL", 10*time.Minute),
		QueueMaxRetries: getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryDelay: getEnvDuration("QUEUE_RETRY_DELAY", 30*time.Second),
		ResultsCacheTTL: getEnvDuration("RESULTS_CACHE_TTL", time.Hour),

		RocketMQNameServer: getEnv("ROCKETMQ_NAMESRV_ADDR", ""),

		RateLimitEnabled: getEnvBool("ENABLE_RATE_LIMIT", false),
		RateLimit:        getEnvFloat("TALLY_RATE_LIMIT", 5),
		RateBurst:        getEnvInt("TALLY_RATE_BURST", 10),
	}
}

// getEnv returns the variable's value, or defaultValue when it is unset.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}
