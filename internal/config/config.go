package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                   string
	DatabaseURL            string
	StoreDriver            string
	DefaultServiceMinutes  int
	FeedPollInterval       time.Duration
	FeedBatchSize          int
	ChangeRetention        time.Duration
	PruneInterval          time.Duration
	RateLimitPerMinute     int
	RateLimitBurst         int
	UserRateLimitPerMinute int
	UserRateLimitBurst     int
	LogFormat              string
	SeedDemo               bool
}

// ClientConfig holds the defaults of the queue-watch command.
type ClientConfig struct {
	BaseURL      string
	Session      string
	Transport    string
	WebhookURL   string
	WebhookToken string
	LogFormat    string
}

// LoadEnv reads a .env file from the working directory when one exists. Values already
// present in the environment win.
func LoadEnv() bool {
	return godotenv.Load() == nil
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = DriverPostgres
	}

	return Config{
		Port:                   port,
		DatabaseURL:            os.Getenv("DB_DSN"),
		StoreDriver:            driver,
		DefaultServiceMinutes:  readInt("DEFAULT_SERVICE_MINUTES", 5),
		FeedPollInterval:       readDurationMillis("FEED_POLL_MILLIS", 500),
		FeedBatchSize:          readInt("FEED_BATCH_SIZE", 200),
		ChangeRetention:        readDurationSeconds("CHANGE_RETENTION_SECONDS", 3600),
		PruneInterval:          readDurationSeconds("CHANGE_PRUNE_INTERVAL_SECONDS", 300),
		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		UserRateLimitPerMinute: readInt("USER_RATE_LIMIT_PER_MIN", 60),
		UserRateLimitBurst:     readInt("USER_RATE_LIMIT_BURST", 20),
		LogFormat:              os.Getenv("LOG_FORMAT"),
		SeedDemo:               readBool("SEED_DEMO", false),
	}
}

func LoadClient() ClientConfig {
	baseURL := os.Getenv("QUEUE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return ClientConfig{
		BaseURL:      baseURL,
		Session:      os.Getenv("QUEUE_SESSION"),
		Transport:    os.Getenv("NOTIFY_TRANSPORT"),
		WebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookToken: os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
		LogFormat:    os.Getenv("LOG_FORMAT"),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
