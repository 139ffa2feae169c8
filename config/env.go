package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings is the full environment-derived configuration, loaded once in
// main() and passed explicitly to every component that needs it.
type Settings struct {
	Port string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBConnMaxLifetime     time.Duration
	DBConnMaxIdleTime     time.Duration

	RedisAddr     string
	RedisPassword string
	CacheLifespan time.Duration

	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	LockTimeout    time.Duration
	PerItemTimeout time.Duration

	ReconcileInterval time.Duration

	PubSubProjectID       string
	PubSubAlertTopic      string
	PubSubCredentialsJSON string
}

// LoadSettings reads .env (best-effort) and the process environment.
// Every knob has a production-safe default.
func LoadSettings() Settings {
	godotenv.Load()

	return Settings{
		Port: strFromEnv("PORT", "8080"),

		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     strFromEnv("DB_PORT", "3306"),
		DBName:     os.Getenv("DB_NAME"),

		DBMaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime: secondsFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300),
		DBConnMaxIdleTime: secondsFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60),

		RedisAddr:     strFromEnv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		CacheLifespan: time.Duration(intFromEnv("CACHE_LIFESPAN", 1)) * time.Hour,

		PollInterval:   secondsFromEnv("POLL_INTERVAL", 2),
		BatchSize:      intFromEnv("BATCH_SIZE", 50),
		MaxRetries:     intFromEnv("MAX_RETRIES", 10),
		BaseBackoff:    secondsFromEnv("OUTBOX_BASE_BACKOFF_SECONDS", 5),
		MaxBackoff:     secondsFromEnv("OUTBOX_MAX_BACKOFF_SECONDS", 600),
		LockTimeout:    secondsFromEnv("OUTBOX_LOCK_TIMEOUT_SECONDS", 30),
		PerItemTimeout: secondsFromEnv("OUTBOX_ITEM_TIMEOUT_SECONDS", 30),

		ReconcileInterval: secondsFromEnv("RECONCILE_INTERVAL_SECONDS", 0),

		PubSubProjectID:       pubsubProjectID(),
		PubSubAlertTopic:      strFromEnv("PUBSUB_ALERT_TOPIC", "ledger-alerts"),
		PubSubCredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
	}
}

func pubsubProjectID() string {
	// Prefer explicit override; Cloud Run often sets GOOGLE_CLOUD_PROJECT.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

func strFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}
