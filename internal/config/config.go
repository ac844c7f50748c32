// Package config loads the pipeline's environment-sourced settings. A
// .env file in the working directory is honoured when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the email pipeline.
type Config struct {
	BrokerURL          string
	Exchange           string
	Queue              string
	DeadLetterExchange string
	DeadLetterQueue    string
	RoutingKey         string
	Heartbeat          time.Duration
	ConnectTimeout     time.Duration
	RetryTTL           time.Duration
	DeadLetterTTL      time.Duration
	MaxRetries         int
	PrefetchCount      int

	SMTPHost string
	SMTPPort string
	SMTPFrom string
}

// Load reads configuration from the environment, falling back to the
// documented defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		BrokerURL:          getEnv("MAILQUEUE_BROKER_URL", "amqp://localhost:5672"),
		Exchange:           getEnv("MAILQUEUE_EXCHANGE", "email_exchange"),
		Queue:              getEnv("MAILQUEUE_QUEUE", "email_queue"),
		DeadLetterExchange: getEnv("MAILQUEUE_DLX", "email_dead_letter_exchange"),
		DeadLetterQueue:    getEnv("MAILQUEUE_DLQ", "email_dead_letter_queue"),
		RoutingKey:         getEnv("MAILQUEUE_ROUTING_KEY", "email.send"),
		Heartbeat:          getEnvDuration("MAILQUEUE_HEARTBEAT", 60*time.Second),
		ConnectTimeout:     getEnvDuration("MAILQUEUE_CONNECT_TIMEOUT", 30*time.Second),
		RetryTTL:           getEnvDuration("MAILQUEUE_RETRY_TTL", 5*time.Minute),
		DeadLetterTTL:      getEnvDuration("MAILQUEUE_DLQ_TTL", 24*time.Hour),
		MaxRetries:         getEnvInt("MAILQUEUE_MAX_RETRIES", 3),
		PrefetchCount:      getEnvInt("MAILQUEUE_PREFETCH", 1),

		SMTPHost: getEnv("MAILQUEUE_SMTP_HOST", ""),
		SMTPPort: getEnv("MAILQUEUE_SMTP_PORT", "25"),
		SMTPFrom: getEnv("MAILQUEUE_SMTP_FROM", "noreply@localhost"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
