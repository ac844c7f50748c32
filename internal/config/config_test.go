package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	t.Run("defaults match the documented settings", func(t *testing.T) {
		cfg := Load()

		assert.Equal(t, "amqp://localhost:5672", cfg.BrokerURL)
		assert.Equal(t, "email_exchange", cfg.Exchange)
		assert.Equal(t, "email_queue", cfg.Queue)
		assert.Equal(t, "email_dead_letter_queue", cfg.DeadLetterQueue)
		assert.Equal(t, "email.send", cfg.RoutingKey)
		assert.Equal(t, 60*time.Second, cfg.Heartbeat)
		assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
		assert.Equal(t, 5*time.Minute, cfg.RetryTTL)
		assert.Equal(t, 24*time.Hour, cfg.DeadLetterTTL)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 1, cfg.PrefetchCount)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("MAILQUEUE_BROKER_URL", "amqp://broker:5672")
		t.Setenv("MAILQUEUE_MAX_RETRIES", "5")
		t.Setenv("MAILQUEUE_RETRY_TTL", "1m")

		cfg := Load()
		assert.Equal(t, "amqp://broker:5672", cfg.BrokerURL)
		assert.Equal(t, 5, cfg.MaxRetries)
		assert.Equal(t, time.Minute, cfg.RetryTTL)
	})

	t.Run("bad numeric values fall back to defaults", func(t *testing.T) {
		t.Setenv("MAILQUEUE_MAX_RETRIES", "lots")
		t.Setenv("MAILQUEUE_HEARTBEAT", "soon")

		cfg := Load()
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 60*time.Second, cfg.Heartbeat)
	})
}
