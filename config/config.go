// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/resumable-stream-go/generation"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config is the complete server configuration. Defaults are provided via
// struct tags.
type Config struct {
	// RedisURL selects the durable mode when set. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL"`
	// KVURL is accepted in place of RedisURL. ENV: KV_URL
	KVURL string `env:"KV_URL"`
	// KeyPrefix for all Redis keys and channels. ENV: STREAM_KEY_PREFIX
	KeyPrefix string `env:"STREAM_KEY_PREFIX,default=resumable:"`

	PollInterval     time.Duration `env:"STREAM_POLL_INTERVAL,default=50ms"`
	PollChunk        int           `env:"STREAM_POLL_CHUNK,default=6"`
	SessionTTL       time.Duration `env:"STREAM_SESSION_TTL,default=24h"`
	SessionCapacity  int           `env:"STREAM_SESSION_CAPACITY,default=10000"`
	IdleTimeout      time.Duration `env:"STREAM_IDLE_TIMEOUT,default=0s"`
	SubscriberBuffer int           `env:"STREAM_SUBSCRIBER_BUFFER,default=64"`

	Generation Generation

	Port      int    `env:"PORT,default=5173"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Generation holds the OpenAI compatible backend settings.
type Generation struct {
	APIKey      string  `env:"OPENAI_API_KEY"`
	BaseURL     string  `env:"OPENAI_API_URL"`
	Model       string  `env:"OPENAI_MODEL,default=deepseek-ai/DeepSeek-V3"`
	Temperature float32 `env:"OPENAI_TEMPERATURE,default=0.7"`
	MaxTokens   int     `env:"OPENAI_MAX_TOKENS,default=1000"`
}

// Load decodes the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("STREAM_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	case c.PollChunk <= 0:
		return fmt.Errorf("STREAM_POLL_CHUNK must be positive, got %d", c.PollChunk)
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("STREAM_SUBSCRIBER_BUFFER must be positive, got %d", c.SubscriberBuffer)
	case c.SessionCapacity < 0:
		return fmt.Errorf("STREAM_SESSION_CAPACITY must not be negative, got %d", c.SessionCapacity)
	case c.SessionTTL < 0:
		return fmt.Errorf("STREAM_SESSION_TTL must not be negative, got %s", c.SessionTTL)
	case c.IdleTimeout < 0:
		return fmt.Errorf("STREAM_IDLE_TIMEOUT must not be negative, got %s", c.IdleTimeout)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if url := c.RedisAddr(); url != "" {
		if _, err := redis.ParseURL(url); err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
	}
	return nil
}

// RedisAddr returns the durable backend URL, preferring REDIS_URL over KV_URL.
func (c Config) RedisAddr() string {
	if c.RedisURL != "" {
		return c.RedisURL
	}
	return c.KVURL
}

// Durable reports whether the durable backend is configured.
func (c Config) Durable() bool { return c.RedisAddr() != "" }

// Addr is the HTTP listen address.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

// Ark returns the generation backend settings.
func (c Config) Ark() generation.ArkConfig {
	return generation.ArkConfig{
		APIKey:      c.Generation.APIKey,
		BaseURL:     c.Generation.BaseURL,
		Model:       c.Generation.Model,
		Temperature: c.Generation.Temperature,
		MaxTokens:   c.Generation.MaxTokens,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return l, nil
}
