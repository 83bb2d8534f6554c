package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret shared with the identity provider
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}
	if c.JWT.Leeway < 0 {
		errs = append(errs, "JWT_LEEWAY must not be negative")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	switch c.Quota.Store {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_STORE must be one of postgres, redis, memory, got %q", c.Quota.Store))
	}

	if c.Chat.MaxRequestsPerMinute < 1 {
		errs = append(errs, "CHAT_MAX_REQUESTS_PER_MINUTE must be positive")
	}
	if c.OpenAI.MaxCompletionTokens < 1 {
		errs = append(errs, "OPENAI_MAX_COMPLETION_TOKENS must be positive")
	}

	// Chat is optional; without it only the usage endpoints are served
	if c.Chat.Enabled && c.OpenAI.APIKey == "" {
		errs = append(errs, "OPENAI_API_KEY is required when CHAT_ENABLED=true")
	} else if !c.Chat.Enabled {
		slog.Warn("CHAT_ENABLED is false, chat endpoint will not be mounted")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
