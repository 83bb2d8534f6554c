package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	NATS      NATSConfig
	Quota     QuotaConfig
	Chat      ChatConfig
	OpenAI    OpenAIConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	AutoMigrate    bool
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig describes how bearer tokens minted by the identity provider are verified.
type JWTConfig struct {
	Secret string
	Issuer string
	Leeway time.Duration
}

// NATSConfig is optional; an empty URL disables event-based usage recording.
type NATSConfig struct {
	URL string
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// Supported usage store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type QuotaConfig struct {
	Store string
}

type ChatConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
}

type OpenAIConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	MaxCompletionTokens int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Requests  int
	WindowSec int
}

func (c RateLimitConfig) Enabled() bool {
	return c.Requests > 0 && c.WindowSec > 0
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			AutoMigrate:    k.Bool("db.auto.migrate"),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
			Issuer: k.String("jwt.issuer"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Quota: QuotaConfig{
			Store: strings.ToLower(k.String("quota.store")),
		},
		Chat: ChatConfig{
			Enabled:              k.Bool("chat.enabled"),
			MaxRequestsPerMinute: k.Int("chat.max.requests.per.minute"),
		},
		OpenAI: OpenAIConfig{
			APIKey:              k.String("openai.api.key"),
			BaseURL:             k.String("openai.base.url"),
			Model:               k.String("openai.model"),
			MaxCompletionTokens: k.Int("openai.max.completion.tokens"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		RateLimit: RateLimitConfig{
			Requests:  k.Int("rate.limit.requests"),
			WindowSec: k.Int("rate.limit.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "promptdesk"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "promptdesk"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "promptdesk-auth"
	}
	if cfg.Quota.Store == "" {
		cfg.Quota.Store = StorePostgres
	}
	if cfg.Chat.MaxRequestsPerMinute == 0 {
		cfg.Chat.MaxRequestsPerMinute = 10
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.MaxCompletionTokens == 0 {
		cfg.OpenAI.MaxCompletionTokens = 1024
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	leewayStr := k.String("jwt.leeway")
	if leewayStr == "" {
		leewayStr = "30s"
	}
	var err error
	cfg.JWT.Leeway, err = time.ParseDuration(leewayStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt leeway: %w", err)
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
