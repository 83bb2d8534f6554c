package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/promptdesk/promptdesk/internal/api"
	"github.com/promptdesk/promptdesk/internal/auth"
	"github.com/promptdesk/promptdesk/internal/chat"
	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/database"
	mw "github.com/promptdesk/promptdesk/internal/middleware"
	inats "github.com/promptdesk/promptdesk/internal/nats"
	"github.com/promptdesk/promptdesk/internal/quota"
	iredis "github.com/promptdesk/promptdesk/internal/redis"
	"github.com/promptdesk/promptdesk/internal/server"
	"github.com/promptdesk/promptdesk/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if cfg.DB.AutoMigrate {
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var natsClient *inats.Client
	var publisher quota.UsagePublisher
	if cfg.NATS.Enabled() {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
	} else {
		slog.Info("NATS_URL not set, usage is recorded synchronously")
	}

	// Quota
	store, err := newUsageStore(cfg.Quota, pool, redisClient)
	if err != nil {
		slog.Error("selecting usage store", "error", err)
		os.Exit(1)
	}
	clock := quota.SystemClock()
	tracker := quota.NewTracker(store, clock)
	recorder := quota.NewRecorder(store, publisher, clock)

	if natsClient != nil {
		consumer := quota.NewConsumer(store, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("usage consumer stopped", "error", err)
			}
		}()
	}

	// Users and auth
	userSvc := users.NewService(users.NewRepository(pool))
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Leeway)
	usageHandler := quota.NewHandler(tracker, userSvc)

	handlers := api.HandlerSet{
		GetDailyUsage:   usageHandler.GetDailyUsage,
		GetUsageHistory: usageHandler.GetUsageHistory,
		AuthMiddleware:  auth.Middleware(jwtManager),
	}

	// Chat (optional)
	if cfg.Chat.Enabled {
		chatSvc := chat.NewService(
			userSvc,
			tracker,
			quota.NewBurstLimiter(redisClient),
			recorder,
			chat.NewOpenAIProvider(cfg.OpenAI),
			chat.NewTiktokenCounter(),
			chat.Options{
				DefaultModel:         cfg.OpenAI.Model,
				MaxCompletionTokens:  cfg.OpenAI.MaxCompletionTokens,
				MaxRequestsPerMinute: cfg.Chat.MaxRequestsPerMinute,
			},
		)
		handlers.Chat = chat.NewHandler(chatSvc).Complete
	}

	// Router
	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Redis: api.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	}
	if cfg.RateLimit.Enabled() {
		routerCfg.APIRateLimiter = mw.NewRateLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.WindowSec).Middleware
	}
	router := api.NewRouter(pool, natsClient, routerCfg, handlers)

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newUsageStore(cfg config.QuotaConfig, pool *pgxpool.Pool, rdb goredis.Cmdable) (quota.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return quota.NewPostgresStore(pool), nil
	case config.StoreRedis:
		return quota.NewRedisStore(rdb), nil
	case config.StoreMemory:
		slog.Warn("using in-memory usage store, counters are lost on restart")
		return quota.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown usage store %q", cfg.Store)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
