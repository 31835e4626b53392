package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vnmchuo/chatstream/config"
	"github.com/vnmchuo/chatstream/internal/billing"
	"github.com/vnmchuo/chatstream/internal/cache"
	"github.com/vnmchuo/chatstream/internal/client"
	"github.com/vnmchuo/chatstream/internal/interceptor"
	"github.com/vnmchuo/chatstream/internal/provider"
	"github.com/vnmchuo/chatstream/internal/provider/openai"
	"github.com/vnmchuo/chatstream/internal/proxy"
	"github.com/vnmchuo/chatstream/internal/telemetry"
	"github.com/vnmchuo/chatstream/pkg/ratelimit"
)

const serviceName = "chatstream"

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Providers
	reconnects := cfg.StreamMaxReconnects
	if reconnects == 0 {
		reconnects = -1
	}
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, def := range cfg.Providers {
		p, err := openai.New(def,
			openai.WithLogger(logger),
			openai.WithReconnect(reconnects, cfg.StreamReconnectBackoff),
		)
		if err != nil {
			logger.Fatal("failed to init provider", zap.String("provider", def.Name), zap.Error(err))
		}
		providers = append(providers, p)
	}
	registry, err := client.NewRegistry(providers...)
	if err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}
	api := client.New(registry, logger)

	// 4. Interceptors. The cache runs before the limiter so hits cost no budget.
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	use := func(v any) {
		if _, err := api.Use(v); err != nil {
			logger.Fatal("failed to register interceptor", zap.Error(err))
		}
	}
	use(interceptor.NewLogging(logger))
	use(interceptor.NewTracing(tracer))

	var store cache.Store = cache.NewMemory(cfg.CacheMaxEntries)
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
		store = cache.NewRedis(rdb, "")
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}
	use(interceptor.NewCache(store, cfg.CacheTTL, logger))
	if limiter != nil {
		use(interceptor.NewRateLimit(limiter, logger))
	}

	// 5. Usage ledger
	var ledger billing.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("PostgreSQL connected")

		pg := billing.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate usage ledger", zap.Error(err))
		}
		recorder := billing.NewRecorder(pg, logger)
		defer recorder.Wait()
		use(recorder)
		ledger = pg
	}

	// 6. HTTP relay
	handler := proxy.NewHandler(api, ledger, tracer, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("chatstream relay starting", zap.String("port", cfg.Port), zap.Strings("providers", registry.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	if n, _ := api.CancelAllRequests(""); n > 0 {
		logger.Info("cancelled in-flight requests", zap.Int("count", n))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
