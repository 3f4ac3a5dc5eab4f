// Command zoekt-coordinator runs the coordination layer between the
// application and a fleet of Zoekt search nodes: node registry, namespace
// assignment, index task delivery and fanned-out blob search.
//
//	@title			Zoekt Coordinator API
//	@version		1.0
//	@description	Node registry, namespace assignment and code search over Zoekt nodes.
//	@BasePath		/api/v1
//	@schemes		http https
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/zoekt-coordinator/internal/backoff"
	"github.com/tbourn/zoekt-coordinator/internal/config"
	"github.com/tbourn/zoekt-coordinator/internal/events"
	httpapi "github.com/tbourn/zoekt-coordinator/internal/http"
	"github.com/tbourn/zoekt-coordinator/internal/observability"
	"github.com/tbourn/zoekt-coordinator/internal/repo"
	"github.com/tbourn/zoekt-coordinator/internal/search"
	"github.com/tbourn/zoekt-coordinator/internal/services"
	"github.com/tbourn/zoekt-coordinator/internal/sysutil"
	"github.com/tbourn/zoekt-coordinator/internal/zoekt"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	out, closeLog := sysutil.LogWriter(sysutil.LogOutput{
		Pretty:     cfg.LogPretty,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer func() { _ = closeLog() }()
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", cfg.OTEL.ServiceName).Logger()
	logger := log.Logger

	gin.SetMode(cfg.GinMode)

	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	if !sysutil.IsTruthy(os.Getenv("SKIP_MIGRATIONS")) {
		if err := repo.AutoMigrate(db); err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}
	}

	breaker := backoff.New(db, cfg.Zoekt.BackoffEnabled, cfg.Zoekt.MaxBackoff)
	client := zoekt.New(cfg.Zoekt, cfg.Gitaly, zoekt.DBNodes{DB: db}, breaker, logger)

	results := search.NewResults(client, newCache(ctx, cfg.Redis, cfg.Zoekt.CacheMaxEntries, logger), repo.Resolver{DB: db},
		search.WithCeiling(cfg.Zoekt.CountLimit),
		search.WithMaxPages(cfg.Zoekt.CacheMaxPages),
		search.WithTTL(cfg.Zoekt.CacheTTL),
		search.WithLogger(logger),
	)

	bus := events.NewBus(logger)
	indexer := services.NewNamespaceIndexer(db, logger)
	indexer.Register(bus)

	worker := services.NewWorker(
		services.NewTaskProcessor(db, client, breaker, cfg.Zoekt.TaskBatch, cfg.Zoekt.TaskMaxRetries, logger),
		services.NewPartitionManager(db, cfg.Zoekt.PartitionPeriod, cfg.Zoekt.TaskRetention, logger),
		indexer,
		cfg.Zoekt.TaskInterval,
		logger,
	)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:        db,
		Bus:       bus,
		Breaker:   breaker,
		Truncater: client,
		Results:   results,
		Indexer:   indexer,
		Log:       logger,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", ver).Msg("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	<-workerDone

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info().Msg("coordinator stopped")
}

// newCache returns the Redis-backed result cache when an address is
// configured and reachable, and the in-process cache otherwise.
func newCache(ctx context.Context, rc config.RedisConfig, maxEntries int, logger zerolog.Logger) search.Cache {
	if rc.Addr == "" {
		return search.NewMemoryCacheSize(maxEntries)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unreachable, using in-process search cache")
		_ = client.Close()
		return search.NewMemoryCacheSize(maxEntries)
	}
	return search.NewRedisCache(client)
}
