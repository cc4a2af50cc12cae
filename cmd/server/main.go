package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isoftao/erp-assistant/internal/api"
	"github.com/isoftao/erp-assistant/internal/cache"
	"github.com/isoftao/erp-assistant/internal/config"
	"github.com/isoftao/erp-assistant/internal/core"
	"github.com/isoftao/erp-assistant/internal/erp"
	"github.com/isoftao/erp-assistant/internal/export"
	"github.com/isoftao/erp-assistant/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Conversation store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize conversation store")
	}
	defer dbStore.Close()

	// ERP database, read-only
	erpDB, err := erp.Open(cfg.ERPDriver, cfg.ERPDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ERP database")
	}
	defer erpDB.Close()
	catalog := erp.NewDBCatalog(erpDB)
	datastore := erp.NewSQLDatastore(erpDB)

	// Response cache: Redis when configured, in-process otherwise
	var responseCache cache.ResponseCache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisCache.Close()
		responseCache = redisCache
		log.Info().Msg("using Redis response cache")
	} else {
		memCache := cache.NewMemoryCache()
		cache.StartMaintenance(ctx, memCache, time.Minute, cfg.CacheMaxItems)
		responseCache = memCache
		log.Info().Msg("using in-process response cache")
	}

	// Export sink
	sink, err := export.NewLocalSink(cfg.ExportDir, cfg.ExportBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize export sink")
	}

	// Oracle
	oracle, err := core.NewGeminiOracle(ctx, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize oracle client")
	}
	defer oracle.Close()

	// Pipeline services
	opts := core.DefaultOptions()
	opts.CacheTTL = cfg.CacheTTL

	intents := core.NewIntentService(oracle, opts)
	sqlSvc := core.NewSQLService(oracle, catalog)
	querySvc := core.NewQueryService(oracle, datastore, catalog, sink, opts)
	studySvc := core.NewStudyService(oracle, datastore, sink, opts)
	chatService := core.NewChatService(dbStore, responseCache, oracle, intents, sqlSvc, querySvc, studySvc, opts)

	apiHandler := api.NewAPIHandler(chatService, cfg.JWTSecret)
	router := api.NewRouter(apiHandler, cfg.ExportDir)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // oracle calls can take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
