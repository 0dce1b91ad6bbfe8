package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castwatch/telemetry/internal/app/migrate"
	"github.com/castwatch/telemetry/internal/cache"
	"github.com/castwatch/telemetry/internal/config"
	httpx "github.com/castwatch/telemetry/internal/http"
	"github.com/castwatch/telemetry/internal/logger"
	"github.com/castwatch/telemetry/internal/repository/postgres"
	"github.com/castwatch/telemetry/internal/service/scrape"
	"github.com/castwatch/telemetry/internal/service/uploads"
	"github.com/castwatch/telemetry/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("telemetry", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	var store cache.Store = cache.NewMemoryStore()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisStore, err := cache.NewRedisStore(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis cache unavailable, using in-process store", "error", err)
		} else {
			store = redisStore
		}
	}
	defer store.Close()

	hub := ws.NewHub()

	scraper := scrape.NewScraper(cfg.SourceURL, cfg.ScrapeTimeout, cfg.ScrapeRetries, log)
	tracker := scrape.NewDeltaTracker(store, cfg.CounterNames, cfg.SnapshotTTL, log)
	buckets := scrape.NewBucketStore(store, cfg.MinuteTTL, cfg.HourTTL)
	analyzer := scrape.NewAnalyzer(scrape.Thresholds{
		CycleInterval:     cfg.CycleInterval,
		TrendUpFactor:     cfg.TrendUpFactor,
		TrendDownFactor:   cfg.TrendDownFactor,
		PeakConnections:   cfg.PeakConnections,
		MediumBytesPerSec: cfg.MediumBytesPerSec,
		HighBytesPerSec:   cfg.HighBytesPerSec,
	})
	scrapeSvc := scrape.NewService(scraper, tracker, buckets, analyzer, store, hub, log, cfg.SnapshotTTL)

	uploadTracker := uploads.NewTracker(repo, store, hub, log, cfg.CounterKeyTTL)
	aggregator := uploads.NewAggregator(repo, repo, log)
	go aggregator.Run(ctx, cfg.RollupInterval)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, scrapeSvc, uploadTracker, aggregator, repo, hub, limiter, cfg.IngestToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("telemetry server starting", "addr", cfg.Addr, "source", cfg.SourceURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("telemetry server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
