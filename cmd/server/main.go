package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tillsight/backend/internal/cache"
	"tillsight/backend/internal/catalog"
	"tillsight/backend/internal/config"
	"tillsight/backend/internal/currency"
	"tillsight/backend/internal/httpapi"
	"tillsight/backend/internal/reconcile"
	"tillsight/backend/internal/service"
	"tillsight/backend/internal/store"
	"tillsight/backend/internal/store/memory"
	pgstore "tillsight/backend/internal/store/postgres"
	"tillsight/backend/internal/summary"
	"tillsight/backend/internal/upstream"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		} else {
			repo = pg
			closers = append(closers, pg.Close)
			log.Println("repository: postgres")
		}
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			reportCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	rates := currency.NewProvider(repo, reportCache, cfg.ReportingCurrency)
	matcher := catalog.New(repo)
	builder := summary.New(repo)
	posClient := upstream.NewHTTPClient(cfg.POSAPIBaseURL,
		time.Duration(cfg.POSAPITimeoutSeconds)*time.Second, cfg.POSAPIRequestsPerSecond)
	reconciler := reconcile.New(repo, posClient, builder)

	svc := service.New(repo, rates, matcher, builder, reconciler, reportCache,
		time.Duration(cfg.BackfillSoftLimitMinutes)*time.Minute)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	schedulerDone := make(chan struct{})
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go runScheduler(schedulerCtx, reconciler, time.Duration(cfg.SyncIntervalMinutes)*time.Minute, schedulerDone)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("analytics backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopScheduler()
	<-schedulerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// runScheduler drives the periodic incremental sync across all active
// accounts. A missed or failed round is not fatal; the next round's
// overlapping windows pick up whatever it left behind.
func runScheduler(ctx context.Context, reconciler *reconcile.Reconciler, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("scheduler: syncing every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler stopped")
			return
		case <-ticker.C:
			if err := reconciler.SyncAllActive(ctx, 4); err != nil {
				log.Printf("scheduler: sync round failed: %v", err)
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
