package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/formdepot/pkg/asset"
	"github.com/platinummonkey/formdepot/pkg/collection"
	"github.com/platinummonkey/formdepot/pkg/config"
	"github.com/platinummonkey/formdepot/pkg/httputil"
	"github.com/platinummonkey/formdepot/pkg/observability"
	"github.com/platinummonkey/formdepot/pkg/permission"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "formdepot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	log.WithField("port", cfg.Server.Port).Info("starting formdepot")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Permission tables first: collections and assets reference them
	// logically, and their migrations assume the tracking tables exist
	// in this order.
	if err := permission.Migrate(ctx, db); err != nil {
		return fmt.Errorf("permission migrations: %w", err)
	}
	if err := collection.Migrate(ctx, db); err != nil {
		return fmt.Errorf("collection migrations: %w", err)
	}
	if err := asset.Migrate(ctx, db); err != nil {
		return fmt.Errorf("asset migrations: %w", err)
	}
	log.Info("database migrations applied")

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	var cache *permission.Cache
	if cfg.Cache.Enabled {
		cache, err = permission.NewCache(cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		cache = cache.WithMetrics(metrics)
		log.Info("permission cache enabled")
	}

	permStore := permission.NewStore(db)
	collectionStore := collection.NewStore(db)
	assetStore := asset.NewStore(db)

	propagator := permission.NewPropagator(db, nil, log).
		WithMetrics(metrics).
		WithCache(cache)

	collectionService := collection.NewService(collectionStore, permStore, propagator, log).
		WithAssets(assetStore).
		WithCache(cache).
		WithMetrics(metrics)
	assetService := asset.NewService(assetStore, collectionStore, permStore, propagator, log).
		WithMetrics(metrics)

	router := mux.NewRouter()
	collection.NewHandlers(collectionService).RegisterRoutes(router)
	asset.NewHandlers(assetService).RegisterRoutes(router)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(log),
		httputil.LoggingMiddleware(log, metrics),
	)(router)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, cache.Client())
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/livez", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			healthServer.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("formdepot stopped")
	return nil
}
