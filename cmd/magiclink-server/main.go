// Command magiclink-server runs the magic-link HTTP service.
//
// Usage:
//
//	magiclink-server [serve]      start the HTTP server (default)
//	magiclink-server migrate up   apply database migrations
//	magiclink-server migrate down roll back the last migration
//	magiclink-server sweep        purge consumed and expired tokens once
//
// Settings come from .env and the environment; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/delivery"
	"github.com/MrEthical07/magiclink/httpapi"
	"github.com/MrEthical07/magiclink/internal/config"
	"github.com/MrEthical07/magiclink/internal/logger"
	"github.com/MrEthical07/magiclink/metrics/export/prometheus"
	"github.com/MrEthical07/magiclink/sqlstore"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.IsDevelopment(), cfg.SentryDSN)
	defer logger.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, os.Args[1:]); err != nil {
		log.Error("magiclink-server failed", "error", err)
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	db, err := sqlstore.Open(ctx, cfg.SQLDriver(), cfg.DBConnection)
	if err != nil {
		return err
	}
	defer db.Close()

	switch cmd {
	case "migrate":
		dir := "up"
		if len(args) > 1 {
			dir = args[1]
		}
		switch dir {
		case "up":
			return sqlstore.Migrate(db.DB, cfg.SQLDriver())
		case "down":
			return sqlstore.MigrateDown(db.DB, cfg.SQLDriver())
		default:
			return fmt.Errorf("unknown migrate direction %q", dir)
		}
	case "serve", "sweep":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := sqlstore.Migrate(db.DB, cfg.SQLDriver()); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	engine, err := buildEngine(cfg, log, db, rdb)
	if err != nil {
		return err
	}
	defer engine.Close()

	if cmd == "sweep" {
		n, err := engine.Sweep(ctx)
		if err != nil {
			return err
		}
		log.Info("sweep finished", "purged", n)
		return nil
	}
	return serve(ctx, cfg, log, engine)
}

func buildEngine(cfg *config.Config, log *slog.Logger, db *sqlx.DB, rdb redis.UniversalClient) (*magiclink.Engine, error) {
	engineCfg, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	for _, w := range engineCfg.Lint() {
		log.Warn("config lint", "code", w.Code, "message", w.Message)
	}

	var deliverer magiclink.Deliverer
	if cfg.ResendAPIKey != "" {
		deliverer, err = delivery.NewResendDeliverer(delivery.ResendConfig{
			APIKey:  cfg.ResendAPIKey,
			From:    cfg.EmailFrom,
			AppName: cfg.AppName,
			LinkTTL: cfg.TokenMagicLinkExpiry,
		}, log)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("RESEND_API_KEY not set, magic links are written to the log")
		deliverer = delivery.NewLogDeliverer(log, cfg.AppName, cfg.TokenMagicLinkExpiry)
	}

	b := magiclink.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithTokenStore(sqlstore.NewTokenStore(db)).
		WithUserStore(sqlstore.NewUserStore(db)).
		WithDeliverer(deliverer).
		WithLogger(log)
	if cfg.AuditLog {
		b = b.WithAuditSink(magiclink.NewSlogSink(log.With("component", "audit")))
	}
	return b.Build()
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, engine *magiclink.Engine) error {
	router := httpapi.NewRouter(engine, httpapi.Options{
		Logger:            log,
		TrustForwardedFor: cfg.TrustForwardedFor,
	})
	if cfg.MetricsEnabled {
		router.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler()).Methods(http.MethodGet)
	}

	go engine.RunSweeper(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.AppEnv)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
