package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fluxpay/fluxpay/internal/config"
	"github.com/fluxpay/fluxpay/internal/infra"
	"github.com/fluxpay/fluxpay/internal/logging"
	"github.com/fluxpay/fluxpay/internal/notification"
	"github.com/fluxpay/fluxpay/internal/server"
	"github.com/fluxpay/fluxpay/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)

	ctx := context.Background()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := infra.Migrate(db, migrations.FS, logger); err != nil {
			logger.Error("migrate postgres", "error", err)
			os.Exit(1)
		}
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(logger)
	if cfg.RabbitMQURL != "" {
		publisher, err := notification.NewAMQPNotifier(cfg.RabbitMQURL, notification.DefaultExchange, logger)
		if err != nil {
			// payments must not depend on the broker being up
			logger.Warn("rabbitmq unavailable; notifications will only be logged", "error", err)
		} else {
			// publishing runs off the request path; a blocked broker drops events instead of stalling payments
			async := notification.NewAsync(publisher, 1024, 5*time.Second, logger)
			notifier = notification.FanOut{notifier, async}
			defer func() {
				drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := async.Close(drainCtx); err != nil {
					logger.Warn("drain notifications", "error", err)
				}
				if err := publisher.Close(); err != nil {
					logger.Warn("close rabbitmq", "error", err)
				}
			}()
		}
	}

	srv, err := server.New(cfg, db, cache, logger, server.Options{Notifier: notifier})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
