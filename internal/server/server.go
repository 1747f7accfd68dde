package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fluxpay/fluxpay/internal/config"
	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/notification"
	"github.com/fluxpay/fluxpay/internal/payments"
	"github.com/fluxpay/fluxpay/internal/rail"
	"github.com/fluxpay/fluxpay/internal/routes"
	"github.com/fluxpay/fluxpay/internal/scheduler"
)

// Server wraps the Fiber application, background jobs and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	db        *pgxpool.Pool
	cache     *redis.Client
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// Options carries optional collaborators. Zero values select the defaults.
type Options struct {
	Notifier notification.Notifier
	Gateway  rail.Gateway
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger, opts Options) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: errorHandler(logger),
	})

	backends, err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Notifier: opts.Notifier,
		Gateway:  opts.Gateway,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	jobs := scheduler.NewJobs(backends.Rotator, backends.Ledger, cfg.Payments.PendingTimeout, logger)
	sched := scheduler.New(jobs, scheduler.Schedules{
		OfferRotation: cfg.Jobs.OfferRotationSchedule,
		PendingSweep:  cfg.Jobs.PendingSweepSchedule,
	}, logger)

	return &Server{app: app, cfg: cfg, db: db, cache: cache, scheduler: sched, logger: logger}, nil
}

// App returns the underlying Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the background jobs and the HTTP server.
func (s *Server) Listen() error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then waits for running jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	select {
	case <-s.scheduler.Stop().Done():
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// errorHandler renders errors as JSON. Payment rejections carry their reason
// code; anything unexpected is logged and hidden behind a 500.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var rej *payments.Rejection
		if errors.As(err, &rej) {
			return payments.RenderRejection(c, rej)
		}
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
		}
		logger.Error("unhandled error",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
