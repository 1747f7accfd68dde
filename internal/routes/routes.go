package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fluxpay/fluxpay/internal/config"
	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/middleware"
	"github.com/fluxpay/fluxpay/internal/notification"
	"github.com/fluxpay/fluxpay/internal/offer"
	"github.com/fluxpay/fluxpay/internal/payments"
	"github.com/fluxpay/fluxpay/internal/pin"
	"github.com/fluxpay/fluxpay/internal/rail"
	"github.com/fluxpay/fluxpay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Notifier notification.Notifier
	Gateway  rail.Gateway
	Logger   *slog.Logger
}

// Backends exposes the stores built by Setup so background jobs share them.
type Backends struct {
	Ledger  ledger.Ledger
	Catalog offer.Catalog
	Rotator *offer.Rotator
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (Backends, error) {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return Backends{}, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return Backends{}, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	// Health
	RegisterHealthRoutes(app, d)

	// Stores
	var (
		ledgerBackend ledger.Ledger
		catalog       offer.Catalog
	)
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB)
		catalog = offer.NewPostgresCatalog(d.DB)
	} else {
		d.Logger.Warn("no database configured; using in-memory ledger and offer catalog")
		ledgerBackend = ledger.NewInMemory()
		catalog = offer.NewMemoryCatalog()
	}

	matchRule, err := offer.ParseMatchRule(d.Cfg.Payments.CouponMatchRule)
	if err != nil {
		return Backends{}, err
	}
	rotator := offer.NewRotator(catalog, offer.RotatorConfig{}, d.Logger)
	if err := seedOffers(catalog, rotator); err != nil {
		d.Logger.Warn("initial offer rotation failed", slog.Any("error", err))
	}

	// Services and handlers
	guard := pin.NewGuard(ledgerBackend, pin.Policy{
		MaxAttempts:     d.Cfg.PIN.MaxAttempts,
		LockoutDuration: d.Cfg.PIN.Lockout,
		BcryptCost:      d.Cfg.PIN.BcryptCost,
	}, d.Logger)

	notifier := d.Notifier
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}
	gateway := d.Gateway
	if gateway == nil {
		gateway = rail.NewSimulatedGateway(rail.SimulatedConfig{
			SuccessRate: map[rail.Kind]float64{
				rail.UPI:  d.Cfg.Rail.SuccessRateUPI,
				rail.Card: d.Cfg.Rail.SuccessRateCard,
				rail.P2P:  d.Cfg.Rail.SuccessRateP2P,
			},
			MinLatency: d.Cfg.Rail.MinLatency,
			MaxLatency: d.Cfg.Rail.MaxLatency,
		}, nil)
	}

	paymentSvc := payments.NewService(payments.Deps{
		Ledger:   ledgerBackend,
		PINs:     guard,
		Coupons:  offer.NewResolver(catalog, matchRule, nil),
		Gateway:  gateway,
		Notifier: notifier,
		Logger:   d.Logger,
	}, payments.Config{
		MaxAmount: d.Cfg.Payments.MaxAmount,
		RewardPercent: map[rail.Kind]decimal.Decimal{
			rail.UPI:  d.Cfg.Payments.RewardPercentUPI,
			rail.Card: d.Cfg.Payments.RewardPercentCard,
			rail.P2P:  d.Cfg.Payments.RewardPercentP2P,
		},
		RailTimeout: d.Cfg.Rail.Timeout,
	})
	walletSvc := wallet.NewService(ledgerBackend, d.Cfg.Payments.MaxAmount, d.Logger)

	paymentHandler := payments.NewHandler(paymentSvc, ledgerBackend)
	walletHandler := wallet.NewHandler(walletSvc)
	pinHandler := pin.NewHandler(guard)
	offerHandler := offer.NewHandler(catalog, nil)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	RegisterOfferRoutes(api, offerHandler)

	// Protected routes
	protected := api.Group("", middleware.JWTAuth(d.Cfg.JWTSecret), middleware.Audit(d.Logger))
	RegisterAccountRoutes(protected, walletHandler)
	RegisterPINRoutes(protected, pinHandler)

	paymentGuards := []fiber.Handler{middleware.PaymentRateLimit(d.Cache, d.Cfg.Payments.RateLimitPerMinute, d.Logger)}
	if d.Cache != nil {
		paymentGuards = append(paymentGuards, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterPaymentRoutes(protected, paymentHandler, paymentGuards...)

	return Backends{Ledger: ledgerBackend, Catalog: catalog, Rotator: rotator}, nil
}

// seedOffers runs a rotation when no offer is currently active, so a fresh
// deployment has redeemable codes before the first scheduled rotation.
func seedOffers(catalog offer.Catalog, rotator *offer.Rotator) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	active, err := catalog.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}
	_, err = rotator.Rotate(ctx)
	return err
}
