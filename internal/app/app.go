// Package app wires configuration, storage, domain services and the HTTP
// server of the billing API.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
	"github.com/xenking/billing-core/internal/domain/receipt"
	"github.com/xenking/billing-core/internal/domain/vat"
	"github.com/xenking/billing-core/internal/handler"
	"github.com/xenking/billing-core/internal/processor"
	"github.com/xenking/billing-core/pkg/health"
	"github.com/xenking/billing-core/pkg/httpmiddleware"
)

const serviceName = "billing-api"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
		zap.String("lock", cfg.Lock),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	b, err := openBackends(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer b.Close()

	proc, err := newProcessor(lg, m, cfg)
	if err != nil {
		return err
	}

	orders := order.NewService(
		b.orders,
		b.directory,
		vat.NewCalculator(b.profiles),
		discount.NewCatalog(b.discounts),
		b.captured,
		b.locker,
		order.WithAllowEmptyOrders(cfg.Orders.AllowEmpty),
	)
	payments, err := payment.NewService(b.payments, b.orders, b.locker, proc, b.keys,
		payment.WithDefaultTimeout(cfg.Payments.Timeout),
		payment.WithTracerProvider(m.TracerProvider()),
		payment.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create payment service")
	}
	receipts := receipt.NewProjector(b.receipts, cfg.Receipts.PerPage)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Leaves room for the slowest processor call.
		WriteTimeout:   cfg.Payments.Timeout + 5*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        newRouter(ctx, lg, m, cfg, healthSvc, handler.NewHandler(orders, payments, receipts)),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newProcessor routes cash to the in-process processor and cards and wallets
// to the HTTP gateway when one is configured.
func newProcessor(lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) (payment.Processor, error) {
	router := processor.Router{payment.MethodCash: processor.Cash{}}
	if cfg.Gateway.URL == "" {
		lg.Warn("No payment gateway configured; only cash payments are accepted")
		return router, nil
	}
	gw, err := processor.NewGateway(processor.GatewayConfig{
		BaseURL:        cfg.Gateway.URL,
		APIKey:         cfg.Gateway.APIKey,
		Timeout:        cfg.Payments.Timeout,
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gateway")
	}
	router[payment.MethodCard] = gw
	router[payment.MethodDigitalWallet] = gw
	return router, nil
}

func newRouter(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config, hs *health.Health, h *handler.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/livez", hs.LiveEndpoint)
	r.Get("/readyz", hs.ReadyEndpoint)
	r.Mount("/api", h.Routes())

	return httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization", handler.IdempotencyKeyHeader, httpmiddleware.RequestIDHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:               cfg.RateLimit.Max,
			Window:            cfg.RateLimit.Window,
			TrustForwardedFor: cfg.RateLimit.TrustForwardedFor,
		}),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument(serviceName, m),
		httpmiddleware.LogRequests(),
	)
}
