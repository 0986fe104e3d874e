// Command server is the billing service: webhook ingestion, payment intent
// API, admin triggers, the reconciler cron, and the metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/outpostvpn/billing-service/internal/adapters/cryptobot"
	"github.com/outpostvpn/billing-service/internal/adapters/httpx"
	"github.com/outpostvpn/billing-service/internal/adapters/platega"
	"github.com/outpostvpn/billing-service/internal/adapters/postgres"
	"github.com/outpostvpn/billing-service/internal/adapters/telegram"
	"github.com/outpostvpn/billing-service/internal/adapters/vpn"
	"github.com/outpostvpn/billing-service/internal/adapters/yookassa"
	"github.com/outpostvpn/billing-service/internal/config"
	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	adminhandler "github.com/outpostvpn/billing-service/internal/handlers/admin"
	paymentshandler "github.com/outpostvpn/billing-service/internal/handlers/payments"
	webhookhandler "github.com/outpostvpn/billing-service/internal/handlers/webhook"
	"github.com/outpostvpn/billing-service/internal/logging"
	paymentservice "github.com/outpostvpn/billing-service/internal/services/payment"
	"github.com/outpostvpn/billing-service/internal/services/purchase"
	"github.com/outpostvpn/billing-service/internal/services/reconciler"
	webhookservice "github.com/outpostvpn/billing-service/internal/services/webhook"
	"github.com/outpostvpn/billing-service/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := logging.NewLogger(cfg.Logger.Level, cfg.Logger.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLogger.Sync()
	logger := logging.NewZapLogger(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	db := postgres.NewTxManager(pool)

	// Repositories
	paymentRepo := postgres.NewPaymentRepository(db, logger)
	subscriptionRepo := postgres.NewSubscriptionRepository(db, logger)
	keyRepo := postgres.NewKeyRepository(db, logger)
	tariffRepo := postgres.NewTariffRepository(db)
	userRepo := postgres.NewUserRepository(db)
	serverRepo := postgres.NewServerRepository(db)
	referralRepo := postgres.NewReferralRepository(db)

	// Outbound adapters
	httpClient := httpx.NewBreakerClient(30*time.Second, logger)
	providers := map[domain.Provider]ports.ProviderGateway{
		domain.ProviderYooKassa: yookassa.NewAdapter(yookassa.Config{
			ShopID:        cfg.YooKassa.ShopID,
			APIKey:        cfg.YooKassa.APIKey,
			ReturnURL:     cfg.YooKassa.ReturnURL,
			WebhookSecret: cfg.YooKassa.WebhookSecret,
		}, httpClient, logger),
		domain.ProviderPlatega: platega.NewAdapter(platega.Config{
			MerchantID: cfg.Platega.MerchantID,
			Secret:     cfg.Platega.Secret,
			ReturnURL:  cfg.Platega.ReturnURL,
		}, httpClient, logger),
		domain.ProviderCryptoBot: cryptobot.NewAdapter(cryptobot.Config{
			Token:         cfg.CryptoBot.Token,
			WebhookSecret: cfg.CryptoBot.WebhookSecret,
		}, httpClient, logger),
	}

	gatewayFactory := vpn.NewFactory(cfg.VPN.ServerTimeout, logger)
	notifier := telegram.NewNotifier(telegram.Config{
		BotToken:    cfg.Notifier.BotToken,
		AdminUserID: cfg.Notifier.AdminUserID,
		APIBaseURL:  cfg.Notifier.APIBaseURL,
	}, nil, httpClient, logger)

	// Services
	purchaseService := purchase.NewService(
		db, paymentRepo, subscriptionRepo, keyRepo,
		tariffRepo, userRepo, serverRepo, referralRepo,
		gatewayFactory, notifier, logger,
		purchase.Config{
			SubscriptionHost:       cfg.Payments.SubscriptionHost,
			PrimaryOutlineServerID: cfg.VPN.PrimaryOutlineServerID,
		})

	paymentService := paymentservice.NewService(
		paymentRepo, providers, purchaseService, notifier, logger,
		paymentservice.Config{
			DefaultCurrency: domain.Currency(cfg.Payments.DefaultCurrency),
			WaitTimeout:     time.Duration(cfg.Payments.TimeoutMinutes) * time.Minute,
			CheckInterval:   time.Duration(cfg.Payments.CheckIntervalSeconds) * time.Second,
		})

	webhookService := webhookservice.NewService(paymentRepo, providers, paymentService, logger)

	rec := reconciler.New(paymentRepo, paymentService, purchaseService, logger,
		reconciler.Config{
			CleanupExpiredAfter: time.Duration(cfg.Payments.CleanupExpiredHours) * time.Hour,
		})

	// Reconciler schedule
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Payments.ReconcileCron, func() {
		rec.Run(ctx)
	}); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP surface
	mux := http.NewServeMux()
	webhookhandler.NewHandler(webhookService, logger).Register(mux)
	adminhandler.NewHandler(paymentService, rec, logger, cfg.Server.AdminToken).Register(mux)
	paymentshandler.NewHandler(paymentService, logger, cfg.Server.AdminToken).Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // the wait poll can hold a request open
		IdleTimeout:  60 * time.Second,
	}

	metricsServer := observability.StartMetricsServer(cfg.Server.MetricsPort,
		observability.NewHealthChecker(pool))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			ports.String("addr", server.Addr),
			ports.String("metrics_port", cfg.Server.MetricsPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", ports.Err(err))
	}
	if err := observability.ShutdownMetricsServer(metricsServer); err != nil {
		logger.Warn("metrics shutdown failed", ports.Err(err))
	}
	return nil
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
