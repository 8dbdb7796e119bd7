package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/gpay-escrow/cache"
	"github.com/yourusername/gpay-escrow/config"
	"github.com/yourusername/gpay-escrow/escrow"
	"github.com/yourusername/gpay-escrow/events"
	"github.com/yourusername/gpay-escrow/gateway"
	"github.com/yourusername/gpay-escrow/handlers"
	"github.com/yourusername/gpay-escrow/middleware"
	"github.com/yourusername/gpay-escrow/service"
	"github.com/yourusername/gpay-escrow/store"
	"github.com/yourusername/gpay-escrow/telemetry"
)

const (
	serviceName      = "gpay-escrow-api"
	outboxMaxRetries = 10
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", serviceName)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	db, err := config.InitDB(cfg)
	if err != nil {
		return err
	}
	st := store.New(db)

	keys, locker, closeCache, err := coordination(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	stellar, err := newStellarGateway(cfg, keys)
	if err != nil {
		return err
	}
	svc := service.New(st, gateway.NewIdempotent(stellar, keys, cfg.IdempotencyTTL), service.Options{
		Fees:            cfg.Fees.For,
		DefaultCurrency: cfg.DefaultCurrency,
		GatewayTimeout:  cfg.GatewayTimeout,
		Logger:          logger,
	})
	reconciler := service.NewReconciler(st, logger, nil)
	sweeper := service.NewSweeper(svc, locker, cfg.FundingTimeout, cfg.SweepInterval, cfg.OutboxBatchSize)

	publisher := events.Publisher(events.NewLoggingPublisher(logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, nil)
		if err != nil {
			logger.WarnContext(ctx, "kafka publisher disabled, using logging publisher", "error", err)
		} else {
			publisher = kafka
			defer kafka.Close()
		}
	}
	outbox := events.NewOutboxWorker(logger, st, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outboxMaxRetries)

	var wg sync.WaitGroup
	for name, loop := range map[string]func(context.Context) error{
		"outbox_worker": outbox.Run,
		"sweeper":       sweeper.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop stopped", "module", name, "error", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, st, svc, reconciler, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting escrow API server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("escrow API server stopped")
	return err
}

// coordination picks the idempotency key store and sweeper lock. Without
// Redis both are process-local, which is only safe for a single replica.
func coordination(ctx context.Context, cfg *config.Config, logger *slog.Logger) (gateway.KeyStore, service.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.WarnContext(ctx, "REDIS_URL not set, using in-memory idempotency keys and sweeper lock")
		mem := cache.NewMemory()
		return mem, mem, func() {}, nil
	}
	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return cache.NewRedisKeyStore(client), cache.NewRedisLock(client), func() { _ = client.Close() }, nil
}

func newStellarGateway(cfg *config.Config, envelopes gateway.KeyStore) (*gateway.Stellar, error) {
	assets := make(map[string]gateway.Asset, len(cfg.StellarAssets))
	for currency, raw := range cfg.StellarAssets {
		asset, err := gateway.ParseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("STELLAR_ASSETS %s: %w", currency, err)
		}
		assets[currency] = asset
	}
	return gateway.NewStellar(gateway.StellarConfig{
		HorizonURL:        cfg.HorizonURL,
		NetworkPassphrase: cfg.NetworkPassphrase,
		EscrowSecret:      cfg.EscrowAccountSecret,
		Assets:            assets,
		Timeout:           cfg.GatewayTimeout,
		Envelopes:         envelopes,
		EnvelopeTTL:       cfg.IdempotencyTTL,
	})
}

func newRouter(cfg *config.Config, st *store.Store, svc *service.Service, reconciler *service.Reconciler, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+handlers.IdempotencyKeyHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", handlers.Health(serviceName, st))

	// Gateway callbacks authenticate by signature, not by user token.
	webhookHandler := handlers.NewWebhookHandler(cfg.WebhookSecret, reconciler, logger)
	router.POST("/webhooks/gateway", webhookHandler.HandleGateway)

	contracts := handlers.NewContractHandler(svc, cfg.DefaultCurrency, logger)
	api := router.Group("/api/v1")
	api.Use(middleware.JwtAuthMiddleware(cfg))
	{
		api.POST("/contracts", contracts.CreateContract)
		api.GET("/contracts/:id", contracts.GetContract)
		api.GET("/contracts/:id/payments", contracts.ListPayments)
		api.GET("/contracts/:id/ledger", contracts.GetLedger)

		// Funding
		api.POST("/contracts/:id/fund", contracts.FundEscrow)
		api.POST("/contracts/:id/payments/:paymentId/capture", contracts.CaptureFunding)

		// Milestones
		api.POST("/contracts/:id/milestones/:index/start", contracts.StartMilestone)
		api.POST("/contracts/:id/milestones/:index/submit", contracts.SubmitMilestone)
		api.POST("/contracts/:id/milestones/:index/view", contracts.MarkMilestoneViewed)
		api.POST("/contracts/:id/milestones/:index/approve", contracts.ApproveMilestone)
		api.POST("/contracts/:id/milestones/:index/reject", contracts.RejectMilestone)

		// Contract lifecycle
		api.POST("/contracts/:id/cancel", contracts.CancelContract)
		api.POST("/contracts/:id/pause", contracts.PauseContract)
		api.POST("/contracts/:id/resume", contracts.ResumeContract)
		api.POST("/contracts/:id/modifications", contracts.RequestModification)
		api.POST("/contracts/:id/modifications/respond", contracts.RespondModification)

		// Disputes
		api.POST("/contracts/:id/disputes", contracts.OpenDispute)
		api.POST("/contracts/:id/disputes/settle", middleware.RequireRole(escrow.RoleAdmin), contracts.SettleDispute)
	}

	return router
}
