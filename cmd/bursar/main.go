package main

import (
	"context"
	"strings"

	"frameworks/api_credits/internal/handlers"
	"frameworks/api_credits/internal/ledger"
	"frameworks/api_credits/pkg/auth"
	"frameworks/api_credits/pkg/config"
	"frameworks/api_credits/pkg/database"
	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/monitoring"
	"frameworks/api_credits/pkg/server"
	"frameworks/api_credits/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credits API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	webhookSecret := config.RequireEnv("WEBHOOK_SIGNING_SECRET")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Kafka producer for ledger events (optional, service runs without it)
	var producer *kafka.KafkaProducer
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	if config.GetEnvBool("KAFKA_ENABLED", true) {
		var err error
		producer, err = kafka.NewKafkaProducer(brokers, clusterID, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to create Kafka producer, ledger events disabled")
		} else {
			defer producer.Close()
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":           dbURL,
		"JWT_SECRET":             jwtSecret,
		"WEBHOOK_SIGNING_SECRET": webhookSecret,
	}))
	if producer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	}

	// Create custom credit metrics
	metrics := &handlers.BursarMetrics{
		ChargeOperations: metricsCollector.NewCounter("charge_operations_total", "Action charges processed", []string{"action_type", "outcome"}),
		TopUpOperations:  metricsCollector.NewCounter("topup_operations_total", "Top-up order operations", []string{"outcome", "provider"}),
		SweepRuns:        metricsCollector.NewCounter("cycle_sweep_runs_total", "Billing cycle sweep runs", []string{"trigger"}),
		WalletBalance:    metricsCollector.NewGauge("wallet_balance_credits", "Last observed wallet balance", []string{"tenant_id"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Credit ledger engine
	engine := ledger.New(db, logger, ledger.DefaultConfig())

	// Initialize handlers
	handlers.Init(db, logger, engine, metrics, producer)

	// Initialize and start JobManager for background tasks
	jobManager := handlers.NewJobManager(db, logger, engine)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - cycle sweep and order expiry active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/credits/ prefix)
	{
		// Tenant endpoints (JWT required)
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/credits/summary", handlers.GetWalletSummary)
			protected.GET("/credits/transactions", handlers.GetTransactions)
			protected.GET("/credits/pricing", handlers.GetPricing)
			protected.POST("/credits/topups", handlers.CreateTopUp)
			protected.GET("/credits/topups", handlers.ListTopUps)
		}

		// Webhook endpoints (HMAC verified, no auth middleware)
		router.POST("/webhooks/payments", handlers.HandlePaymentWebhook)
		router.POST("/webhooks/payments/mollie", handlers.HandlePaymentWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/can-perform", handlers.CanPerform)
			serviceAPI.POST("/credits/charge", handlers.ChargeAction)
			serviceAPI.POST("/credits/unlock", handlers.UnlockResource)
			serviceAPI.POST("/wallets", handlers.CreateWallet)

			// Operator endpoints
			serviceAPI.POST("/wallets/:tenant_id/freeze", handlers.FreezeWallet)
			serviceAPI.POST("/wallets/:tenant_id/unfreeze", handlers.UnfreezeWallet)
			serviceAPI.POST("/wallets/:tenant_id/adjust", handlers.AdjustBalance)
			serviceAPI.GET("/wallets/:tenant_id/verify", handlers.VerifyLedger)
			serviceAPI.POST("/admin/sweep", handlers.RunSweep)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
