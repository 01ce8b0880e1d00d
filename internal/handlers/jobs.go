package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"frameworks/api_credits/internal/ledger"
	"frameworks/api_credits/pkg/config"
	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
)

// JobManager runs the background jobs: the billing cycle sweep, top-up
// order expiry and the Kafka payment confirmation consumer.
type JobManager struct {
	db             *sql.DB
	logger         logging.Logger
	engine         *ledger.Service
	kafkaConsumer  *kafka.Consumer
	stopCh         chan struct{}
	sweepInterval  time.Duration
	expiryInterval time.Duration
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, engine *ledger.Service) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-confirmations")
	kLogger := logrus.New() // Adapt logger

	// Consumer group for payment confirmations. Unique group ID so we do
	// not collide with other consumers on the same brokers.
	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, kLogger)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for payment confirmations")
		// Don't fatal here, allow API to start without consumer if needed
	}

	return &JobManager{
		db:             database,
		logger:         log,
		engine:         engine,
		kafkaConsumer:  consumer,
		stopCh:         make(chan struct{}),
		sweepInterval:  config.GetEnvDuration("SWEEP_INTERVAL", time.Hour),
		expiryInterval: config.GetEnvDuration("ORDER_EXPIRY_INTERVAL", 10*time.Minute),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting credit job manager")

	// Start payment confirmation consumer
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(kafka.TopicPaymentConfirmations, jm.handlePaymentConfirmation)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	// Start billing cycle sweep job
	go jm.runCycleSweep(ctx)

	// Start top-up order expiry job
	go jm.runOrderExpiry(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping credit job manager")
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.Close()
	}
	close(jm.stopCh)
}

// handlePaymentConfirmation consumes payment confirmations from Kafka.
// The same dispatch as the HTTP webhook, so providers can deliver either
// way. Non-retryable outcomes are logged and committed; 5xx outcomes are
// returned as errors so the message is redelivered.
func (jm *JobManager) handlePaymentConfirmation(ctx context.Context, msg kafka.Message) error {
	var conf kafka.PaymentConfirmation
	if err := json.Unmarshal(msg.Value, &conf); err != nil {
		jm.logger.WithError(err).Error("Failed to unmarshal payment confirmation from Kafka")
		return nil // Skip bad message
	}

	if conf.OrderReference == "" || conf.PaymentStatus == "" {
		jm.logger.WithField("event_id", conf.EventID).Warn("Payment confirmation missing order reference or status, skipping")
		return nil
	}

	provider := conf.Provider
	if provider == "" {
		provider = "kafka"
	}
	if conf.EventID != "" && isWebhookAlreadyProcessed(provider, conf.EventID) {
		return nil
	}

	status, _ := processPaymentConfirmation(ctx, conf)
	if status >= 500 {
		jm.logger.WithFields(logging.Fields{
			"order_reference": conf.OrderReference,
			"payment_status":  conf.PaymentStatus,
			"http_status":     status,
		}).Warn("Payment confirmation deferred, will be redelivered")
		return errRetryConfirmation
	}

	if conf.EventID != "" {
		markWebhookProcessed(provider, conf.EventID, conf.PaymentStatus)
	}

	jm.logger.WithFields(logging.Fields{
		"order_reference": conf.OrderReference,
		"payment_status":  conf.PaymentStatus,
		"provider":        provider,
	}).Debug("Processed payment confirmation from Kafka")

	return nil
}

// runCycleSweep advances due billing cycles on a schedule.
func (jm *JobManager) runCycleSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.WithField("interval", jm.sweepInterval).Info("Starting billing cycle sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepCycles(ctx)
		}
	}
}

func (jm *JobManager) sweepCycles(ctx context.Context) {
	stats, err := jm.engine.RunSweep(ctx, time.Now().UTC())
	if err != nil {
		jm.logger.WithError(err).Error("Billing cycle sweep failed")
		return
	}
	if metrics != nil {
		metrics.SweepRuns.WithLabelValues("scheduled").Inc()
	}
	if stats.Failures > 0 {
		jm.logger.WithFields(logging.Fields{
			"examined": stats.Examined,
			"advanced": stats.Advanced,
			"failures": stats.Failures,
		}).Warn("Billing cycle sweep finished with failures")
	}
}

// runOrderExpiry expires overdue top-up orders on a schedule.
func (jm *JobManager) runOrderExpiry(ctx context.Context) {
	ticker := time.NewTicker(jm.expiryInterval)
	defer ticker.Stop()

	jm.logger.WithField("interval", jm.expiryInterval).Info("Starting top-up order expiry job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if _, err := jm.engine.ExpireOrders(ctx, time.Now().UTC()); err != nil {
				jm.logger.WithError(err).Error("Top-up order expiry failed")
			}
		}
	}
}

// errRetryConfirmation signals the consumer to redeliver a confirmation.
var errRetryConfirmation = &retryableConfirmationError{}

type retryableConfirmationError struct{}

func (e *retryableConfirmationError) Error() string {
	return "payment confirmation processing deferred"
}
