package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/api_credits/internal/ledger"
	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
)

var (
	db              *sql.DB
	logger          logging.Logger
	svc             *ledger.Service
	emailService    *EmailService
	checkoutService *CheckoutService
	metrics         *BursarMetrics
	producer        *kafka.KafkaProducer
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	ChargeOperations *prometheus.CounterVec
	TopUpOperations  *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	WalletBalance    *prometheus.GaugeVec
	DBQueries        *prometheus.CounterVec
	DBDuration       *prometheus.HistogramVec
	DBConnections    *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, engine and event producer
func Init(database *sql.DB, log logging.Logger, engine *ledger.Service, bursarMetrics *BursarMetrics, kafkaProducer *kafka.KafkaProducer) {
	db = database
	logger = log
	svc = engine
	emailService = NewEmailService(log)
	checkoutService = NewCheckoutService(log)
	metrics = bursarMetrics
	producer = kafkaProducer

	if svc != nil {
		svc.OnChange(emitLedgerEvent)
	}
}
