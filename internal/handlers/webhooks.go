package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"frameworks/api_credits/internal/ledger"
	api "frameworks/api_credits/pkg/api/bursar"
	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
)

// Payment confirmation statuses accepted from providers. Providers use
// slightly different vocabularies; these are the normalized forms.
const (
	confirmationPaid      = "paid"
	confirmationFailed    = "failed"
	confirmationCancelled = "cancelled"
	confirmationExpired   = "expired"
)

const defaultEscalationThreshold = 3

// verifyWebhookSignature verifies the webhook signature header using
// HMAC-SHA256 over "timestamp.payload". Header format: t=timestamp,v1=sig
// with multiple v1 entries allowed during secret rotation.
func verifyWebhookSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, element := range strings.Split(signature, ",") {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid webhook signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Webhook timestamp too old")
		return false
	}

	signedPayload := timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"provided":    signatures,
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Webhook signature verification failed")

	return false
}

// HandlePaymentWebhook receives payment confirmations from providers.
// POST /webhooks/payments
//
// Delivery is at-least-once: replays of already-fulfilled orders get a 200
// so the provider stops retrying, while transient failures get a 5xx so it
// tries again.
func HandlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Failed to read request body", Code: "validation_error"})
		return
	}

	secret := os.Getenv("WEBHOOK_SIGNING_SECRET")
	signature := c.GetHeader("Webhook-Signature")
	if !verifyWebhookSignature(body, signature, secret) {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "Invalid webhook signature", Code: "invalid_signature"})
		return
	}

	var payload api.PaymentWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid webhook payload", Code: "validation_error"})
		return
	}
	if payload.OrderReference == "" || payload.PaymentStatus == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "order_reference and payment_status are required", Code: "validation_error"})
		return
	}

	provider := payload.Provider
	if provider == "" {
		provider = "unknown"
	}

	if payload.EventID != "" && isWebhookAlreadyProcessed(provider, payload.EventID) {
		logger.WithFields(logging.Fields{
			"provider": provider,
			"event_id": payload.EventID,
		}).Info("Webhook event already processed, skipping")
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	status, resp := processPaymentConfirmation(c.Request.Context(), kafka.PaymentConfirmation{
		EventID:        payload.EventID,
		OrderReference: payload.OrderReference,
		PaymentStatus:  payload.PaymentStatus,
		Provider:       provider,
		ProviderTxID:   payload.ProviderTxID,
		FailureReason:  payload.FailureReason,
		Timestamp:      payload.Timestamp,
	})

	if status < 500 && payload.EventID != "" {
		markWebhookProcessed(provider, payload.EventID, payload.PaymentStatus)
	}
	c.JSON(status, resp)
}

// processPaymentConfirmation applies a normalized payment confirmation to its
// top-up order. Shared by the HTTP webhook and the Kafka confirmation
// consumer, so both paths behave identically.
func processPaymentConfirmation(ctx context.Context, conf kafka.PaymentConfirmation) (int, interface{}) {
	log := logger.WithFields(logging.Fields{
		"order_reference": conf.OrderReference,
		"payment_status":  conf.PaymentStatus,
		"provider":        conf.Provider,
	})

	switch normalizeConfirmationStatus(conf.PaymentStatus) {
	case confirmationPaid:
		result, err := svc.FulfillOrder(ctx, conf.OrderReference)
		if err != nil {
			return fulfillmentErrorStatus(err, log)
		}
		if metrics != nil {
			outcome := "fulfilled"
			if result.Duplicate {
				outcome = "duplicate"
			}
			metrics.TopUpOperations.WithLabelValues(outcome, conf.Provider).Inc()
		}
		if result.Duplicate {
			log.Info("Duplicate payment confirmation absorbed")
			return http.StatusOK, gin.H{"status": "already_fulfilled"}
		}
		log.WithField("new_balance", result.NewBalance).Info("Top-up order fulfilled")
		return http.StatusOK, gin.H{"status": "fulfilled", "new_balance": result.NewBalance}

	case confirmationFailed:
		retryCount, err := svc.FailOrder(ctx, conf.OrderReference, conf.FailureReason)
		if err != nil {
			if errors.Is(err, ledger.ErrOrderNotFound) {
				return http.StatusNotFound, api.ErrorResponse{Error: "Order not found", Code: "order_not_found"}
			}
			log.WithError(err).Error("Failed to record payment failure")
			return http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to record payment failure", Code: "internal_error"}
		}
		if metrics != nil {
			metrics.TopUpOperations.WithLabelValues("failed", conf.Provider).Inc()
		}
		escalateFailedOrder(ctx, conf, retryCount, log)
		return http.StatusOK, gin.H{"status": "failed", "retry_count": retryCount}

	case confirmationCancelled:
		if err := svc.CancelOrder(ctx, conf.OrderReference); err != nil {
			if errors.Is(err, ledger.ErrOrderNotFound) {
				// Already delivered or already terminal; nothing to cancel
				return http.StatusOK, gin.H{"status": "not_cancellable"}
			}
			log.WithError(err).Error("Failed to cancel order")
			return http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to cancel order", Code: "internal_error"}
		}
		if metrics != nil {
			metrics.TopUpOperations.WithLabelValues("cancelled", conf.Provider).Inc()
		}
		return http.StatusOK, gin.H{"status": "cancelled"}

	case confirmationExpired:
		if err := svc.ExpireOrder(ctx, conf.OrderReference); err != nil {
			if errors.Is(err, ledger.ErrOrderNotFound) {
				return http.StatusOK, gin.H{"status": "not_expirable"}
			}
			log.WithError(err).Error("Failed to expire order")
			return http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to expire order", Code: "internal_error"}
		}
		if metrics != nil {
			metrics.TopUpOperations.WithLabelValues("expired", conf.Provider).Inc()
		}
		return http.StatusOK, gin.H{"status": "expired"}

	default:
		log.Warn("Unknown payment status in confirmation, ignoring")
		return http.StatusOK, gin.H{"status": "ignored"}
	}
}

// fulfillmentErrorStatus maps FulfillOrder errors to webhook responses. The
// status code decides whether the provider retries: frozen wallets and
// transient conflicts return 5xx so delivery is reattempted once the wallet
// thaws, while expired orders are terminal.
func fulfillmentErrorStatus(err error, log *logrus.Entry) (int, interface{}) {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		return http.StatusNotFound, api.ErrorResponse{Error: "Order not found", Code: "order_not_found"}
	case errors.Is(err, ledger.ErrOrderExpired):
		log.Warn("Payment confirmation for expired order")
		return http.StatusGone, api.ErrorResponse{Error: "Order has expired", Code: "order_expired"}
	case errors.Is(err, ledger.ErrWalletFrozen):
		log.Warn("Payment confirmation deferred: wallet frozen")
		return http.StatusServiceUnavailable, api.ErrorResponse{Error: "Wallet is frozen, delivery deferred", Code: "wallet_frozen"}
	case errors.Is(err, ledger.ErrTransientConflict):
		log.Warn("Payment confirmation deferred: transient conflict")
		return http.StatusServiceUnavailable, api.ErrorResponse{Error: "Transient conflict, retry later", Code: "transient_conflict"}
	case ledger.IsValidationError(err):
		return http.StatusConflict, api.ErrorResponse{Error: err.Error(), Code: "order_not_fulfillable"}
	default:
		log.WithError(err).Error("Failed to fulfill top-up order")
		return http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fulfill order", Code: "internal_error"}
	}
}

// escalateFailedOrder emails ops once an order has failed often enough.
func escalateFailedOrder(ctx context.Context, conf kafka.PaymentConfirmation, retryCount int, log *logrus.Entry) {
	threshold := defaultEscalationThreshold
	if v := os.Getenv("TOPUP_ESCALATION_THRESHOLD"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			threshold = parsed
		}
	}
	if retryCount < threshold {
		return
	}

	order, err := svc.GetOrderByReference(ctx, conf.OrderReference)
	if err != nil {
		log.WithError(err).Warn("Failed to load order for escalation email")
		return
	}

	go func() {
		if err := emailService.SendTopUpEscalationEmail(
			order.TenantID, order.Reference, order.CreditsAmount,
			order.PriceCents, order.Currency, retryCount, conf.FailureReason,
		); err != nil {
			logger.WithError(err).Warn("Failed to send top-up escalation email")
		}
	}()

	log.WithFields(logging.Fields{
		"retry_count": retryCount,
		"threshold":   threshold,
	}).Warn("Top-up order escalated after repeated payment failures")
}

func normalizeConfirmationStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "completed", "succeeded":
		return confirmationPaid
	case "failed", "payment_failed":
		return confirmationFailed
	case "cancelled", "canceled":
		return confirmationCancelled
	case "expired":
		return confirmationExpired
	default:
		return ""
	}
}

// isWebhookAlreadyProcessed checks if a webhook event was already handled
func isWebhookAlreadyProcessed(provider, eventID string) bool {
	if db == nil {
		return false
	}
	var exists bool
	err := db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM bursar.webhook_events WHERE provider = $1 AND event_id = $2)
	`, provider, eventID).Scan(&exists)
	return err == nil && exists
}

// markWebhookProcessed marks a webhook event as processed
func markWebhookProcessed(provider, eventID, eventType string) {
	if db == nil {
		return
	}
	_, err := db.Exec(`
		INSERT INTO bursar.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		logger.WithError(err).Warn("Failed to mark webhook as processed")
	}
}
