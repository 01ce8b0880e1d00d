package handlers

import (
	"time"

	"github.com/google/uuid"

	"frameworks/api_credits/internal/ledger"
	"frameworks/api_credits/pkg/kafka"
)

// emitLedgerEvent publishes a committed ledger change to the events
// topic. Emission is best-effort: the change is already durable in
// Postgres, so a publish failure is logged and dropped rather than
// unwinding the commit.
func emitLedgerEvent(change ledger.Change) {
	if producer == nil || change.TenantID == "" {
		return
	}

	event := &kafka.LedgerEvent{
		EventID:   uuid.New().String(),
		EventType: change.Type,
		TenantID:  change.TenantID,
		WalletID:  change.WalletID,
		Amount:    change.Amount,
		Balance:   change.Balance,
		Reference: change.Reference,
		Source:    "bursar",
		Timestamp: time.Now().UTC(),
		Details:   change.Details,
	}
	if err := producer.PublishLedgerEvent(event); err != nil {
		logger.WithError(err).WithField("event_type", change.Type).Warn("Failed to emit ledger event")
	}
}
