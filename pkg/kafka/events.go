package kafka

import "time"

// Topics used by the credit ledger
const (
	// TopicLedgerEvents carries wallet and ledger lifecycle events emitted
	// by bursar for downstream consumers (analytics, notifications).
	TopicLedgerEvents = "credits.events"

	// TopicPaymentConfirmations carries payment provider confirmations
	// consumed by bursar to fulfill top-up orders.
	TopicPaymentConfirmations = "credits.payment_confirmations"
)

// Ledger event types
const (
	EventWalletCredited = "wallet-credited"
	EventWalletDebited  = "wallet-debited"
	EventWalletFrozen   = "wallet-frozen"
	EventWalletUnfrozen = "wallet-unfrozen"
	EventCycleAdvanced  = "cycle-advanced"
	EventTopUpCompleted = "topup-completed"
	EventTopUpFailed    = "topup-failed"
	EventTopUpExpired   = "topup-expired"
	EventResourceUnlock = "resource-unlocked"
	EventQuotaConsumed  = "quota-consumed"
	EventLedgerMismatch = "ledger-mismatch"
)

// LedgerEvent is the envelope for all events bursar publishes.
type LedgerEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	TenantID  string                 `json:"tenant_id"`
	WalletID  string                 `json:"wallet_id,omitempty"`
	Amount    int64                  `json:"amount,omitempty"`
	Balance   int64                  `json:"balance,omitempty"`
	Reference string                 `json:"reference,omitempty"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PaymentConfirmation is the payload consumed from the payment
// confirmations topic. Delivery is at-least-once; consumers must treat
// duplicate confirmations for the same order reference as no-ops.
type PaymentConfirmation struct {
	EventID        string    `json:"event_id"`
	OrderReference string    `json:"order_reference"`
	PaymentStatus  string    `json:"payment_status"`
	Provider       string    `json:"provider"`
	ProviderTxID   string    `json:"provider_tx_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
