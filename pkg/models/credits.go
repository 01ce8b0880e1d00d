package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Transaction types recorded in the credit ledger. Spend amounts are
// strictly negative, reset amounts non-positive, adjust either sign,
// everything else non-negative.
const (
	TransactionEarn     = "earn"
	TransactionSpend    = "spend"
	TransactionPurchase = "purchase"
	TransactionReset    = "reset"
	TransactionRollover = "rollover"
	TransactionAdjust   = "adjust"
	TransactionRefund   = "refund"
)

// ValidateTransactionAmount enforces the sign convention per type.
func ValidateTransactionAmount(txType string, amount int64) error {
	switch txType {
	case TransactionSpend:
		if amount >= 0 {
			return fmt.Errorf("%s amount must be negative, got %d", txType, amount)
		}
	case TransactionReset:
		if amount > 0 {
			return fmt.Errorf("%s amount must be non-positive, got %d", txType, amount)
		}
	case TransactionAdjust:
		// either sign
	case TransactionEarn, TransactionPurchase, TransactionRollover, TransactionRefund:
		if amount < 0 {
			return fmt.Errorf("%s amount must be non-negative, got %d", txType, amount)
		}
	default:
		return fmt.Errorf("unknown transaction type %q", txType)
	}
	return nil
}

// Top-up order payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusExpired    = "expired"
)

// IsTerminalPaymentStatus reports whether a top-up order in this status
// can no longer transition.
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusCompleted, PaymentStatusCancelled, PaymentStatusRefunded, PaymentStatusExpired:
		return true
	}
	return false
}

// CreditWallet represents a tenant's credit wallet
type CreditWallet struct {
	ID                    string    `json:"id" db:"id"`
	TenantID              string    `json:"tenant_id" db:"tenant_id"`
	Balance               int64     `json:"balance" db:"balance"`
	PurchasedBalance      int64     `json:"purchased_balance" db:"purchased_balance"`
	LifetimeEarned        int64     `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimeSpent         int64     `json:"lifetime_spent" db:"lifetime_spent"`
	CycleStart            time.Time `json:"cycle_start" db:"cycle_start"`
	CycleEnd              time.Time `json:"cycle_end" db:"cycle_end"`
	NextResetDate         time.Time `json:"next_reset_date" db:"next_reset_date"`
	RolloverMonthsAllowed int       `json:"rollover_months_allowed" db:"rollover_months_allowed"`
	RolloverMonthsUsed    int       `json:"rollover_months_used" db:"rollover_months_used"`
	IsFrozen              bool      `json:"is_frozen" db:"is_frozen"`
	FreezeReason          *string   `json:"freeze_reason,omitempty" db:"freeze_reason"`
	SubscriptionActive    bool      `json:"subscription_active" db:"subscription_active"`
	MonthlyGrant          int64     `json:"monthly_grant" db:"monthly_grant"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// BillingMonth returns the "YYYY-MM" key for the wallet's current cycle.
// Usage counters are keyed by this value, so advancing the cycle starts
// every counter at zero without touching counter rows.
func (w *CreditWallet) BillingMonth() string {
	return w.CycleStart.UTC().Format("2006-01")
}

// PricingRule defines the credit cost and free monthly allowance for an
// action type. At most one rule per action type is active.
type PricingRule struct {
	ID                    string    `json:"id" db:"id"`
	ActionType            string    `json:"action_type" db:"action_type"`
	DisplayName           string    `json:"display_name" db:"display_name"`
	CostPerAction         int64     `json:"cost_per_action" db:"cost_per_action"`
	FreeAllowancePerMonth int       `json:"free_allowance_per_month" db:"free_allowance_per_month"`
	IsActive              bool      `json:"is_active" db:"is_active"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// UsageCounter tracks free and paid action counts for one tenant,
// action type and billing month.
type UsageCounter struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	ActionType   string    `json:"action_type" db:"action_type"`
	BillingMonth string    `json:"billing_month" db:"billing_month"`
	FreeUsed     int       `json:"free_used" db:"free_used"`
	PaidUsed     int       `json:"paid_used" db:"paid_used"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// CreditTransaction is one entry in the append-only credit ledger.
type CreditTransaction struct {
	ID              string    `json:"id" db:"id"`
	WalletID        string    `json:"wallet_id" db:"wallet_id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	Sequence        int64     `json:"sequence" db:"sequence"`
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	Amount          int64     `json:"amount" db:"amount"`
	BalanceBefore   int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	Reference       *string   `json:"reference,omitempty" db:"reference"`
	Description     string    `json:"description" db:"description"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// TopUpOrder represents a credit purchase order
type TopUpOrder struct {
	ID                string     `json:"id" db:"id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	WalletID          string     `json:"wallet_id" db:"wallet_id"`
	Reference         string     `json:"reference" db:"reference"`
	CreditsAmount     int64      `json:"credits_amount" db:"credits_amount"`
	PriceCents        int64      `json:"price_cents" db:"price_cents"`
	Currency          string     `json:"currency" db:"currency"`
	PaymentProvider   string     `json:"payment_provider" db:"payment_provider"`
	ProviderSessionID *string    `json:"provider_session_id,omitempty" db:"provider_session_id"`
	CheckoutURL       *string    `json:"checkout_url,omitempty" db:"checkout_url"`
	PaymentStatus     string     `json:"payment_status" db:"payment_status"`
	CreditsDelivered  bool       `json:"credits_delivered" db:"credits_delivered"`
	RetryCount        int        `json:"retry_count" db:"retry_count"`
	FailureReason     *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// UnlockRecord represents a permanent per-tenant resource unlock
type UnlockRecord struct {
	ID             string    `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	ResourceID     string    `json:"resource_id" db:"resource_id"`
	CreditsCharged int64     `json:"credits_charged" db:"credits_charged"`
	TransactionID  *string   `json:"transaction_id,omitempty" db:"transaction_id"`
	UnlockedAt     time.Time `json:"unlocked_at" db:"unlocked_at"`
}
