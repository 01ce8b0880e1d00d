package bursar

import (
	"time"

	"frameworks/api_credits/pkg/models"
)

// ErrorResponse represents a standard error response from Bursar
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CanPerformResponse reports whether an action would be admitted and what
// it would cost. It commits nothing.
type CanPerformResponse struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	CreditsRequired int64  `json:"credits_required"`
	FreeRemaining   int    `json:"free_remaining"`
	CurrentBalance  int64  `json:"current_balance"`
}

// ChargeActionResponse reports the outcome of an atomic quota-check-and-debit.
type ChargeActionResponse struct {
	Charged           bool   `json:"charged"`
	UsedFreeAllowance bool   `json:"used_free_allowance"`
	CreditsCharged    int64  `json:"credits_charged"`
	NewBalance        int64  `json:"new_balance"`
	FreeRemaining     int    `json:"free_remaining"`
	TransactionID     string `json:"transaction_id,omitempty"`
}

// UnlockResourceResponse reports the outcome of an unlock request.
// AlreadyUnlocked means the unlock existed before this call and nothing
// was charged.
type UnlockResourceResponse struct {
	Unlocked        bool       `json:"unlocked"`
	AlreadyUnlocked bool       `json:"already_unlocked"`
	CreditsCharged  int64      `json:"credits_charged"`
	NewBalance      int64      `json:"new_balance"`
	TransactionID   string     `json:"transaction_id,omitempty"`
	UnlockedAt      *time.Time `json:"unlocked_at,omitempty"`
}

// WalletSummaryResponse is the read-model view of one tenant's wallet.
type WalletSummaryResponse struct {
	TenantID           string        `json:"tenant_id"`
	Balance            int64         `json:"balance"`
	PurchasedBalance   int64         `json:"purchased_balance"`
	LifetimeEarned     int64         `json:"lifetime_earned"`
	LifetimeSpent      int64         `json:"lifetime_spent"`
	IsFrozen           bool          `json:"is_frozen"`
	SubscriptionActive bool          `json:"subscription_active"`
	CycleStart         time.Time     `json:"cycle_start"`
	CycleEnd           time.Time     `json:"cycle_end"`
	NextResetDate      time.Time     `json:"next_reset_date"`
	BillingMonth       string        `json:"billing_month"`
	Usage              []ActionUsage `json:"usage"`
}

// TransactionsResponse represents a page of ledger entries
type TransactionsResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Total        int                        `json:"total"`
	Filters      TransactionFilters         `json:"filters"`
}

// PricingResponse lists active pricing rules
type PricingResponse struct {
	Rules []PricingRuleInfo `json:"rules"`
	Count int               `json:"count"`
}

// CreateTopUpResponse returns the created order and its checkout URL
type CreateTopUpResponse struct {
	Order       TopUpOrderInfo `json:"order"`
	CheckoutURL string         `json:"checkout_url"`
}

// TopUpsResponse lists a tenant's top-up orders
type TopUpsResponse struct {
	Orders []TopUpOrderInfo `json:"orders"`
	Count  int              `json:"count"`
}

// SweepResponse reports the outcome of a billing cycle sweep
type SweepResponse struct {
	WalletsExamined int `json:"wallets_examined"`
	CyclesAdvanced  int `json:"cycles_advanced"`
	Failures        int `json:"failures"`
}

// VerifyLedgerResponse reports a ledger replay against the stored balance
type VerifyLedgerResponse struct {
	TenantID       string `json:"tenant_id"`
	Entries        int    `json:"entries"`
	ReplayedTotal  int64  `json:"replayed_total"`
	StoredBalance  int64  `json:"stored_balance"`
	Consistent     bool   `json:"consistent"`
	FirstMismatch  *int64 `json:"first_mismatch_sequence,omitempty"`
	MismatchDetail string `json:"mismatch_detail,omitempty"`
}
