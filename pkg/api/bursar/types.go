package bursar

import (
	"time"

	"frameworks/api_credits/pkg/models"
)

// CanPerformRequest asks whether a tenant may perform an action without
// committing any charge.
type CanPerformRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	ActionType string `json:"action_type" binding:"required"`
}

// ChargeActionRequest performs the quota check and debit as one atomic unit.
type ChargeActionRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	ActionType  string `json:"action_type" binding:"required"`
	ReferenceID string `json:"reference_id"`
}

// UnlockResourceRequest requests a permanent resource unlock for a tenant.
type UnlockResourceRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	ResourceID string `json:"resource_id" binding:"required"`
	Cost       int64  `json:"cost"`
}

// CreateTopUpRequest starts a credit purchase through a payment provider.
type CreateTopUpRequest struct {
	CreditsAmount int64  `json:"credits_amount" binding:"required"`
	PriceCents    int64  `json:"price_cents" binding:"min=0"` // zero = free top-up (promo grant)
	Currency      string `json:"currency"`
	Provider      string `json:"provider"` // stripe (default) or mollie
	ReturnURL     string `json:"return_url"`
}

// CreateWalletRequest provisions a wallet during tenant onboarding.
type CreateWalletRequest struct {
	TenantID              string `json:"tenant_id" binding:"required"`
	InitialBalance        int64  `json:"initial_balance"`
	MonthlyGrant          int64  `json:"monthly_grant"`
	SubscriptionActive    bool   `json:"subscription_active"`
	RolloverMonthsAllowed *int   `json:"rollover_months_allowed,omitempty"`
}

// FreezeWalletRequest freezes a wallet, blocking debits until unfrozen.
type FreezeWalletRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// AdjustBalanceRequest applies a manual balance correction.
type AdjustBalanceRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// PaymentWebhookPayload is the body of provider payment notifications.
// Delivery is at-least-once, so handlers must absorb duplicates.
type PaymentWebhookPayload struct {
	EventID        string    `json:"event_id"`
	OrderReference string    `json:"order_reference"`
	PaymentStatus  string    `json:"payment_status"`
	Provider       string    `json:"provider"`
	ProviderTxID   string    `json:"provider_tx_id,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TransactionFilters represents the filters applied to a ledger listing
type TransactionFilters struct {
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// PricingRuleInfo is the public shape of a pricing rule
type PricingRuleInfo struct {
	ActionType            string `json:"action_type"`
	DisplayName           string `json:"display_name"`
	CostPerAction         int64  `json:"cost_per_action"`
	FreeAllowancePerMonth int    `json:"free_allowance_per_month"`
}

// ActionUsage summarizes one action type's consumption for the current month
type ActionUsage struct {
	ActionType    string `json:"action_type"`
	FreeUsed      int    `json:"free_used"`
	FreeAllowance int    `json:"free_allowance"`
	PaidUsed      int    `json:"paid_used"`
}

// TopUpOrderInfo is the public shape of a top-up order
type TopUpOrderInfo struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	CreditsAmount int64      `json:"credits_amount"`
	PriceCents    int64      `json:"price_cents"`
	Currency      string     `json:"currency"`
	Provider      string     `json:"provider"`
	PaymentStatus string     `json:"payment_status"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewTopUpOrderInfo maps a stored order to its public shape.
func NewTopUpOrderInfo(o *models.TopUpOrder) TopUpOrderInfo {
	info := TopUpOrderInfo{
		ID:            o.ID,
		Reference:     o.Reference,
		CreditsAmount: o.CreditsAmount,
		PriceCents:    o.PriceCents,
		Currency:      o.Currency,
		Provider:      o.PaymentProvider,
		PaymentStatus: o.PaymentStatus,
		ExpiresAt:     o.ExpiresAt,
		CompletedAt:   o.CompletedAt,
		CreatedAt:     o.CreatedAt,
	}
	if o.CheckoutURL != nil {
		info.CheckoutURL = *o.CheckoutURL
	}
	return info
}
