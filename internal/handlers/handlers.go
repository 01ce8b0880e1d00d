package handlers

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_credits/internal/ledger"
	api "frameworks/api_credits/pkg/api/bursar"
	"frameworks/api_credits/pkg/billing"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/middleware"
	"frameworks/api_credits/pkg/models"
)

// respondLedgerError maps engine errors onto HTTP responses. All handlers
// funnel through here so the same failure always gets the same status.
func respondLedgerError(c middleware.Context, err error) {
	var insufficient *ledger.InsufficientCreditsError

	switch {
	case ledger.IsValidationError(err):
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error(), Code: "validation_error"})
	case errors.Is(err, ledger.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Unknown action type", Code: "unknown_action"})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, api.ErrorResponse{Error: insufficient.Error(), Code: "insufficient_credits"})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, api.ErrorResponse{Error: "Insufficient credits", Code: "insufficient_credits"})
	case errors.Is(err, ledger.ErrWalletFrozen):
		c.JSON(http.StatusLocked, api.ErrorResponse{Error: "Wallet is frozen", Code: "wallet_frozen"})
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Wallet not found", Code: "wallet_not_found"})
	case errors.Is(err, ledger.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Order not found", Code: "order_not_found"})
	case errors.Is(err, ledger.ErrOrderExpired):
		c.JSON(http.StatusGone, api.ErrorResponse{Error: "Order has expired", Code: "order_expired"})
	case errors.Is(err, ledger.ErrTransientConflict):
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: "Concurrent update, retry", Code: "transient_conflict"})
	default:
		logger.WithError(err).Error("Unhandled ledger error")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Internal error", Code: "internal_error"})
	}
}

// GetWalletSummary returns the authenticated tenant's wallet with its
// current-month usage counters.
func GetWalletSummary(c middleware.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Tenant context required"})
		return
	}

	wallet, usage, err := svc.GetSummary(c.Request.Context(), tenantID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	resp := api.WalletSummaryResponse{
		TenantID:           wallet.TenantID,
		Balance:            wallet.Balance,
		PurchasedBalance:   wallet.PurchasedBalance,
		LifetimeEarned:     wallet.LifetimeEarned,
		LifetimeSpent:      wallet.LifetimeSpent,
		IsFrozen:           wallet.IsFrozen,
		SubscriptionActive: wallet.SubscriptionActive,
		CycleStart:         wallet.CycleStart,
		CycleEnd:           wallet.CycleEnd,
		NextResetDate:      wallet.NextResetDate,
		BillingMonth:       wallet.BillingMonth(),
		Usage:              make([]api.ActionUsage, 0, len(usage)),
	}
	for _, u := range usage {
		resp.Usage = append(resp.Usage, api.ActionUsage{
			ActionType:    u.ActionType,
			FreeUsed:      u.FreeUsed,
			FreeAllowance: u.FreeAllowance,
			PaidUsed:      u.PaidUsed,
		})
	}

	if metrics != nil {
		metrics.WalletBalance.WithLabelValues(tenantID).Set(float64(wallet.Balance))
	}

	c.JSON(http.StatusOK, resp)
}

// GetTransactions returns a page of the tenant's ledger, newest first.
func GetTransactions(c middleware.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Tenant context required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	txType := c.Query("type")

	entries, total, err := svc.ListTransactions(c.Request.Context(), tenantID, ledger.TransactionQuery{
		Type:   txType,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.TransactionsResponse{
		Transactions: entries,
		Total:        total,
		Filters: api.TransactionFilters{
			Type:   txType,
			Limit:  limit,
			Offset: offset,
		},
	})
}

// GetPricing lists the active pricing rules.
func GetPricing(c middleware.Context) {
	rules, err := svc.ListRules(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to list pricing rules")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fetch pricing"})
		return
	}

	infos := make([]api.PricingRuleInfo, 0, len(rules))
	for _, r := range rules {
		infos = append(infos, api.PricingRuleInfo{
			ActionType:            r.ActionType,
			DisplayName:           r.DisplayName,
			CostPerAction:         r.CostPerAction,
			FreeAllowancePerMonth: r.FreeAllowancePerMonth,
		})
	}

	c.JSON(http.StatusOK, api.PricingResponse{Rules: infos, Count: len(infos)})
}

// CreateTopUp creates a top-up order and a checkout session for it.
func CreateTopUp(c middleware.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Tenant context required"})
		return
	}

	var req api.CreateTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = string(ProviderStripe)
	}
	currency := req.Currency
	if currency == "" {
		currency = billing.DefaultCurrency()
	}

	order, err := svc.CreateOrder(c.Request.Context(), tenantID, req.CreditsAmount, req.PriceCents, currency, provider)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = os.Getenv("TOPUP_RETURN_URL")
	}

	result, err := checkoutService.CreateCheckout(c.Request.Context(), CheckoutRequest{
		Provider:       CheckoutProvider(provider),
		TenantID:       tenantID,
		OrderReference: order.Reference,
		Credits:        order.CreditsAmount,
		AmountCents:    order.PriceCents,
		Currency:       order.Currency,
		SuccessURL:     returnURL,
		CancelURL:      returnURL,
		BillingEmail:   c.GetString("email"),
	})
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"tenant_id": tenantID,
			"reference": order.Reference,
			"provider":  provider,
		}).Error("Failed to create checkout session")
		c.JSON(http.StatusBadGateway, api.ErrorResponse{Error: "Failed to create checkout session", Code: "provider_error"})
		return
	}

	if err := svc.AttachCheckout(c.Request.Context(), order.Reference, result.SessionID, result.CheckoutURL); err != nil {
		logger.WithError(err).Error("Failed to attach checkout session to order")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to record checkout session"})
		return
	}
	order.PaymentStatus = models.PaymentStatusProcessing
	sessionID := result.SessionID
	checkoutURL := result.CheckoutURL
	order.ProviderSessionID = &sessionID
	order.CheckoutURL = &checkoutURL

	if metrics != nil {
		metrics.TopUpOperations.WithLabelValues("created", provider).Inc()
	}

	c.JSON(http.StatusCreated, api.CreateTopUpResponse{
		Order:       api.NewTopUpOrderInfo(order),
		CheckoutURL: result.CheckoutURL,
	})
}

// ListTopUps lists the tenant's top-up orders, newest first.
func ListTopUps(c middleware.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Tenant context required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	orders, err := svc.ListOrders(c.Request.Context(), tenantID, limit)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	infos := make([]api.TopUpOrderInfo, 0, len(orders))
	for i := range orders {
		infos = append(infos, api.NewTopUpOrderInfo(&orders[i]))
	}

	c.JSON(http.StatusOK, api.TopUpsResponse{Orders: infos, Count: len(infos)})
}

// CanPerform answers whether a tenant could perform an action right now.
// The answer commits nothing and can go stale; ChargeAction re-checks.
func CanPerform(c middleware.Context) {
	var req api.CanPerformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	adm, err := svc.CanPerform(c.Request.Context(), req.TenantID, req.ActionType)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.CanPerformResponse{
		Allowed:         adm.Allowed,
		Reason:          adm.Reason,
		CreditsRequired: adm.CreditsRequired,
		FreeRemaining:   adm.FreeRemaining,
		CurrentBalance:  adm.CurrentBalance,
	})
}

// ChargeAction performs the admission check and debit atomically.
func ChargeAction(c middleware.Context) {
	var req api.ChargeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	result, err := svc.ChargeAction(c.Request.Context(), req.TenantID, req.ActionType, req.ReferenceID)
	if err != nil {
		if metrics != nil {
			metrics.ChargeOperations.WithLabelValues(req.ActionType, "rejected").Inc()
		}
		respondLedgerError(c, err)
		return
	}

	if metrics != nil {
		outcome := "charged"
		if result.UsedFreeAllowance {
			outcome = "free"
		}
		metrics.ChargeOperations.WithLabelValues(req.ActionType, outcome).Inc()
		metrics.WalletBalance.WithLabelValues(req.TenantID).Set(float64(result.NewBalance))
	}

	c.JSON(http.StatusOK, api.ChargeActionResponse{
		Charged:           result.Charged,
		UsedFreeAllowance: result.UsedFreeAllowance,
		CreditsCharged:    result.CreditsCharged,
		NewBalance:        result.NewBalance,
		FreeRemaining:     result.FreeRemaining,
		TransactionID:     result.TransactionID,
	})
}

// UnlockResource permanently unlocks a resource for a tenant. Repeat
// requests for the same resource are free.
func UnlockResource(c middleware.Context) {
	var req api.UnlockResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	result, err := svc.UnlockResource(c.Request.Context(), req.TenantID, req.ResourceID, req.Cost)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	unlockedAt := result.UnlockedAt
	c.JSON(http.StatusOK, api.UnlockResourceResponse{
		Unlocked:        result.Unlocked,
		AlreadyUnlocked: result.AlreadyUnlocked,
		CreditsCharged:  result.CreditsCharged,
		NewBalance:      result.NewBalance,
		TransactionID:   result.TransactionID,
		UnlockedAt:      &unlockedAt,
	})
}

// CreateWallet provisions a wallet for a tenant during onboarding.
// Creation is idempotent per tenant.
func CreateWallet(c middleware.Context) {
	var req api.CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	rollover := 1
	if req.RolloverMonthsAllowed != nil {
		rollover = *req.RolloverMonthsAllowed
	}

	wallet, err := svc.CreateWallet(c.Request.Context(), ledger.CreateWalletParams{
		TenantID:              req.TenantID,
		InitialBalance:        req.InitialBalance,
		MonthlyGrant:          req.MonthlyGrant,
		SubscriptionActive:    req.SubscriptionActive,
		RolloverMonthsAllowed: rollover,
	})
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	c.JSON(http.StatusCreated, wallet)
}

// FreezeWallet blocks all balance movement on a wallet until it is
// unfrozen. Admin only.
func FreezeWallet(c middleware.Context) {
	tenantID := c.Param("tenant_id")
	var req api.FreezeWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	if err := svc.SetFrozen(c.Request.Context(), tenantID, true, req.Reason); err != nil {
		respondLedgerError(c, err)
		return
	}

	if notify := c.Query("notify_email"); notify != "" {
		go func() {
			if err := emailService.SendWalletFrozenEmail(notify, tenantID, req.Reason); err != nil {
				logger.WithError(err).Warn("Failed to send wallet frozen email")
			}
		}()
	}

	c.JSON(http.StatusOK, gin.H{"status": "frozen", "tenant_id": tenantID})
}

// UnfreezeWallet lifts a freeze. Admin only.
func UnfreezeWallet(c middleware.Context) {
	tenantID := c.Param("tenant_id")
	if err := svc.SetFrozen(c.Request.Context(), tenantID, false, ""); err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "tenant_id": tenantID})
}

// AdjustBalance applies a manual signed correction to a wallet. Works on
// frozen wallets so operators can repair them. Admin only.
func AdjustBalance(c middleware.Context) {
	tenantID := c.Param("tenant_id")
	var req api.AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "validation_error"})
		return
	}

	entry, err := svc.Adjust(c.Request.Context(), tenantID, req.Amount, req.Description)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	if metrics != nil {
		metrics.WalletBalance.WithLabelValues(tenantID).Set(float64(entry.BalanceAfter))
	}

	c.JSON(http.StatusOK, entry)
}

// VerifyLedger replays a tenant's full ledger and compares the result
// against the stored balance. Admin only.
func VerifyLedger(c middleware.Context) {
	tenantID := c.Param("tenant_id")

	report, err := svc.VerifyLedger(c.Request.Context(), tenantID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	resp := api.VerifyLedgerResponse{
		TenantID:       tenantID,
		Entries:        report.Entries,
		ReplayedTotal:  report.ReplayedTotal,
		StoredBalance:  report.StoredBalance,
		Consistent:     report.Consistent,
		MismatchDetail: report.MismatchDetail,
	}
	if !report.Consistent {
		seq := report.MismatchSequence
		resp.FirstMismatch = &seq
	}

	c.JSON(http.StatusOK, resp)
}

// RunSweep advances every due billing cycle. Admin only; the job manager
// runs the same sweep on a schedule.
func RunSweep(c middleware.Context) {
	stats, err := svc.RunSweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		logger.WithError(err).Error("Billing cycle sweep failed")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "Sweep failed"})
		return
	}

	if metrics != nil {
		metrics.SweepRuns.WithLabelValues("manual").Inc()
	}

	c.JSON(http.StatusOK, api.SweepResponse{
		WalletsExamined: stats.Examined,
		CyclesAdvanced:  stats.Advanced,
		Failures:        stats.Failures,
	})
}
