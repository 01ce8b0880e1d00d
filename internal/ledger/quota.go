package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/models"
)

// Admission decision reasons
const (
	ReasonFreeAllowance       = "free_allowance"
	ReasonSufficientCredits   = "sufficient_credits"
	ReasonNoCharge            = "no_charge"
	ReasonWalletFrozen        = "wallet_frozen"
	ReasonInsufficientCredits = "insufficient_credits"
)

// Admission is the answer to "may this tenant perform this action".
type Admission struct {
	Allowed         bool
	Reason          string
	CreditsRequired int64
	FreeRemaining   int
	CurrentBalance  int64
}

// ChargeResult reports a committed charge.
type ChargeResult struct {
	Charged           bool
	UsedFreeAllowance bool
	CreditsCharged    int64
	NewBalance        int64
	FreeRemaining     int
	TransactionID     string
}

// CanPerform answers whether the tenant could perform the action right
// now, without committing anything. The answer can go stale immediately;
// ChargeAction re-checks under the wallet lock.
func (s *Service) CanPerform(ctx context.Context, tenantID, actionType string) (*Admission, error) {
	rule, err := s.LookupRule(ctx, actionType)
	if err != nil {
		return nil, err
	}
	wallet, err := s.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	freeUsed, _, err := s.readCounter(ctx, s.db.QueryRowContext, tenantID, actionType, wallet.BillingMonth())
	if err != nil {
		return nil, err
	}

	adm := &Admission{
		CurrentBalance: wallet.Balance,
		FreeRemaining:  freeRemaining(rule, freeUsed),
	}
	switch {
	case wallet.IsFrozen:
		adm.Reason = ReasonWalletFrozen
	case adm.FreeRemaining > 0:
		adm.Allowed = true
		adm.Reason = ReasonFreeAllowance
	case rule.CostPerAction == 0:
		adm.Allowed = true
		adm.Reason = ReasonNoCharge
	case wallet.Balance >= rule.CostPerAction:
		adm.Allowed = true
		adm.Reason = ReasonSufficientCredits
		adm.CreditsRequired = rule.CostPerAction
	default:
		adm.Reason = ReasonInsufficientCredits
		adm.CreditsRequired = rule.CostPerAction
	}
	return adm, nil
}

// ChargeAction admits and charges an action as one atomic unit: the
// free-allowance check, the counter bump and the debit all commit or
// roll back together under the wallet lock. Within a month a tenant
// can therefore never exceed the free allowance through races.
func (s *Service) ChargeAction(ctx context.Context, tenantID, actionType, referenceID string) (*ChargeResult, error) {
	rule, err := s.LookupRule(ctx, actionType)
	if err != nil {
		return nil, err
	}

	var result ChargeResult
	err = s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		if w.IsFrozen {
			return ErrWalletFrozen
		}

		month := w.BillingMonth()
		if err := ensureCounter(ctx, tx, tenantID, actionType, month); err != nil {
			return err
		}
		freeUsed, _, err := s.readCounter(ctx, tx.QueryRowContext, tenantID, actionType, month)
		if err != nil {
			return err
		}

		if freeUsed < rule.FreeAllowancePerMonth {
			if err := bumpCounter(ctx, tx, tenantID, actionType, month, true); err != nil {
				return err
			}
			result = ChargeResult{
				UsedFreeAllowance: true,
				NewBalance:        w.Balance,
				FreeRemaining:     rule.FreeAllowancePerMonth - freeUsed - 1,
			}
			return nil
		}

		if rule.CostPerAction == 0 {
			result = ChargeResult{NewBalance: w.Balance}
			return nil
		}
		if w.Balance < rule.CostPerAction {
			return &InsufficientCreditsError{Required: rule.CostPerAction, Available: w.Balance}
		}

		entry, err := s.appendEntry(ctx, tx, w, models.TransactionSpend, -rule.CostPerAction, referenceID,
			fmt.Sprintf("Charge for %s", actionType))
		if err != nil {
			return err
		}
		w.LifetimeSpent += rule.CostPerAction
		if nonPurchased := entry.BalanceBefore - w.PurchasedBalance; rule.CostPerAction > nonPurchased {
			w.PurchasedBalance -= rule.CostPerAction - nonPurchased
		}
		if err := saveWalletBalances(ctx, tx, w); err != nil {
			return err
		}
		if err := bumpCounter(ctx, tx, tenantID, actionType, month, false); err != nil {
			return err
		}

		result = ChargeResult{
			Charged:        true,
			CreditsCharged: rule.CostPerAction,
			NewBalance:     w.Balance,
			TransactionID:  entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(Change{
		Type:      kafka.EventQuotaConsumed,
		TenantID:  tenantID,
		Amount:    -result.CreditsCharged,
		Balance:   result.NewBalance,
		Reference: referenceID,
		Details: map[string]interface{}{
			"action_type":         actionType,
			"used_free_allowance": result.UsedFreeAllowance,
		},
	})
	return &result, nil
}

type queryRowFunc func(ctx context.Context, query string, args ...interface{}) *sql.Row

func (s *Service) readCounter(ctx context.Context, queryRow queryRowFunc, tenantID, actionType, month string) (freeUsed, paidUsed int, err error) {
	err = queryRow(ctx, `
		SELECT free_used, paid_used FROM bursar.usage_counters
		WHERE tenant_id = $1 AND action_type = $2 AND billing_month = $3`,
		tenantID, actionType, month).Scan(&freeUsed, &paidUsed)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return freeUsed, paidUsed, nil
}

func ensureCounter(ctx context.Context, tx *sql.Tx, tenantID, actionType, month string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.usage_counters (tenant_id, action_type, billing_month)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, action_type, billing_month) DO NOTHING`,
		tenantID, actionType, month)
	if err != nil {
		return fmt.Errorf("failed to ensure usage counter: %w", err)
	}
	return nil
}

func bumpCounter(ctx context.Context, tx *sql.Tx, tenantID, actionType, month string, free bool) error {
	column := "paid_used"
	if free {
		column = "free_used"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE bursar.usage_counters
		SET %s = %s + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND action_type = $2 AND billing_month = $3`, column, column),
		tenantID, actionType, month)
	if err != nil {
		return fmt.Errorf("failed to bump usage counter: %w", err)
	}
	return nil
}

func freeRemaining(rule *models.PricingRule, freeUsed int) int {
	if remaining := rule.FreeAllowancePerMonth - freeUsed; remaining > 0 {
		return remaining
	}
	return 0
}
