package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/models"
)

// CreateWalletParams holds the initial state for a new wallet.
type CreateWalletParams struct {
	TenantID              string
	InitialBalance        int64
	MonthlyGrant          int64
	SubscriptionActive    bool
	RolloverMonthsAllowed int
}

// CreateWallet provisions a wallet for a tenant. The first billing cycle
// runs from the start of the current calendar month. Creation is
// idempotent per tenant: a second call returns the existing wallet.
func (s *Service) CreateWallet(ctx context.Context, params CreateWalletParams) (*models.CreditWallet, error) {
	if params.TenantID == "" {
		return nil, NewValidationError("tenant_id is required")
	}
	if params.InitialBalance < 0 {
		return nil, NewValidationError("initial_balance must be non-negative, got %d", params.InitialBalance)
	}
	if params.RolloverMonthsAllowed < 0 || params.RolloverMonthsAllowed > 2 {
		return nil, NewValidationError("rollover_months_allowed must be 0, 1 or 2, got %d", params.RolloverMonthsAllowed)
	}

	now := time.Now().UTC()
	cycleStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.credit_wallets
			(tenant_id, monthly_grant, subscription_active, rollover_months_allowed,
			 cycle_start, cycle_end, next_reset_date)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id) DO NOTHING`,
		params.TenantID, params.MonthlyGrant, params.SubscriptionActive,
		params.RolloverMonthsAllowed, cycleStart, cycleEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	created, _ := res.RowsAffected()
	if created > 0 {
		s.logger.WithFields(logging.Fields{
			"tenant_id":       params.TenantID,
			"initial_balance": params.InitialBalance,
		}).Info("Wallet created")
		// Seed the signup grant through the ledger so it is replayable
		if params.InitialBalance > 0 {
			if _, err := s.Credit(ctx, params.TenantID, models.TransactionEarn, params.InitialBalance, "signup_grant", "Signup credit grant"); err != nil {
				return nil, err
			}
		}
	}

	return s.GetWallet(ctx, params.TenantID)
}

// GetWallet fetches a wallet without locking it.
func (s *Service) GetWallet(ctx context.Context, tenantID string) (*models.CreditWallet, error) {
	query := `SELECT ` + walletColumns + ` FROM bursar.credit_wallets WHERE tenant_id = $1`
	return scanWallet(s.db.QueryRowContext(ctx, query, tenantID))
}

// WalletUsage is one action type's consumption for the current month.
type WalletUsage struct {
	ActionType    string
	FreeUsed      int
	FreeAllowance int
	PaidUsed      int
}

// GetSummary returns the wallet plus its current-month usage counters.
func (s *Service) GetSummary(ctx context.Context, tenantID string) (*models.CreditWallet, []WalletUsage, error) {
	wallet, err := s.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uc.action_type, uc.free_used, uc.paid_used, COALESCE(pr.free_allowance_per_month, 0)
		FROM bursar.usage_counters uc
		LEFT JOIN bursar.pricing_rules pr ON pr.action_type = uc.action_type AND pr.is_active
		WHERE uc.tenant_id = $1 AND uc.billing_month = $2
		ORDER BY uc.action_type`,
		tenantID, wallet.BillingMonth())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query usage counters: %w", err)
	}
	defer rows.Close()

	var usage []WalletUsage
	for rows.Next() {
		var u WalletUsage
		if err := rows.Scan(&u.ActionType, &u.FreeUsed, &u.PaidUsed, &u.FreeAllowance); err != nil {
			return nil, nil, fmt.Errorf("failed to scan usage counter: %w", err)
		}
		usage = append(usage, u)
	}
	return wallet, usage, rows.Err()
}

// Credit atomically adds credits and appends the matching ledger entry.
// Purchase-type credits grow the purchased pool, which is the only pool
// eligible for rollover.
func (s *Service) Credit(ctx context.Context, tenantID, txType string, amount int64, reference, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, NewValidationError("credit amount must be positive, got %d", amount)
	}
	switch txType {
	case models.TransactionEarn, models.TransactionPurchase, models.TransactionRefund:
	default:
		return nil, NewValidationError("invalid credit type %q", txType)
	}

	var entry *models.CreditTransaction
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		if w.IsFrozen {
			return ErrWalletFrozen
		}
		var err error
		entry, err = s.appendEntry(ctx, tx, w, txType, amount, reference, description)
		if err != nil {
			return err
		}
		w.LifetimeEarned += amount
		if txType == models.TransactionPurchase {
			w.PurchasedBalance += amount
			w.RolloverMonthsUsed = 0
		}
		return saveWalletBalances(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}

	s.emit(Change{
		Type:      kafka.EventWalletCredited,
		TenantID:  tenantID,
		WalletID:  entry.WalletID,
		Amount:    amount,
		Balance:   entry.BalanceAfter,
		Reference: reference,
		Details:   map[string]interface{}{"transaction_type": txType},
	})
	return entry, nil
}

// Debit atomically removes credits and appends the matching spend entry.
// Two concurrent debits against a balance that covers only one can never
// both succeed: the second writer blocks on the row lock and re-reads the
// decremented balance.
func (s *Service) Debit(ctx context.Context, tenantID string, amount int64, reference, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, NewValidationError("debit amount must be positive, got %d", amount)
	}

	var entry *models.CreditTransaction
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		if w.IsFrozen {
			return ErrWalletFrozen
		}
		if w.Balance < amount {
			return &InsufficientCreditsError{Required: amount, Available: w.Balance}
		}
		var err error
		entry, err = s.appendEntry(ctx, tx, w, models.TransactionSpend, -amount, reference, description)
		if err != nil {
			return err
		}
		w.LifetimeSpent += amount
		// Spend the expiring pool first; only dip into purchased credits
		// once the granted portion is gone.
		if nonPurchased := entry.BalanceBefore - w.PurchasedBalance; amount > nonPurchased {
			w.PurchasedBalance -= amount - nonPurchased
		}
		return saveWalletBalances(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}

	s.emit(Change{
		Type:      kafka.EventWalletDebited,
		TenantID:  tenantID,
		WalletID:  entry.WalletID,
		Amount:    -amount,
		Balance:   entry.BalanceAfter,
		Reference: reference,
	})
	return entry, nil
}

// SetFrozen toggles the administrative freeze flag. Freezing blocks all
// future debits and credits; transactions already holding the row lock
// complete against the state they read.
func (s *Service) SetFrozen(ctx context.Context, tenantID string, frozen bool, reason string) error {
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		if w.IsFrozen == frozen {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE bursar.credit_wallets
			SET is_frozen = $1, freeze_reason = $2, updated_at = NOW()
			WHERE id = $3`,
			frozen, nullString(reason), w.ID)
		if err != nil {
			return fmt.Errorf("failed to update freeze flag: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	eventType := kafka.EventWalletFrozen
	if !frozen {
		eventType = kafka.EventWalletUnfrozen
	}
	s.emit(Change{
		Type:     eventType,
		TenantID: tenantID,
		Details:  map[string]interface{}{"reason": reason},
	})
	s.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"frozen":    frozen,
		"reason":    reason,
	}).Info("Wallet freeze flag changed")
	return nil
}

// Adjust applies a signed manual correction, bypassing the freeze check
// so operators can fix frozen wallets.
func (s *Service) Adjust(ctx context.Context, tenantID string, amount int64, description string) (*models.CreditTransaction, error) {
	if amount == 0 {
		return nil, NewValidationError("adjustment amount must be non-zero")
	}
	if description == "" {
		return nil, NewValidationError("adjustment requires a description")
	}

	var entry *models.CreditTransaction
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		var err error
		entry, err = s.appendEntry(ctx, tx, w, models.TransactionAdjust, amount, "", description)
		if err != nil {
			return err
		}
		if amount > 0 {
			w.LifetimeEarned += amount
		} else {
			w.LifetimeSpent += -amount
			if w.PurchasedBalance > w.Balance {
				w.PurchasedBalance = w.Balance
			}
		}
		return saveWalletBalances(ctx, tx, w)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
