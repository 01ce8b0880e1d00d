package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/models"
)

// ActionResourceUnlock is the usage-counter action type under which
// unlock spends are tallied.
const ActionResourceUnlock = "resource_unlock"

// UnlockResult reports an unlock request. AlreadyUnlocked means the
// grant predates this call and nothing was charged.
type UnlockResult struct {
	Unlocked        bool
	AlreadyUnlocked bool
	CreditsCharged  int64
	NewBalance      int64
	TransactionID   string
	UnlockedAt      time.Time
}

// UnlockResource grants a tenant permanent access to a resource for a
// one-time cost. Repeat calls for the same resource are free no-ops that
// return the original grant. The existence check, debit and grant insert
// share one transaction, so racing unlocks charge at most once.
func (s *Service) UnlockResource(ctx context.Context, tenantID, resourceID string, cost int64) (*UnlockResult, error) {
	if resourceID == "" {
		return nil, NewValidationError("resource_id is required")
	}
	if cost < 0 {
		return nil, NewValidationError("cost must be non-negative, got %d", cost)
	}

	var result UnlockResult
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		var unlockedAt time.Time
		var charged int64
		var txID sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT unlocked_at, credits_charged, transaction_id FROM bursar.unlock_records
			WHERE tenant_id = $1 AND resource_id = $2`,
			tenantID, resourceID).Scan(&unlockedAt, &charged, &txID)
		if err == nil {
			result = UnlockResult{
				Unlocked:        true,
				AlreadyUnlocked: true,
				NewBalance:      w.Balance,
				UnlockedAt:      unlockedAt,
				TransactionID:   txID.String,
			}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check unlock record: %w", err)
		}

		if w.IsFrozen {
			return ErrWalletFrozen
		}

		var entryID interface{}
		if cost > 0 {
			if w.Balance < cost {
				return &InsufficientCreditsError{Required: cost, Available: w.Balance}
			}
			entry, err := s.appendEntry(ctx, tx, w, models.TransactionSpend, -cost,
				"unlock:"+resourceID, fmt.Sprintf("Unlock resource %s", resourceID))
			if err != nil {
				return err
			}
			w.LifetimeSpent += cost
			if nonPurchased := entry.BalanceBefore - w.PurchasedBalance; cost > nonPurchased {
				w.PurchasedBalance -= cost - nonPurchased
			}
			if err := saveWalletBalances(ctx, tx, w); err != nil {
				return err
			}
			entryID = entry.ID
			result.TransactionID = entry.ID

			// Unlock spend shows up in the monthly usage counters too
			month := w.BillingMonth()
			if err := ensureCounter(ctx, tx, tenantID, ActionResourceUnlock, month); err != nil {
				return err
			}
			if err := bumpCounter(ctx, tx, tenantID, ActionResourceUnlock, month, false); err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO bursar.unlock_records (tenant_id, resource_id, credits_charged, transaction_id)
			VALUES ($1, $2, $3, $4)
			RETURNING unlocked_at`,
			tenantID, resourceID, cost, entryID).Scan(&result.UnlockedAt)
		if err != nil {
			return fmt.Errorf("failed to insert unlock record: %w", err)
		}

		result.Unlocked = true
		result.CreditsCharged = cost
		result.NewBalance = w.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyUnlocked {
		s.emit(Change{
			Type:      kafka.EventResourceUnlock,
			TenantID:  tenantID,
			Amount:    -result.CreditsCharged,
			Balance:   result.NewBalance,
			Reference: resourceID,
		})
	}
	return &result, nil
}

// IsUnlocked reports whether the tenant already holds the grant.
func (s *Service) IsUnlocked(ctx context.Context, tenantID, resourceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bursar.unlock_records WHERE tenant_id = $1 AND resource_id = $2
		)`, tenantID, resourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unlock record: %w", err)
	}
	return exists, nil
}
