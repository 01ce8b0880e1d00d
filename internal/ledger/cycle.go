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

// CycleResult reports one wallet's cycle advance.
type CycleResult struct {
	Advanced       bool
	ExpiredCredits int64
	RolledOver     int64
	Granted        int64
	NewCycleStart  time.Time
	NewCycleEnd    time.Time
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Examined int
	Advanced int
	Failures int
}

// AdvanceCycle moves the wallet to the billing cycle containing now.
// Calling it before next_reset_date is a no-op, and repeat calls after a
// successful advance are no-ops too, so at-least-once scheduling is safe.
//
// At reset, unused granted credits expire. Unused purchased credits roll
// over until the pool has survived rollover_months_allowed resets without
// a new purchase, then expire as well. Free allowances never carry over:
// counters are keyed by billing month, so the new cycle starts them at
// zero. Active subscriptions receive their monthly grant after the reset.
func (s *Service) AdvanceCycle(ctx context.Context, tenantID string, now time.Time) (*CycleResult, error) {
	var result CycleResult
	err := s.withWalletTx(ctx, tenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		result = CycleResult{NewCycleStart: w.CycleStart, NewCycleEnd: w.CycleEnd}
		if w.NextResetDate.After(now) {
			return nil
		}

		// Catch up on missed cycles in one pass. Each skipped cycle still
		// counts against the purchased pool's rollover budget.
		monthsAdvanced := 0
		newStart, newEnd := w.CycleStart, w.CycleEnd
		for !newEnd.After(now) {
			newStart = newEnd
			newEnd = newStart.AddDate(0, 1, 0)
			monthsAdvanced++
		}

		cycleRef := "cycle:" + newStart.UTC().Format("2006-01")

		// Granted (non-purchased) credits never survive a reset
		if nonPurchased := w.Balance - w.PurchasedBalance; nonPurchased > 0 {
			if _, err := s.appendEntry(ctx, tx, w, models.TransactionReset, -nonPurchased, cycleRef,
				"Cycle reset: unused granted credits expired"); err != nil {
				return err
			}
			result.ExpiredCredits += nonPurchased
		}

		if w.PurchasedBalance > 0 {
			used := w.RolloverMonthsUsed + monthsAdvanced
			if used > w.RolloverMonthsAllowed {
				if _, err := s.appendEntry(ctx, tx, w, models.TransactionReset, -w.PurchasedBalance, cycleRef,
					fmt.Sprintf("Cycle reset: purchased credits expired after %d rollover month(s)", w.RolloverMonthsUsed)); err != nil {
					return err
				}
				result.ExpiredCredits += w.PurchasedBalance
				w.PurchasedBalance = 0
				w.RolloverMonthsUsed = 0
			} else {
				if _, err := s.appendEntry(ctx, tx, w, models.TransactionRollover, 0, cycleRef,
					fmt.Sprintf("Rolled over %d purchased credits (month %d of %d)", w.PurchasedBalance, used, w.RolloverMonthsAllowed)); err != nil {
					return err
				}
				result.RolledOver = w.PurchasedBalance
				w.RolloverMonthsUsed = used
			}
		} else {
			w.RolloverMonthsUsed = 0
		}

		if w.SubscriptionActive && w.MonthlyGrant > 0 {
			if _, err := s.appendEntry(ctx, tx, w, models.TransactionEarn, w.MonthlyGrant, cycleRef,
				"Monthly subscription grant"); err != nil {
				return err
			}
			w.LifetimeEarned += w.MonthlyGrant
			result.Granted = w.MonthlyGrant
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE bursar.credit_wallets
			SET balance = $1, purchased_balance = $2, lifetime_earned = $3, lifetime_spent = $4,
				rollover_months_used = $5, cycle_start = $6, cycle_end = $7, next_reset_date = $7,
				updated_at = NOW()
			WHERE id = $8`,
			w.Balance, w.PurchasedBalance, w.LifetimeEarned, w.LifetimeSpent,
			w.RolloverMonthsUsed, newStart, newEnd, w.ID)
		if err != nil {
			return fmt.Errorf("failed to advance cycle: %w", err)
		}

		result.Advanced = true
		result.NewCycleStart = newStart
		result.NewCycleEnd = newEnd
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Advanced {
		s.emit(Change{
			Type:     kafka.EventCycleAdvanced,
			TenantID: tenantID,
			Details: map[string]interface{}{
				"expired_credits": result.ExpiredCredits,
				"rolled_over":     result.RolledOver,
				"granted":         result.Granted,
				"cycle_start":     result.NewCycleStart,
				"cycle_end":       result.NewCycleEnd,
			},
		})
	}
	return &result, nil
}

// RunSweep advances every wallet whose reset date has passed. Failures
// are logged per wallet and never stop the sweep; the failed wallet is
// simply picked up again on the next tick. Frozen wallets are skipped.
func (s *Service) RunSweep(ctx context.Context, now time.Time) (*SweepStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM bursar.credit_wallets
		WHERE next_reset_date <= $1 AND NOT is_frozen
		ORDER BY next_reset_date`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due wallets: %w", err)
	}

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &SweepStats{Examined: len(tenants)}
	for _, tenantID := range tenants {
		result, err := s.AdvanceCycle(ctx, tenantID, now)
		if err != nil {
			stats.Failures++
			s.logger.WithError(err).WithField("tenant_id", tenantID).Error("Cycle advance failed")
			continue
		}
		if result.Advanced {
			stats.Advanced++
		}
	}

	s.logger.WithFields(logging.Fields{
		"examined": stats.Examined,
		"advanced": stats.Advanced,
		"failures": stats.Failures,
	}).Info("Billing cycle sweep complete")
	return stats, nil
}
