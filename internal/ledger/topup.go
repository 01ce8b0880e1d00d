package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/models"
)

const orderColumns = `id, tenant_id, wallet_id, reference, credits_amount, price_cents, currency,
	payment_provider, provider_session_id, checkout_url, payment_status, credits_delivered,
	retry_count, failure_reason, expires_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.TopUpOrder, error) {
	var o models.TopUpOrder
	err := row.Scan(&o.ID, &o.TenantID, &o.WalletID, &o.Reference, &o.CreditsAmount, &o.PriceCents,
		&o.Currency, &o.PaymentProvider, &o.ProviderSessionID, &o.CheckoutURL, &o.PaymentStatus,
		&o.CreditsDelivered, &o.RetryCount, &o.FailureReason, &o.ExpiresAt, &o.CompletedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan top-up order: %w", err)
	}
	return &o, nil
}

// CreateOrder opens a top-up order in pending state. The order reference
// is the idempotency key carried through the payment provider and back.
func (s *Service) CreateOrder(ctx context.Context, tenantID string, credits, priceCents int64, currency, provider string) (*models.TopUpOrder, error) {
	if credits <= 0 {
		return nil, NewValidationError("credits_amount must be positive, got %d", credits)
	}
	if priceCents < 0 {
		return nil, NewValidationError("price_cents must be non-negative, got %d", priceCents)
	}
	if provider == "" {
		return nil, NewValidationError("payment provider is required")
	}

	wallet, err := s.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if wallet.IsFrozen {
		return nil, ErrWalletFrozen
	}

	reference := "topup_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	expiresAt := time.Now().UTC().Add(s.cfg.OrderTTL)

	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.topup_orders
			(tenant_id, wallet_id, reference, credits_amount, price_cents, currency, payment_provider, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+orderColumns,
		tenantID, wallet.ID, reference, credits, priceCents, currency, provider, expiresAt))
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"reference": order.Reference,
		"credits":   credits,
		"provider":  provider,
	}).Info("Top-up order created")
	return order, nil
}

// AttachCheckout records the provider session once checkout is created
// and moves the order to processing.
func (s *Service) AttachCheckout(ctx context.Context, reference, sessionID, checkoutURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bursar.topup_orders
		SET provider_session_id = $1, checkout_url = $2, payment_status = $3, updated_at = NOW()
		WHERE reference = $4 AND payment_status = $5`,
		sessionID, checkoutURL, models.PaymentStatusProcessing, reference, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to attach checkout session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderByReference fetches one order.
func (s *Service) GetOrderByReference(ctx context.Context, reference string) (*models.TopUpOrder, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM bursar.topup_orders WHERE reference = $1`, reference))
}

// ListOrders returns a tenant's top-up orders, newest first.
func (s *Service) ListOrders(ctx context.Context, tenantID string, limit int) ([]models.TopUpOrder, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM bursar.topup_orders
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT %d`, limit), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query top-up orders: %w", err)
	}
	defer rows.Close()

	var orders []models.TopUpOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// FulfillResult reports a fulfillment attempt. Duplicate means the
// credits were already delivered by an earlier confirmation and this
// call changed nothing.
type FulfillResult struct {
	Order      *models.TopUpOrder
	Duplicate  bool
	NewBalance int64
}

// FulfillOrder delivers an order's credits exactly once. The order row
// is re-read under the wallet lock, so a duplicate confirmation - however
// it arrives - observes credits_delivered and short-circuits. The credit,
// the ledger entry and the credits_delivered flip commit atomically.
func (s *Service) FulfillOrder(ctx context.Context, reference string) (*FulfillResult, error) {
	order, err := s.GetOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	var result FulfillResult
	err = s.withWalletTx(ctx, order.TenantID, func(tx *sql.Tx, w *models.CreditWallet) error {
		order, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM bursar.topup_orders WHERE reference = $1 FOR UPDATE`, reference))
		if err != nil {
			return err
		}
		result.Order = order
		result.NewBalance = w.Balance

		if order.CreditsDelivered || order.PaymentStatus == models.PaymentStatusCompleted {
			result.Duplicate = true
			return nil
		}
		if order.PaymentStatus == models.PaymentStatusExpired {
			return ErrOrderExpired
		}
		if models.IsTerminalPaymentStatus(order.PaymentStatus) {
			return NewValidationError("order %s is %s and cannot be fulfilled", reference, order.PaymentStatus)
		}
		if time.Now().UTC().After(order.ExpiresAt) {
			return ErrOrderExpired
		}
		if w.IsFrozen {
			// Leave the order open; the provider retries after unfreeze
			return ErrWalletFrozen
		}

		entry, err := s.appendEntry(ctx, tx, w, models.TransactionPurchase, order.CreditsAmount,
			order.Reference, fmt.Sprintf("Top-up of %d credits", order.CreditsAmount))
		if err != nil {
			return err
		}
		w.LifetimeEarned += order.CreditsAmount
		w.PurchasedBalance += order.CreditsAmount
		w.RolloverMonthsUsed = 0
		if err := saveWalletBalances(ctx, tx, w); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE bursar.topup_orders
			SET payment_status = $1, credits_delivered = true, completed_at = NOW(), updated_at = NOW()
			WHERE id = $2`,
			models.PaymentStatusCompleted, order.ID); err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}

		order.PaymentStatus = models.PaymentStatusCompleted
		order.CreditsDelivered = true
		result.NewBalance = entry.BalanceAfter
		return nil
	})
	if err != nil {
		// The expiry check above runs inside the transaction, so the status
		// flip has to happen after rollback or it would be undone with it.
		if errors.Is(err, ErrOrderExpired) {
			if expireErr := s.ExpireOrder(ctx, reference); expireErr != nil && expireErr != ErrOrderNotFound {
				s.logger.WithError(expireErr).WithField("reference", reference).Warn("Failed to mark overdue order expired")
			}
		}
		return nil, err
	}

	if result.Duplicate {
		s.logger.WithField("reference", reference).Info("Duplicate top-up confirmation absorbed")
		return &result, nil
	}

	s.emit(Change{
		Type:      kafka.EventTopUpCompleted,
		TenantID:  result.Order.TenantID,
		WalletID:  result.Order.WalletID,
		Amount:    result.Order.CreditsAmount,
		Balance:   result.NewBalance,
		Reference: reference,
	})
	return &result, nil
}

// FailOrder records a failed payment attempt and returns the running
// retry count so callers can escalate. Orders whose credits were already
// delivered or that reached a terminal status stay untouched: a late
// "failed" confirmation must not reopen a cancelled or expired order.
func (s *Service) FailOrder(ctx context.Context, reference, reason string) (int, error) {
	var retryCount int
	var tenantID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE bursar.topup_orders
		SET payment_status = $1, retry_count = retry_count + 1, failure_reason = $2, updated_at = NOW()
		WHERE reference = $3 AND NOT credits_delivered AND payment_status IN ($4, $5, $6)
		RETURNING retry_count, tenant_id`,
		models.PaymentStatusFailed, nullString(reason), reference,
		models.PaymentStatusPending, models.PaymentStatusProcessing, models.PaymentStatusFailed).Scan(&retryCount, &tenantID)
	if err == sql.ErrNoRows {
		// Delivered, terminal or unknown; either way there is nothing to fail
		order, getErr := s.GetOrderByReference(ctx, reference)
		if getErr != nil {
			return 0, getErr
		}
		return order.RetryCount, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark order failed: %w", err)
	}

	s.emit(Change{
		Type:      kafka.EventTopUpFailed,
		TenantID:  tenantID,
		Reference: reference,
		Details:   map[string]interface{}{"reason": reason, "retry_count": retryCount},
	})
	return retryCount, nil
}

// CancelOrder cancels an undelivered order.
func (s *Service) CancelOrder(ctx context.Context, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bursar.topup_orders
		SET payment_status = $1, updated_at = NOW()
		WHERE reference = $2 AND NOT credits_delivered AND payment_status IN ($3, $4, $5)`,
		models.PaymentStatusCancelled, reference,
		models.PaymentStatusPending, models.PaymentStatusProcessing, models.PaymentStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ExpireOrder marks a single undelivered order expired, for
// provider-reported expiry notifications.
func (s *Service) ExpireOrder(ctx context.Context, reference string) error {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE bursar.topup_orders
		SET payment_status = $1, updated_at = NOW()
		WHERE reference = $2 AND NOT credits_delivered AND payment_status IN ($3, $4, $5)
		RETURNING tenant_id`,
		models.PaymentStatusExpired, reference,
		models.PaymentStatusPending, models.PaymentStatusProcessing, models.PaymentStatusFailed).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to expire order: %w", err)
	}

	s.emit(Change{
		Type:      kafka.EventTopUpExpired,
		TenantID:  tenantID,
		Reference: reference,
	})
	return nil
}

// ExpireOrders marks every overdue, undelivered order expired and
// returns how many were expired.
func (s *Service) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE bursar.topup_orders
		SET payment_status = $1, updated_at = NOW()
		WHERE expires_at < $2 AND NOT credits_delivered AND payment_status IN ($3, $4, $5)
		RETURNING reference, tenant_id`,
		models.PaymentStatusExpired, now,
		models.PaymentStatusPending, models.PaymentStatusProcessing, models.PaymentStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to expire orders: %w", err)
	}
	defer rows.Close()

	expired := 0
	for rows.Next() {
		var reference, tenantID string
		if err := rows.Scan(&reference, &tenantID); err != nil {
			return expired, fmt.Errorf("failed to scan expired order: %w", err)
		}
		expired++
		s.emit(Change{
			Type:      kafka.EventTopUpExpired,
			TenantID:  tenantID,
			Reference: reference,
		})
	}
	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired overdue top-up orders")
	}
	return expired, rows.Err()
}
