package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"frameworks/api_credits/pkg/database"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/models"
)

// Config holds tunables for the credit engine.
type Config struct {
	// LockTimeout bounds how long a transaction waits for a wallet row lock
	// before the attempt is abandoned and retried.
	LockTimeout time.Duration
	// MaxAttempts is the number of attempts per wallet operation before the
	// engine gives up with ErrTransientConflict.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts, scaled linearly.
	RetryBackoff time.Duration
	// OrderTTL is how long an unconfirmed top-up order stays payable.
	OrderTTL time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LockTimeout:  3 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
		OrderTTL:     24 * time.Hour,
	}
}

// Change describes a committed ledger mutation, handed to the change
// callback after the owning transaction commits.
type Change struct {
	Type      string
	TenantID  string
	WalletID  string
	Amount    int64
	Balance   int64
	Reference string
	Details   map[string]interface{}
}

// Service is the credit ledger engine. All balance mutations go through
// withWalletTx, which serializes writers per wallet via a row lock.
type Service struct {
	db       *sql.DB
	logger   logging.Logger
	cfg      Config
	onChange func(Change)
}

// New creates a credit ledger service.
func New(db *sql.DB, logger logging.Logger, cfg Config) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Service{db: db, logger: logger, cfg: cfg}
}

// OnChange registers a callback invoked after each committed mutation.
// The callback runs outside any database transaction.
func (s *Service) OnChange(fn func(Change)) {
	s.onChange = fn
}

func (s *Service) emit(change Change) {
	if s.onChange != nil {
		s.onChange(change)
	}
}

// withWalletTx runs fn with the tenant's wallet row locked inside a
// transaction. Lock timeouts, deadlocks and serialization failures are
// retried with linear backoff; persistent conflicts surface as
// ErrTransientConflict.
func (s *Service) withWalletTx(ctx context.Context, tenantID string, fn func(tx *sql.Tx, wallet *models.CreditWallet) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.runWalletTx(ctx, tenantID, fn)
		if err == nil {
			return nil
		}
		if !database.IsRetryable(err) {
			return err
		}

		lastErr = err
		s.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id": tenantID,
			"attempt":   attempt,
		}).Warn("Wallet transaction conflict")

		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrTransientConflict, lastErr)
}

func (s *Service) runWalletTx(ctx context.Context, tenantID string, fn func(tx *sql.Tx, wallet *models.CreditWallet) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lockStmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, lockStmt); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	wallet, err := lockWallet(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	if err := fn(tx, wallet); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const walletColumns = `id, tenant_id, balance, purchased_balance, lifetime_earned, lifetime_spent,
	cycle_start, cycle_end, next_reset_date, rollover_months_allowed, rollover_months_used,
	is_frozen, freeze_reason, subscription_active, monthly_grant, created_at, updated_at`

func scanWallet(row *sql.Row) (*models.CreditWallet, error) {
	var w models.CreditWallet
	err := row.Scan(
		&w.ID, &w.TenantID, &w.Balance, &w.PurchasedBalance, &w.LifetimeEarned, &w.LifetimeSpent,
		&w.CycleStart, &w.CycleEnd, &w.NextResetDate, &w.RolloverMonthsAllowed, &w.RolloverMonthsUsed,
		&w.IsFrozen, &w.FreezeReason, &w.SubscriptionActive, &w.MonthlyGrant, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}
	return &w, nil
}

func lockWallet(ctx context.Context, tx *sql.Tx, tenantID string) (*models.CreditWallet, error) {
	query := `SELECT ` + walletColumns + `
		FROM bursar.credit_wallets
		WHERE tenant_id = $1
		FOR UPDATE`
	return scanWallet(tx.QueryRowContext(ctx, query, tenantID))
}

// appendEntry writes one ledger entry and applies it to the in-memory
// wallet. The caller must hold the wallet row lock through tx. The
// balance chain (balance_after of N = balance_before of N+1) holds
// because sequence assignment and the balance update happen under that
// lock.
func (s *Service) appendEntry(ctx context.Context, tx *sql.Tx, w *models.CreditWallet, txType string, amount int64, reference, description string) (*models.CreditTransaction, error) {
	if err := models.ValidateTransactionAmount(txType, amount); err != nil {
		return nil, NewValidationError("invalid ledger entry: %v", err)
	}

	after := w.Balance + amount
	if after < 0 {
		return nil, &InsufficientCreditsError{Required: -amount, Available: w.Balance}
	}

	entry := &models.CreditTransaction{
		WalletID:        w.ID,
		TenantID:        w.TenantID,
		TransactionType: txType,
		Amount:          amount,
		BalanceBefore:   w.Balance,
		BalanceAfter:    after,
		Description:     description,
	}
	if reference != "" {
		entry.Reference = &reference
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO bursar.credit_transactions
			(wallet_id, tenant_id, sequence, transaction_type, amount, balance_before, balance_after, reference, description)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM bursar.credit_transactions WHERE wallet_id = $1),
			$3, $4, $5, $6, $7, $8)
		RETURNING id, sequence, created_at`,
		w.ID, w.TenantID, txType, amount, w.Balance, after, nullString(reference), description,
	).Scan(&entry.ID, &entry.Sequence, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	w.Balance = after
	return entry, nil
}

// saveWalletBalances persists the wallet's mutable balance fields.
func saveWalletBalances(ctx context.Context, tx *sql.Tx, w *models.CreditWallet) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bursar.credit_wallets
		SET balance = $1, purchased_balance = $2, lifetime_earned = $3, lifetime_spent = $4,
			rollover_months_used = $5, updated_at = NOW()
		WHERE id = $6`,
		w.Balance, w.PurchasedBalance, w.LifetimeEarned, w.LifetimeSpent, w.RolloverMonthsUsed, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
