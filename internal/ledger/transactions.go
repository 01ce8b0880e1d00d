package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"frameworks/api_credits/pkg/kafka"
	"frameworks/api_credits/pkg/logging"
	"frameworks/api_credits/pkg/models"
)

const transactionColumns = `id, wallet_id, tenant_id, sequence, transaction_type, amount,
	balance_before, balance_after, reference, description, created_at`

// TransactionQuery filters a ledger listing.
type TransactionQuery struct {
	Type   string
	Limit  int
	Offset int
}

// ListTransactions returns a page of a tenant's ledger, newest first,
// plus the unpaged total.
func (s *Service) ListTransactions(ctx context.Context, tenantID string, q TransactionQuery) ([]models.CreditTransaction, int, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM bursar.credit_transactions WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if q.Type != "" {
		countQuery += ` AND transaction_type = $2`
		args = append(args, q.Type)
	}
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM bursar.credit_transactions WHERE tenant_id = $1`
	if q.Type != "" {
		query += ` AND transaction_type = $2`
	}
	query += fmt.Sprintf(` ORDER BY sequence DESC LIMIT %d OFFSET %d`, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	entries, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// FindTransactionByReference returns the tenant's ledger entries that
// carry the given reference.
func (s *Service) FindTransactionByReference(ctx context.Context, tenantID, reference string) ([]models.CreditTransaction, error) {
	if reference == "" {
		return nil, NewValidationError("reference is required")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM bursar.credit_transactions
		WHERE tenant_id = $1 AND reference = $2
		ORDER BY sequence`, tenantID, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions by reference: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ReplayReport is the outcome of replaying a wallet's ledger.
type ReplayReport struct {
	Entries          int
	ReplayedTotal    int64
	StoredBalance    int64
	Consistent       bool
	MismatchSequence int64
	MismatchDetail   string
}

// VerifyLedger replays the full ledger in sequence order and checks that
// every entry chains (balance_after of N equals balance_before of N+1)
// and that the replayed total equals the stored wallet balance.
func (s *Service) VerifyLedger(ctx context.Context, tenantID string) (*ReplayReport, error) {
	wallet, err := s.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM bursar.credit_transactions
		WHERE wallet_id = $1
		ORDER BY sequence`, wallet.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	report := &ReplayReport{StoredBalance: wallet.Balance, Consistent: true}
	var running int64
	var prevSeq int64
	for rows.Next() {
		var e models.CreditTransaction
		if err := scanTransaction(rows, &e); err != nil {
			return nil, err
		}
		report.Entries++

		switch {
		case e.Sequence != prevSeq+1:
			report.markMismatch(e.Sequence, fmt.Sprintf("sequence gap: %d follows %d", e.Sequence, prevSeq))
		case e.BalanceBefore != running:
			report.markMismatch(e.Sequence, fmt.Sprintf("chain break at sequence %d: balance_before %d, expected %d", e.Sequence, e.BalanceBefore, running))
		case e.BalanceAfter != e.BalanceBefore+e.Amount:
			report.markMismatch(e.Sequence, fmt.Sprintf("bad arithmetic at sequence %d: %d + %d != %d", e.Sequence, e.BalanceBefore, e.Amount, e.BalanceAfter))
		}
		if !report.Consistent {
			break
		}
		running = e.BalanceAfter
		prevSeq = e.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.ReplayedTotal = running
	if report.Consistent && running != wallet.Balance {
		report.markMismatch(prevSeq, fmt.Sprintf("replayed total %d does not match stored balance %d", running, wallet.Balance))
	}

	if !report.Consistent {
		s.logger.WithFields(logging.Fields{
			"tenant_id": tenantID,
			"sequence":  report.MismatchSequence,
			"detail":    report.MismatchDetail,
		}).Error("Ledger replay mismatch")
		s.emit(Change{
			Type:     kafka.EventLedgerMismatch,
			TenantID: tenantID,
			WalletID: wallet.ID,
			Balance:  wallet.Balance,
			Details: map[string]interface{}{
				"sequence": report.MismatchSequence,
				"detail":   report.MismatchDetail,
			},
		})
	}
	return report, nil
}

func (r *ReplayReport) markMismatch(seq int64, detail string) {
	r.Consistent = false
	r.MismatchSequence = seq
	r.MismatchDetail = detail
}

func scanTransaction(rows *sql.Rows, e *models.CreditTransaction) error {
	err := rows.Scan(&e.ID, &e.WalletID, &e.TenantID, &e.Sequence, &e.TransactionType,
		&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Reference, &e.Description, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to scan transaction: %w", err)
	}
	return nil
}

func scanTransactions(rows *sql.Rows) ([]models.CreditTransaction, error) {
	var entries []models.CreditTransaction
	for rows.Next() {
		var e models.CreditTransaction
		if err := scanTransaction(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
