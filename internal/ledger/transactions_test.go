package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"frameworks/api_credits/pkg/kafka"
)

var transactionColumnNames = []string{
	"id", "wallet_id", "tenant_id", "sequence", "transaction_type", "amount",
	"balance_before", "balance_after", "reference", "description", "created_at",
}

func ledgerRow(rows *sqlmock.Rows, seq int64, txType string, amount, before, after int64) *sqlmock.Rows {
	return rows.AddRow("tx-"+txType, "wallet-1", "tenant-1", seq, txType, amount,
		before, after, nil, "test entry", time.Now().UTC())
}

func TestVerifyLedger_ConsistentChain(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.Balance = 75
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(walletRows(w))

	rows := sqlmock.NewRows(transactionColumnNames)
	rows = ledgerRow(rows, 1, "earn", 100, 0, 100)
	rows = ledgerRow(rows, 2, "spend", -25, 100, 75)
	mock.ExpectQuery("FROM bursar.credit_transactions").
		WithArgs("wallet-1").
		WillReturnRows(rows)

	report, err := svc.VerifyLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("VerifyLedger returned error: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("expected consistent ledger, got mismatch: %s", report.MismatchDetail)
	}
	if report.Entries != 2 || report.ReplayedTotal != 75 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyLedger_DetectsChainBreak(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	var emitted []Change
	svc.OnChange(func(c Change) { emitted = append(emitted, c) })

	w := testWallet()
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(walletRows(w))

	// Second entry claims a balance_before the first never produced
	rows := sqlmock.NewRows(transactionColumnNames)
	rows = ledgerRow(rows, 1, "earn", 100, 0, 100)
	rows = ledgerRow(rows, 2, "spend", -25, 90, 65)
	mock.ExpectQuery("FROM bursar.credit_transactions").
		WithArgs("wallet-1").
		WillReturnRows(rows)

	report, err := svc.VerifyLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("VerifyLedger returned error: %v", err)
	}
	if report.Consistent {
		t.Fatal("expected chain break to be detected")
	}
	if report.MismatchSequence != 2 || !strings.Contains(report.MismatchDetail, "chain break") {
		t.Fatalf("unexpected mismatch report: %+v", report)
	}
	if len(emitted) != 1 || emitted[0].Type != kafka.EventLedgerMismatch {
		t.Fatalf("expected a ledger-mismatch event, got %+v", emitted)
	}
}

func TestVerifyLedger_DetectsSequenceGap(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(walletRows(w))

	rows := sqlmock.NewRows(transactionColumnNames)
	rows = ledgerRow(rows, 1, "earn", 100, 0, 100)
	rows = ledgerRow(rows, 3, "spend", -25, 100, 75)
	mock.ExpectQuery("FROM bursar.credit_transactions").
		WithArgs("wallet-1").
		WillReturnRows(rows)

	report, err := svc.VerifyLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("VerifyLedger returned error: %v", err)
	}
	if report.Consistent || !strings.Contains(report.MismatchDetail, "sequence gap") {
		t.Fatalf("expected sequence gap, got %+v", report)
	}
}

func TestVerifyLedger_ReplayedTotalMismatch(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// Chain is internally consistent but does not reach the stored balance
	w := testWallet()
	w.Balance = 500
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(walletRows(w))

	rows := sqlmock.NewRows(transactionColumnNames)
	rows = ledgerRow(rows, 1, "earn", 100, 0, 100)
	mock.ExpectQuery("FROM bursar.credit_transactions").
		WithArgs("wallet-1").
		WillReturnRows(rows)

	report, err := svc.VerifyLedger(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("VerifyLedger returned error: %v", err)
	}
	if report.Consistent || !strings.Contains(report.MismatchDetail, "does not match stored balance") {
		t.Fatalf("expected total mismatch, got %+v", report)
	}
}

func TestListTransactions_FiltersByType(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("tenant-1", "spend").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows := sqlmock.NewRows(transactionColumnNames)
	rows = ledgerRow(rows, 9, "spend", -25, 100, 75)
	mock.ExpectQuery("FROM bursar.credit_transactions").
		WithArgs("tenant-1", "spend").
		WillReturnRows(rows)

	entries, total, err := svc.ListTransactions(context.Background(), "tenant-1",
		TransactionQuery{Type: "spend", Limit: 10})
	if err != nil {
		t.Fatalf("ListTransactions returned error: %v", err)
	}
	if total != 7 || len(entries) != 1 {
		t.Fatalf("expected total=7 with 1 page entry, got total=%d len=%d", total, len(entries))
	}
	if entries[0].TransactionType != "spend" || entries[0].Amount != -25 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}
