package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestDebit_SpendsGrantedPoolFirst(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// 100 total, 40 purchased: an 80 debit takes all 60 granted plus 20
	// purchased credits.
	w := testWallet()
	expectWalletLock(mock, w)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "spend", int64(-80), int64(100), int64(20), "job-42", "Batch export").
		WillReturnRows(entryRows("tx-1", 1))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(20), int64(20), int64(100), int64(80), 0, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := svc.Debit(context.Background(), "tenant-1", 80, "job-42", "Batch export")
	if err != nil {
		t.Fatalf("Debit returned error: %v", err)
	}
	if entry.BalanceAfter != 20 {
		t.Fatalf("expected balance_after 20, got %d", entry.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDebit_FrozenWallet(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.IsFrozen = true
	expectWalletLock(mock, w)
	mock.ExpectRollback()

	_, err := svc.Debit(context.Background(), "tenant-1", 10, "", "test debit")
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}
}

func TestCredit_FrozenWalletRejectsTopUps(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.IsFrozen = true
	expectWalletLock(mock, w)
	mock.ExpectRollback()

	_, err := svc.Credit(context.Background(), "tenant-1", "earn", 50, "", "grant")
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}
}

func TestCredit_PurchaseResetsRolloverBudget(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.Balance = 10
	w.PurchasedBalance = 10
	w.LifetimeEarned = 10
	w.RolloverMonthsUsed = 1

	expectWalletLock(mock, w)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "purchase", int64(50), int64(10), int64(60), "topup_abc", "Top-up").
		WillReturnRows(entryRows("tx-2", 7))
	// A fresh purchase restarts the rollover clock
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(60), int64(60), int64(60), int64(0), 0, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := svc.Credit(context.Background(), "tenant-1", "purchase", 50, "topup_abc", "Top-up")
	if err != nil {
		t.Fatalf("Credit returned error: %v", err)
	}
	if entry.BalanceAfter != 60 {
		t.Fatalf("expected balance_after 60, got %d", entry.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCredit_RejectsInvalidType(t *testing.T) {
	svc, _, done := newTestService(t)
	defer done()

	_, err := svc.Credit(context.Background(), "tenant-1", "spend", 50, "", "nope")
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAdjust_WorksOnFrozenWallet(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// Operators can write down a frozen wallet; the purchased pool is
	// clamped so it never exceeds the total balance.
	w := testWallet()
	w.IsFrozen = true
	w.PurchasedBalance = 80

	expectWalletLock(mock, w)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "adjust", int64(-30), int64(100), int64(70), nil, "Chargeback correction").
		WillReturnRows(entryRows("tx-3", 4))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(70), int64(70), int64(100), int64(30), 0, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := svc.Adjust(context.Background(), "tenant-1", -30, "Chargeback correction")
	if err != nil {
		t.Fatalf("Adjust returned error: %v", err)
	}
	if entry.BalanceAfter != 70 {
		t.Fatalf("expected balance_after 70, got %d", entry.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdjust_RequiresDescription(t *testing.T) {
	svc, _, done := newTestService(t)
	defer done()

	if _, err := svc.Adjust(context.Background(), "tenant-1", -30, ""); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Adjust(context.Background(), "tenant-1", 0, "zero"); !IsValidationError(err) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
}

func TestCreateWallet_ValidatesRolloverRange(t *testing.T) {
	svc, _, done := newTestService(t)
	defer done()

	_, err := svc.CreateWallet(context.Background(), CreateWalletParams{
		TenantID:              "tenant-1",
		RolloverMonthsAllowed: 3,
	})
	if !IsValidationError(err) {
		t.Fatalf("expected validation error for rollover_months_allowed=3, got %v", err)
	}
}
