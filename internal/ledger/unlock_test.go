package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUnlockResource_ChargesOnce(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	unlockedAt := time.Now().UTC()

	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.unlock_records").
		WithArgs("tenant-1", "vault-7").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "spend", int64(-30), int64(100), int64(70), "unlock:vault-7", "Unlock resource vault-7").
		WillReturnRows(entryRows("tx-u1", 5))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(70), int64(40), int64(100), int64(30), 0, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.usage_counters").
		WithArgs("tenant-1", "resource_unlock", "2026-08").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET paid_used = paid_used").
		WithArgs("tenant-1", "resource_unlock", "2026-08").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO bursar.unlock_records").
		WithArgs("tenant-1", "vault-7", int64(30), "tx-u1").
		WillReturnRows(sqlmock.NewRows([]string{"unlocked_at"}).AddRow(unlockedAt))
	mock.ExpectCommit()

	result, err := svc.UnlockResource(context.Background(), "tenant-1", "vault-7", 30)
	if err != nil {
		t.Fatalf("UnlockResource returned error: %v", err)
	}
	if !result.Unlocked || result.AlreadyUnlocked {
		t.Fatalf("expected fresh unlock, got %+v", result)
	}
	if result.CreditsCharged != 30 || result.NewBalance != 70 {
		t.Fatalf("unexpected charge: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnlockResource_RepeatIsFreeNoOp(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	unlockedAt := time.Date(2026, time.July, 10, 9, 0, 0, 0, time.UTC)

	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.unlock_records").
		WithArgs("tenant-1", "vault-7").
		WillReturnRows(sqlmock.NewRows([]string{"unlocked_at", "credits_charged", "transaction_id"}).
			AddRow(unlockedAt, 30, "tx-u1"))
	mock.ExpectCommit()

	result, err := svc.UnlockResource(context.Background(), "tenant-1", "vault-7", 30)
	if err != nil {
		t.Fatalf("repeat unlock returned error: %v", err)
	}
	if !result.AlreadyUnlocked {
		t.Fatal("expected AlreadyUnlocked=true")
	}
	if result.CreditsCharged != 0 || result.NewBalance != 100 {
		t.Fatalf("repeat unlock changed state: %+v", result)
	}
	if !result.UnlockedAt.Equal(unlockedAt) {
		t.Fatalf("expected original grant time, got %v", result.UnlockedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnlockResource_RepeatSucceedsOnFrozenWallet(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// An existing grant is returned even while frozen; only a fresh
	// charge is blocked.
	w := testWallet()
	w.IsFrozen = true

	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.unlock_records").
		WithArgs("tenant-1", "vault-7").
		WillReturnRows(sqlmock.NewRows([]string{"unlocked_at", "credits_charged", "transaction_id"}).
			AddRow(time.Now().UTC(), 30, "tx-u1"))
	mock.ExpectCommit()

	result, err := svc.UnlockResource(context.Background(), "tenant-1", "vault-7", 30)
	if err != nil {
		t.Fatalf("repeat unlock on frozen wallet errored: %v", err)
	}
	if !result.AlreadyUnlocked {
		t.Fatalf("expected existing grant, got %+v", result)
	}
}

func TestUnlockResource_FreshUnlockBlockedWhileFrozen(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.IsFrozen = true

	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.unlock_records").
		WithArgs("tenant-1", "vault-9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.UnlockResource(context.Background(), "tenant-1", "vault-9", 30)
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}
}

func TestUnlockResource_ZeroCostSkipsLedger(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	unlockedAt := time.Now().UTC()

	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.unlock_records").
		WithArgs("tenant-1", "starter-pack").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO bursar.unlock_records").
		WithArgs("tenant-1", "starter-pack", int64(0), nil).
		WillReturnRows(sqlmock.NewRows([]string{"unlocked_at"}).AddRow(unlockedAt))
	mock.ExpectCommit()

	result, err := svc.UnlockResource(context.Background(), "tenant-1", "starter-pack", 0)
	if err != nil {
		t.Fatalf("UnlockResource returned error: %v", err)
	}
	if !result.Unlocked || result.CreditsCharged != 0 || result.NewBalance != 100 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
