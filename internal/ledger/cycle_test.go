package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestAdvanceCycle_NoOpBeforeResetDate(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet() // cycle runs through 2026-09-01
	expectWalletLock(mock, w)
	mock.ExpectCommit()

	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	result, err := svc.AdvanceCycle(context.Background(), "tenant-1", now)
	if err != nil {
		t.Fatalf("AdvanceCycle returned error: %v", err)
	}
	if result.Advanced {
		t.Fatal("cycle advanced before next_reset_date")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceCycle_ResetRolloverAndGrant(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// 120 total with 50 purchased: the 70 granted credits expire, the 50
	// purchased roll over into their first allowed month, then the
	// subscription grant lands.
	w := testWallet()
	w.Balance = 120
	w.PurchasedBalance = 50
	w.LifetimeEarned = 120
	w.CycleStart = time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	w.CycleEnd = time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	w.NextResetDate = w.CycleEnd
	w.SubscriptionActive = true
	w.MonthlyGrant = 100

	newStart := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	newEnd := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)

	expectWalletLock(mock, w)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "reset", int64(-70), int64(120), int64(50),
			"cycle:2026-08", "Cycle reset: unused granted credits expired").
		WillReturnRows(entryRows("tx-r1", 20))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "rollover", int64(0), int64(50), int64(50),
			"cycle:2026-08", "Rolled over 50 purchased credits (month 1 of 1)").
		WillReturnRows(entryRows("tx-r2", 21))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "earn", int64(100), int64(50), int64(150),
			"cycle:2026-08", "Monthly subscription grant").
		WillReturnRows(entryRows("tx-r3", 22))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(150), int64(50), int64(220), int64(0), 1, newStart, newEnd, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	now := time.Date(2026, time.August, 5, 3, 0, 0, 0, time.UTC)
	result, err := svc.AdvanceCycle(context.Background(), "tenant-1", now)
	if err != nil {
		t.Fatalf("AdvanceCycle returned error: %v", err)
	}
	if !result.Advanced {
		t.Fatal("expected cycle to advance")
	}
	if result.ExpiredCredits != 70 || result.RolledOver != 50 || result.Granted != 100 {
		t.Fatalf("unexpected cycle result: %+v", result)
	}
	if !result.NewCycleStart.Equal(newStart) || !result.NewCycleEnd.Equal(newEnd) {
		t.Fatalf("unexpected new cycle bounds: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceCycle_PurchasedCreditsExpirePastBudget(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// Purchased pool already survived its one allowed rollover month, so
	// this reset expires it.
	w := testWallet()
	w.Balance = 30
	w.PurchasedBalance = 30
	w.LifetimeEarned = 30
	w.RolloverMonthsUsed = 1
	w.CycleStart = time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	w.CycleEnd = time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	w.NextResetDate = w.CycleEnd

	newStart := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	newEnd := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)

	expectWalletLock(mock, w)
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "reset", int64(-30), int64(30), int64(0),
			"cycle:2026-08", "Cycle reset: purchased credits expired after 1 rollover month(s)").
		WillReturnRows(entryRows("tx-r4", 30))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(0), int64(0), int64(30), int64(0), 0, newStart, newEnd, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	now := time.Date(2026, time.August, 2, 0, 0, 0, 0, time.UTC)
	result, err := svc.AdvanceCycle(context.Background(), "tenant-1", now)
	if err != nil {
		t.Fatalf("AdvanceCycle returned error: %v", err)
	}
	if result.ExpiredCredits != 30 || result.RolledOver != 0 {
		t.Fatalf("unexpected cycle result: %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunSweep_FailuresAreIsolatedPerWallet(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	now := time.Date(2026, time.September, 1, 4, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT tenant_id FROM bursar.credit_wallets").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).
			AddRow("tenant-broken").AddRow("tenant-1"))

	// First wallet keeps failing on the row lock and exhausts its retries
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM bursar.credit_wallets").WithArgs("tenant-broken").
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()
	}

	// Second wallet advances normally (no-op here: reset date moved on)
	w := testWallet()
	w.NextResetDate = now.AddDate(0, 1, 0)
	expectWalletLock(mock, w)
	mock.ExpectCommit()

	stats, err := svc.RunSweep(context.Background(), now)
	if err != nil {
		t.Fatalf("RunSweep returned error: %v", err)
	}
	if stats.Examined != 2 || stats.Failures != 1 {
		t.Fatalf("expected examined=2 failures=1, got %+v", stats)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
