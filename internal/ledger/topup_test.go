package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"frameworks/api_credits/pkg/models"
)

var orderColumnNames = []string{
	"id", "tenant_id", "wallet_id", "reference", "credits_amount", "price_cents", "currency",
	"payment_provider", "provider_session_id", "checkout_url", "payment_status", "credits_delivered",
	"retry_count", "failure_reason", "expires_at", "completed_at", "created_at", "updated_at",
}

func testOrder() *models.TopUpOrder {
	now := time.Now().UTC()
	return &models.TopUpOrder{
		ID:              "order-1",
		TenantID:        "tenant-1",
		WalletID:        "wallet-1",
		Reference:       "topup_ref1",
		CreditsAmount:   50,
		PriceCents:      500,
		Currency:        "eur",
		PaymentProvider: "stripe",
		PaymentStatus:   models.PaymentStatusProcessing,
		ExpiresAt:       now.Add(time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func orderRows(o *models.TopUpOrder) *sqlmock.Rows {
	return sqlmock.NewRows(orderColumnNames).AddRow(
		o.ID, o.TenantID, o.WalletID, o.Reference, o.CreditsAmount, o.PriceCents, o.Currency,
		o.PaymentProvider, o.ProviderSessionID, o.CheckoutURL, o.PaymentStatus, o.CreditsDelivered,
		o.RetryCount, o.FailureReason, o.ExpiresAt, o.CompletedAt, o.CreatedAt, o.UpdatedAt,
	)
}

func TestFulfillOrder_DeliversOnce(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	o := testOrder()

	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	mock.ExpectQuery("INSERT INTO bursar.credit_transactions").
		WithArgs("wallet-1", "tenant-1", "purchase", int64(50), int64(100), int64(150), "topup_ref1", "Top-up of 50 credits").
		WillReturnRows(entryRows("tx-5", 3))
	mock.ExpectExec("UPDATE bursar.credit_wallets").
		WithArgs(int64(150), int64(90), int64(150), int64(0), 0, "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.topup_orders").
		WithArgs("completed", "order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.FulfillOrder(context.Background(), "topup_ref1")
	if err != nil {
		t.Fatalf("FulfillOrder returned error: %v", err)
	}
	if result.Duplicate {
		t.Fatal("first fulfillment reported as duplicate")
	}
	if result.NewBalance != 150 {
		t.Fatalf("expected balance 150 after fulfillment, got %d", result.NewBalance)
	}
	if !result.Order.CreditsDelivered || result.Order.PaymentStatus != models.PaymentStatusCompleted {
		t.Fatalf("order not marked delivered: %+v", result.Order)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFulfillOrder_DuplicateConfirmationAbsorbed(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	o := testOrder()
	o.PaymentStatus = models.PaymentStatusCompleted
	o.CreditsDelivered = true

	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	mock.ExpectCommit()

	result, err := svc.FulfillOrder(context.Background(), "topup_ref1")
	if err != nil {
		t.Fatalf("duplicate confirmation should not error, got %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected Duplicate=true for second confirmation")
	}
	if result.NewBalance != 100 {
		t.Fatalf("duplicate confirmation changed the balance: %d", result.NewBalance)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFulfillOrder_OverdueOrderExpires(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	o := testOrder()
	o.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	mock.ExpectRollback()
	// The expiry marking runs outside the rolled-back transaction
	mock.ExpectQuery("UPDATE bursar.topup_orders").
		WithArgs("expired", "topup_ref1", "pending", "processing", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1"))

	_, err := svc.FulfillOrder(context.Background(), "topup_ref1")
	if !errors.Is(err, ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFulfillOrder_FrozenWalletDefersDelivery(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.IsFrozen = true
	o := testOrder()

	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	expectWalletLock(mock, w)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))
	mock.ExpectRollback()

	_, err := svc.FulfillOrder(context.Background(), "topup_ref1")
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}
}

func TestFailOrder_IncrementsRetryCount(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectQuery("UPDATE bursar.topup_orders").
		WithArgs("failed", "card_declined", "topup_ref1", "pending", "processing", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "tenant_id"}).AddRow(2, "tenant-1"))

	retries, err := svc.FailOrder(context.Background(), "topup_ref1", "card_declined")
	if err != nil {
		t.Fatalf("FailOrder returned error: %v", err)
	}
	if retries != 2 {
		t.Fatalf("expected retry count 2, got %d", retries)
	}
}

func TestFailOrder_DeliveredOrderLeftUntouched(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	o := testOrder()
	o.PaymentStatus = models.PaymentStatusCompleted
	o.CreditsDelivered = true
	o.RetryCount = 1

	mock.ExpectQuery("UPDATE bursar.topup_orders").
		WithArgs("failed", "late_webhook", "topup_ref1", "pending", "processing", "failed").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))

	retries, err := svc.FailOrder(context.Background(), "topup_ref1", "late_webhook")
	if err != nil {
		t.Fatalf("FailOrder on delivered order should be a no-op, got %v", err)
	}
	if retries != 1 {
		t.Fatalf("expected existing retry count 1, got %d", retries)
	}
}

func TestFailOrder_DoesNotReopenCancelledOrder(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	// A late "failed" confirmation for a cancelled order must not drag it
	// back to failed, which would make it payable again.
	o := testOrder()
	o.PaymentStatus = models.PaymentStatusCancelled
	o.RetryCount = 2

	mock.ExpectQuery("UPDATE bursar.topup_orders").
		WithArgs("failed", "card_declined", "topup_ref1", "pending", "processing", "failed").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM bursar.topup_orders").
		WithArgs("topup_ref1").
		WillReturnRows(orderRows(o))

	retries, err := svc.FailOrder(context.Background(), "topup_ref1", "card_declined")
	if err != nil {
		t.Fatalf("FailOrder on cancelled order should be a no-op, got %v", err)
	}
	if retries != 2 {
		t.Fatalf("expected untouched retry count 2, got %d", retries)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelOrder_UnknownReference(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	mock.ExpectExec("UPDATE bursar.topup_orders").
		WithArgs("cancelled", "topup_missing", "pending", "processing", "failed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.CancelOrder(context.Background(), "topup_missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCreateOrder_RejectsFrozenWallet(t *testing.T) {
	svc, mock, done := newTestService(t)
	defer done()

	w := testWallet()
	w.IsFrozen = true
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(walletRows(w))

	_, err := svc.CreateOrder(context.Background(), "tenant-1", 50, 500, "eur", "stripe")
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}
}

func TestCreateOrder_RejectsNonPositiveCredits(t *testing.T) {
	svc, _, done := newTestService(t)
	defer done()

	_, err := svc.CreateOrder(context.Background(), "tenant-1", 0, 500, "eur", "stripe")
	if !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
