package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"frameworks/api_credits/internal/ledger"
	api "frameworks/api_credits/pkg/api/bursar"
)

func runRespondLedgerError(err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	respondLedgerError(c, err)
	return rec
}

func TestRespondLedgerError_StatusMapping(t *testing.T) {
	logger = logrus.New()
	logger.SetOutput(io.Discard)

	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"validation", ledger.NewValidationError("bad input"), http.StatusBadRequest, "validation_error"},
		{"unknown action", ledger.ErrUnknownAction, http.StatusBadRequest, "unknown_action"},
		{"insufficient", &ledger.InsufficientCreditsError{Required: 25, Available: 10}, http.StatusPaymentRequired, "insufficient_credits"},
		{"frozen", ledger.ErrWalletFrozen, http.StatusLocked, "wallet_frozen"},
		{"wallet missing", ledger.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
		{"order missing", ledger.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"order expired", ledger.ErrOrderExpired, http.StatusGone, "order_expired"},
		{"conflict", ledger.ErrTransientConflict, http.StatusConflict, "transient_conflict"},
		{"unhandled", io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		rec := runRespondLedgerError(tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, rec.Code)
		}
		var resp api.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: invalid error body: %v", tc.name, err)
		}
		if resp.Code != tc.code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.code, resp.Code)
		}
	}
}

func newHandlerTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	db = mockDB
	logger = log
	cfg := ledger.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	svc = ledger.New(mockDB, log, cfg)
	metrics = nil

	router := gin.New()
	router.POST("/credits/charge", ChargeAction)
	router.POST("/credits/can-perform", CanPerform)
	router.POST("/credits/topups", func(c *gin.Context) {
		c.Set("tenant_id", "tenant-1")
		CreateTopUp(c)
	})
	return router, mock, func() {
		mockDB.Close()
		db = nil
		svc = nil
	}
}

func TestChargeActionHandler_UnknownAction(t *testing.T) {
	router, mock, done := newHandlerTestRouter(t)
	defer done()

	mock.ExpectQuery("FROM bursar.pricing_rules").
		WithArgs("teleport").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action_type", "display_name", "cost_per_action",
			"free_allowance_per_month", "is_active", "created_at", "updated_at",
		}))

	body, _ := json.Marshal(api.ChargeActionRequest{TenantID: "tenant-1", ActionType: "teleport"})
	req := httptest.NewRequest(http.MethodPost, "/credits/charge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if resp.Code != "unknown_action" {
		t.Fatalf("expected code unknown_action, got %q", resp.Code)
	}
}

func TestCreateTopUpHandler_AllowsZeroPrice(t *testing.T) {
	router, mock, done := newHandlerTestRouter(t)
	defer done()

	// A zero price is a valid free top-up; the request must reach the
	// engine. The frozen-wallet rejection proves it got past binding.
	frozen := true
	mock.ExpectQuery("FROM bursar.credit_wallets").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "balance", "purchased_balance", "lifetime_earned", "lifetime_spent",
			"cycle_start", "cycle_end", "next_reset_date", "rollover_months_allowed", "rollover_months_used",
			"is_frozen", "freeze_reason", "subscription_active", "monthly_grant", "created_at", "updated_at",
		}).AddRow(
			"wallet-1", "tenant-1", 100, 40, 100, 0,
			time.Now().UTC(), time.Now().UTC(), time.Now().UTC(), 1, 0,
			frozen, nil, false, 0, time.Now().UTC(), time.Now().UTC(),
		))

	body := []byte(`{"credits_amount":50,"price_cents":0}`)
	req := httptest.NewRequest(http.MethodPost, "/credits/topups", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 from the frozen wallet, got %d: %s", rec.Code, rec.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateTopUpHandler_RejectsNegativePrice(t *testing.T) {
	router, _, done := newHandlerTestRouter(t)
	defer done()

	body := []byte(`{"credits_amount":50,"price_cents":-5}`)
	req := httptest.NewRequest(http.MethodPost, "/credits/topups", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rec.Code)
	}
}

func TestChargeActionHandler_RejectsMissingFields(t *testing.T) {
	router, _, done := newHandlerTestRouter(t)
	defer done()

	req := httptest.NewRequest(http.MethodPost, "/credits/charge", bytes.NewReader([]byte(`{"tenant_id":"tenant-1"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing action_type, got %d", rec.Code)
	}
}
