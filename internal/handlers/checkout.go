package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"frameworks/api_credits/pkg/logging"

	"github.com/go-resty/resty/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

// CheckoutProvider identifies the payment provider
type CheckoutProvider string

const (
	ProviderStripe CheckoutProvider = "stripe"
	ProviderMollie CheckoutProvider = "mollie"
)

// CheckoutRequest contains all parameters needed to create a checkout session
// for a credit top-up order.
type CheckoutRequest struct {
	Provider       CheckoutProvider
	TenantID       string
	OrderReference string
	Credits        int64
	AmountCents    int64
	Currency       string
	SuccessURL     string
	CancelURL      string

	// Optional billing details
	BillingEmail string
	BillingName  string
}

// CheckoutResult contains the response from creating a checkout session
type CheckoutResult struct {
	CheckoutURL string
	SessionID   string    // Provider's session/payment ID
	ExpiresAt   time.Time // When the checkout session expires
}

// CheckoutService provides unified checkout creation across providers
type CheckoutService struct {
	logger logging.Logger
	mollie *resty.Client
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(log logging.Logger) *CheckoutService {
	client := resty.New().
		SetBaseURL("https://api.mollie.com/v2").
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &CheckoutService{
		logger: log,
		mollie: client,
	}
}

// CreateCheckout creates a checkout session with the appropriate provider
func (s *CheckoutService) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	switch req.Provider {
	case ProviderStripe:
		return s.createStripeCheckout(ctx, req)
	case ProviderMollie:
		return s.createMollieCheckout(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", req.Provider)
	}
}

// createStripeCheckout creates a Stripe Checkout Session in payment mode.
func (s *CheckoutService) createStripeCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	if stripe.Key == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY not configured")
	}

	// Metadata is critical for webhook dispatch: the order reference is how
	// the confirmation finds its way back to the right top-up.
	metadata := map[string]string{
		"tenant_id":       req.TenantID,
		"order_reference": req.OrderReference,
		"credits":         fmt.Sprintf("%d", req.Credits),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("%d credits", req.Credits)),
						Description: stripe.String(fmt.Sprintf("Credit top-up for tenant %s", req.TenantID)),
					},
					UnitAmount: stripe.Int64(req.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}

	if req.BillingEmail != "" {
		params.CustomerEmail = stripe.String(req.BillingEmail)
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe checkout session: %w", err)
	}

	// Stripe sessions expire after 24 hours by default
	expiresAt := time.Now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0)
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id":       req.TenantID,
		"order_reference": req.OrderReference,
		"session_id":      sess.ID,
		"checkout_url":    sess.URL,
	}).Info("Created Stripe checkout session")

	return &CheckoutResult{
		CheckoutURL: sess.URL,
		SessionID:   sess.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

// createMollieCheckout creates a Mollie payment
func (s *CheckoutService) createMollieCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	mollieKey := os.Getenv("MOLLIE_API_KEY")
	if mollieKey == "" {
		return nil, fmt.Errorf("MOLLIE_API_KEY not configured")
	}

	webhookURL := ""
	if base := strings.TrimSpace(os.Getenv("API_PUBLIC_URL")); base != "" {
		webhookURL = base + "/webhooks/payments/mollie"
	}

	mollieReq := MolliePaymentRequest{
		Amount: MollieAmount{
			Currency: req.Currency,
			// Mollie requires decimal string amounts ("10.00")
			Value: fmt.Sprintf("%.2f", float64(req.AmountCents)/100),
		},
		Description: fmt.Sprintf("%d credits for tenant %s", req.Credits, req.TenantID),
		RedirectURL: req.SuccessURL,
		CancelURL:   req.CancelURL,
		WebhookURL:  webhookURL,
		Metadata: map[string]string{
			"tenant_id":       req.TenantID,
			"order_reference": req.OrderReference,
		},
	}

	var mollieResp MolliePaymentResponse
	resp, err := s.mollie.R().
		SetContext(ctx).
		SetAuthToken(mollieKey).
		SetBody(mollieReq).
		SetResult(&mollieResp).
		Post("/payments")
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie payment: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("mollie API error (status %d): %s", resp.StatusCode(), resp.String())
	}

	s.logger.WithFields(logging.Fields{
		"tenant_id":       req.TenantID,
		"order_reference": req.OrderReference,
		"payment_id":      mollieResp.ID,
		"checkout_url":    mollieResp.Links.Checkout.Href,
	}).Info("Created Mollie payment")

	// Mollie payments expire based on method, default to 12 hours
	expiresAt := time.Now().Add(12 * time.Hour)
	if mollieResp.ExpiresAt != "" {
		if parsed, perr := time.Parse(time.RFC3339, mollieResp.ExpiresAt); perr == nil {
			expiresAt = parsed
		}
	}

	return &CheckoutResult{
		CheckoutURL: mollieResp.Links.Checkout.Href,
		SessionID:   mollieResp.ID,
		ExpiresAt:   expiresAt,
	}, nil
}
