package handlers

// MolliePaymentRequest represents a payment request to Mollie API
type MolliePaymentRequest struct {
	Amount      MollieAmount      `json:"amount"`
	Description string            `json:"description"`
	RedirectURL string            `json:"redirectUrl"`
	CancelURL   string            `json:"cancelUrl"`
	WebhookURL  string            `json:"webhookUrl"`
	Metadata    map[string]string `json:"metadata"`
}

// MollieAmount represents amount structure for Mollie API
type MollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// MolliePaymentResponse represents a payment response from Mollie API
type MolliePaymentResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Amount    MollieAmount       `json:"amount"`
	ExpiresAt string             `json:"expiresAt"`
	Links     MolliePaymentLinks `json:"_links"`
	Metadata  map[string]string  `json:"metadata"`
}

// MolliePaymentLinks represents the _links section of Mollie response
type MolliePaymentLinks struct {
	Self     MollieLink `json:"self"`
	Checkout MollieLink `json:"checkout"`
}

// MollieLink represents a single link in Mollie response
type MollieLink struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

// MollieWebhookPayload represents a webhook payload from Mollie
type MollieWebhookPayload struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Status   string `json:"status"`
}
