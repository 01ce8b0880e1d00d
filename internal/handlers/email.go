package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"frameworks/api_credits/pkg/logging"
)

// EmailService handles email notifications
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	opsEmail     string
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	TenantID       string
	OrderReference string
	CreditsAmount  int64
	PriceCents     int64
	Currency       string
	RetryCount     int
	FailureReason  string
	FrozenAt       time.Time
	FreezeReason   string
	LoginURL       string
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587 // Default SMTP port
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		opsEmail:     os.Getenv("OPS_EMAIL"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendTopUpEscalationEmail alerts operations after a top-up order has
// failed repeatedly.
func (es *EmailService) SendTopUpEscalationEmail(tenantID, orderReference string, credits, priceCents int64, currency string, retryCount int, failureReason string) error {
	if !es.IsConfigured() || es.opsEmail == "" {
		es.logger.Warn("Email service not configured, skipping top-up escalation email")
		return nil
	}

	subject := fmt.Sprintf("Top-up %s failing repeatedly (%d attempts)", orderReference, retryCount)

	data := EmailData{
		TenantID:       tenantID,
		OrderReference: orderReference,
		CreditsAmount:  credits,
		PriceCents:     priceCents,
		Currency:       currency,
		RetryCount:     retryCount,
		FailureReason:  failureReason,
	}

	body, err := es.renderTemplate("topup_escalation", data)
	if err != nil {
		return fmt.Errorf("failed to render top-up escalation template: %w", err)
	}

	return es.sendEmail(es.opsEmail, subject, body)
}

// SendWalletFrozenEmail notifies a tenant contact that their wallet was
// frozen and why.
func (es *EmailService) SendWalletFrozenEmail(tenantEmail, tenantID, reason string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping wallet frozen email")
		return nil
	}

	subject := "Your credit wallet has been frozen"

	data := EmailData{
		TenantID:     tenantID,
		FrozenAt:     time.Now(),
		FreezeReason: reason,
		LoginURL:     os.Getenv("BASE_URL") + "/login",
	}

	body, err := es.renderTemplate("wallet_frozen", data)
	if err != nil {
		return fmt.Errorf("failed to render wallet frozen template: %w", err)
	}

	return es.sendEmail(tenantEmail, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	templates := map[string]string{
		"topup_escalation": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Top-up Escalation</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e74c3c;">Top-up Order Failing Repeatedly</h2>

        <p>A top-up order has exceeded the failure threshold and needs a look:</p>

        <div style="background-color: #f8d7da; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e74c3c;">
            <p><strong>Tenant:</strong> {{.TenantID}}</p>
            <p><strong>Order Reference:</strong> {{.OrderReference}}</p>
            <p><strong>Credits:</strong> {{.CreditsAmount}}</p>
            <p><strong>Price:</strong> {{.PriceCents}} cents {{.Currency}}</p>
            <p><strong>Failed Attempts:</strong> {{.RetryCount}}</p>
            <p><strong>Last Failure:</strong> {{.FailureReason}}</p>
        </div>

        <p>The order stays payable until it expires; no credits have been delivered.</p>
    </div>
</body>
</html>`,

		"wallet_frozen": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Wallet Frozen</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #f39c12;">Your Credit Wallet Has Been Frozen</h2>

        <p>Hello,</p>

        <p>Your credit wallet has been frozen by an administrator. While frozen, no credits can be spent or added.</p>

        <div style="background-color: #fff3cd; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #f39c12;">
            <p><strong>Reason:</strong> {{.FreezeReason}}</p>
            <p><strong>Frozen At:</strong> {{.FrozenAt.Format "January 2, 2006 at 3:04 PM"}}</p>
        </div>

        <p>Please contact support to resolve this.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.LoginURL}}" style="background-color: #3498db; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Account</a>
        </p>
    </div>
</body>
</html>`,
	}

	tmplContent, exists := templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
