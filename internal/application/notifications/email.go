package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"atlas-ledger/internal/domain"
)

const brevoAPI = "https://api.brevo.com/v3/smtp/email"

// BrevoSendRequest matches the Brevo API v3 transactional email body.
type BrevoSendRequest struct {
	Sender      BrevoContact   `json:"sender"`
	To          []BrevoContact `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

type BrevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// BrevoClient sends emails via the Brevo (Sendinblue) API. An empty APIKey disables sending.
type BrevoClient struct {
	APIKey   string
	MailFrom string
	Endpoint string
	Client   *http.Client
}

func (c *BrevoClient) from() string {
	if c.MailFrom != "" {
		return c.MailFrom
	}
	return "noreply@atlas.example"
}

func (c *BrevoClient) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return brevoAPI
}

// Send sends one email.
func (c *BrevoClient) Send(ctx context.Context, toEmail, subject, html string) error {
	if c.APIKey == "" {
		return nil
	}
	body, err := json.Marshal(BrevoSendRequest{
		Sender:      BrevoContact{Email: c.from(), Name: "Atlas"},
		To:          []BrevoContact{{Email: toEmail}},
		Subject:     subject,
		HTMLContent: html,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("brevo send failed: status %d", resp.StatusCode)
	}
	return nil
}

// Mailer is satisfied by BrevoClient.
type Mailer interface {
	Send(ctx context.Context, toEmail, subject, html string) error
}

// EmailSink emails the investor about completed investments, deposits and withdrawals.
// Events without an address are skipped.
type EmailSink struct {
	Mailer Mailer
}

func (EmailSink) Name() string { return "email" }

func (s EmailSink) Deliver(ctx context.Context, ev domain.OperationEvent) error {
	if ev.Email == "" {
		return nil
	}
	subject, content, ok := render(ev)
	if !ok {
		return nil
	}
	return s.Mailer.Send(ctx, ev.Email, subject, Layout(content))
}

// result is the union of snapshot fields the templates read.
type result struct {
	AcceptedAmount  string `json:"accepted_amount"`
	RequestedAmount string `json:"requested_amount"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	VaultCode       string `json:"vault_code"`
}

func render(ev domain.OperationEvent) (string, string, bool) {
	var r result
	_ = json.Unmarshal(ev.Result, &r)
	switch ev.Type {
	case domain.OperationInvestment:
		return "Your investment is confirmed", investmentContent(r), true
	case domain.OperationDeposit:
		return "Funds received", depositContent(r), true
	case domain.OperationVaultWithdrawal:
		return "Your vault withdrawal has been paid out", withdrawalContent(r, false), true
	case domain.OperationVaultWithdrawalHold:
		return "Your vault withdrawal is being processed", withdrawalContent(r, true), true
	}
	return "", "", false
}
