package banking

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	depositsvc "atlas-ledger/internal/application/deposits"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Payment intent events the webhook acts on.
const (
	EventProcessing = "payment_intent.processing"
	EventSucceeded  = "payment_intent.succeeded"
	EventFailed     = "payment_intent.payment_failed"
	EventCanceled   = "payment_intent.canceled"
)

// SignatureTolerance bounds the age of a signed webhook timestamp.
const SignatureTolerance = 5 * time.Minute

type WebhookHandler struct {
	Deposits      *depositsvc.Service
	WebhookSecret string
	Now           func() time.Time
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentIntentObject struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CancellationReason string            `json:"cancellation_reason"`
	LastPaymentError   *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (wh *WebhookHandler) now() time.Time {
	if wh.Now != nil {
		return wh.Now()
	}
	return time.Now()
}

// HandleWebhook POST /api/v1/banking/webhook. Raw body, signature verification, then the deposit
// lifecycle keyed by the payment intent id.
func (wh *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := c.BodyRaw()
	sig := c.Get("Stripe-Signature")
	traceID := middleware.GetTraceID(c)

	if len(rawBody) == 0 {
		log.Warn().Str("trace_id", traceID).Msg("banking webhook received empty body")
		return c.Status(fiber.StatusBadRequest).SendString("Webhook Error: empty body")
	}
	if err := verifyStripeSignature(rawBody, sig, wh.WebhookSecret, wh.now()); err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Bool("has_sig", sig != "").Bool("has_secret", wh.WebhookSecret != "").Msg("banking webhook signature verification failed")
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	var event stripeEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("banking webhook JSON parse failed")
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}
	switch event.Type {
	case EventProcessing, EventSucceeded, EventFailed, EventCanceled:
	default:
		return c.Status(fiber.StatusOK).SendString("ok")
	}
	var pi paymentIntentObject
	if err := json.Unmarshal(event.Data.Object, &pi); err != nil || pi.ID == "" {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("banking webhook payment intent unreadable")
		return c.Status(fiber.StatusOK).SendString("ok")
	}

	err := wh.handle(c.UserContext(), event.Type, pi)
	logger := log.With().Str("trace_id", traceID).Str("event_id", event.ID).Str("event_type", event.Type).Str("payment_intent", pi.ID).Logger()
	var de *domain.Error
	switch {
	case err == nil:
		logger.Info().Msg("banking webhook processed")
	case errors.As(err, &de) && de.Code != domain.CodeInternal:
		// The event is final for us; a redelivery would hit the same error.
		logger.Warn().Err(err).Str("code", de.Code).Msg("banking webhook rejected by ledger")
	default:
		logger.Error().Err(err).Msg("banking webhook processing failed")
		return c.Status(fiber.StatusInternalServerError).SendString("Webhook Error: processing failed")
	}
	return c.Status(fiber.StatusOK).SendString("ok")
}

func (wh *WebhookHandler) handle(ctx context.Context, eventType string, pi paymentIntentObject) error {
	userID := pi.Metadata[depositsvc.MetaUserID]
	if userID == "" {
		return domain.Validation("metadata.user_id", "payment intent carries no user")
	}
	if eventType == EventFailed {
		reason := ""
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Message
		}
		_, err := wh.Deposits.FailExternal(ctx, userID, pi.ID, reason)
		return err
	}
	if eventType == EventCanceled {
		_, err := wh.Deposits.CancelExternal(ctx, userID, pi.ID, pi.CancellationReason)
		return err
	}
	in, err := depositInput(pi, userID)
	if err != nil {
		return err
	}
	if eventType == EventProcessing {
		_, err = wh.Deposits.BeginExternal(ctx, in)
		return err
	}
	_, _, err = wh.Deposits.CompleteExternal(ctx, in)
	return err
}

// depositInput takes the amount the processor charged. Metadata written at intent creation must
// agree with it in both amount and currency.
func depositInput(pi paymentIntentObject, userID string) (depositsvc.DepositInput, error) {
	currency := pi.Metadata[depositsvc.MetaCurrency]
	if currency == "" {
		currency = pi.Currency
	} else if pi.Currency != "" && !strings.EqualFold(currency, pi.Currency) {
		return depositsvc.DepositInput{}, domain.Validation("metadata.currency", "does not match the charged currency")
	}
	if pi.Amount <= 0 {
		return depositsvc.DepositInput{}, domain.Validation("amount", "payment intent carries no amount")
	}
	amount := decimal.New(pi.Amount, -2)
	if raw := pi.Metadata[depositsvc.MetaAmount]; raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return depositsvc.DepositInput{}, domain.Validation("metadata.amount", "amount is not a decimal")
		}
		if !d.Equal(amount) {
			return depositsvc.DepositInput{}, domain.Validation("metadata.amount", "does not match the charged amount")
		}
	}
	return depositsvc.DepositInput{
		UserID:         userID,
		Email:          pi.Metadata[depositsvc.MetaEmail],
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: pi.ID,
		Reference:      pi.ID,
	}, nil
}

// verifyStripeSignature verifies the Stripe-Signature header using the webhook secret.
func verifyStripeSignature(payload []byte, sigHeader, secret string, now time.Time) error {
	if sigHeader == "" || secret == "" {
		return errors.New("missing signature or secret")
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errors.New("invalid signature format")
	}

	expected := Sign(payload, timestamp, secret)
	for _, sig := range signatures {
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			continue
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return errors.New("invalid timestamp")
		}
		diff := now.Sub(time.Unix(ts, 0))
		if diff < 0 {
			diff = -diff
		}
		if diff > SignatureTolerance {
			return errors.New("timestamp too old")
		}
		return nil
	}
	return errors.New("signature mismatch")
}

// Sign computes the v1 signature for a payload signed at timestamp.
func Sign(payload []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}
