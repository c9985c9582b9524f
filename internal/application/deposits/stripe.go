package deposits

import (
	"context"
	"strings"

	"atlas-ledger/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

// IntentCreator abstracts Stripe PaymentIntent creation for testability.
type IntentCreator interface {
	Create(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error)
}

type Intent struct {
	ID           string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
}

// StripeIntentCreator calls the Stripe API.
type StripeIntentCreator struct {
	SecretKey string
}

func (r *StripeIntentCreator) Create(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	stripe.Key = r.SecretKey
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		Metadata: metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, err
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// maxIntentCents is the processor's per-charge ceiling in minor units.
var maxIntentCents = decimal.NewFromInt(99999999)

// Intent metadata keys read back by the banking webhook.
const (
	MetaUserID   = "user_id"
	MetaEmail    = "email"
	MetaAmount   = "amount"
	MetaCurrency = "currency"
)

// CreateIntent starts a card deposit. The webhook books it once Stripe reports the payment.
func (s *Service) CreateIntent(ctx context.Context, userID, email string, amount decimal.Decimal, currency string) (*Intent, error) {
	if s.Intents == nil {
		return nil, domain.NewError(domain.CodeInternal, "card deposits are not configured")
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return nil, err
	}
	cur, err := domain.ValidateCurrency("currency", currency)
	if err != nil {
		return nil, err
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return nil, domain.Validation("amount", "card deposits support at most 2 decimal places")
	}
	if cents.GreaterThan(maxIntentCents) {
		return nil, domain.Validation("amount", "card deposits support at most "+maxIntentCents.Shift(-2).String())
	}
	return s.Intents.Create(ctx, cents.IntPart(), strings.ToLower(cur), map[string]string{
		MetaUserID:   userID,
		MetaEmail:    email,
		MetaAmount:   amount.String(),
		MetaCurrency: cur,
	})
}
