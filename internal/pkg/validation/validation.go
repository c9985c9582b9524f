// Package validation checks request bodies with go-playground/validator tags and reports the
// first failure as a domain validation error.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"atlas-ledger/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return snake(f.Name)
		}
		return name
	})
	// amount: a positive decimal string up to MaxAmount with at most AmountScale fractional digits.
	if err := v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		d, err := decimal.NewFromString(s)
		return err == nil && domain.ValidateAmount("", d) == nil
	}); err != nil {
		return nil, fmt.Errorf("register amount: %w", err)
	}
	// signed_amount: a non-zero decimal string within MaxAmount either way, used by adjustment lines.
	if err := v.RegisterValidation("signed_amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsZero() && !d.Abs().GreaterThan(domain.MaxAmount) && d.Equal(d.Round(domain.AmountScale))
	}); err != nil {
		return nil, fmt.Errorf("register signed_amount: %w", err)
	}
	if err := v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || domain.IsValidCurrency(domain.NormalizeCurrency(s))
	}); err != nil {
		return nil, fmt.Errorf("register currency: %w", err)
	}
	return v, nil
}

// Validator returns the shared validator.
func Validator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	return validate, errValidate
}

var messages = map[string]string{
	"required":      "is required",
	"amount":        "must be a positive amount up to 1000000000000000 with at most 4 decimal places",
	"signed_amount": "must be a non-zero amount up to 1000000000000000 either way with at most 4 decimal places",
	"currency":      "must be a 3-letter ISO currency code",
	"uuid":          "must be a valid UUID",
	"max":           "is too long",
	"min":           "is too short",
	"oneof":         "has an unsupported value",
	"email":         "must be a valid email",
	"gte":           "is below the minimum",
}

// Struct validates v and converts the first failure to a VALIDATION_ERROR.
func Struct(v interface{}) error {
	vld, err := Validator()
	if err != nil {
		return err
	}
	err = vld.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return domain.Validation("", err.Error())
	}
	fe := ves[0]
	field := fe.Field()
	msg, ok := messages[fe.Tag()]
	if !ok {
		msg = "is invalid"
	}
	return domain.Validation(field, field+" "+msg)
}

// BindJSON parses the request body into out and validates it.
func BindJSON(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return domain.Validation("body", "request body must be valid JSON")
	}
	return Struct(out)
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
