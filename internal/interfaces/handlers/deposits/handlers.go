package deposits

import (
	depositsvc "atlas-ledger/internal/application/deposits"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *depositsvc.Service
}

type depositRequest struct {
	Amount         string `json:"amount" validate:"required,amount"`
	Currency       string `json:"currency" validate:"required,currency"`
	UserID         string `json:"user_id" validate:"required,max=128"`
	Reference      string `json:"reference" validate:"max=200"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

type intentRequest struct {
	Amount   string `json:"amount" validate:"required,amount"`
	Currency string `json:"currency" validate:"required,currency"`
}

// POST /api/v1/deposits books a confirmed bank transfer for user_id. Back office only; investors
// fund their account through payment intents settled by the banking webhook.
func (h *Handlers) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.Deposit(c.UserContext(), depositsvc.DepositInput{
		UserID:         middleware.SubjectUser(c, req.UserID),
		Amount:         decimal.RequireFromString(req.Amount),
		Currency:       req.Currency,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
		Reference:      req.Reference,
	})
	if err != nil {
		return response.Fail(c, err)
	}
	msg := "Deposit credited"
	if out.Status == depositsvc.StatusHeld {
		msg = "Deposit held for compliance review"
	}
	return response.SuccessCreated(c, msg, out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/deposits/intents
func (h *Handlers) CreateIntent(c *fiber.Ctx) error {
	var req intentRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	user := middleware.GetUser(c)
	intent, err := h.Service.CreateIntent(c.UserContext(), user.UserID, user.Email, decimal.RequireFromString(req.Amount), req.Currency)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Payment intent created", intent, nil)
}
