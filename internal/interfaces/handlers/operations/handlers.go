package operations

import (
	opsvc "atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/constants"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Engine *opsvc.Engine
}

type reverseRequest struct {
	Reason         string `json:"reason" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

type adjustLine struct {
	AccountID string `json:"account_id" validate:"required,uuid"`
	Amount    string `json:"amount" validate:"required,signed_amount"`
}

type adjustRequest struct {
	Reason         string       `json:"reason" validate:"required"`
	IdempotencyKey string       `json:"idempotency_key" validate:"max=200"`
	Lines          []adjustLine `json:"lines" validate:"required,min=1,dive"`
}

func operationID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, domain.Validation("id", "id must be a valid UUID")
	}
	return id, nil
}

// GET /api/v1/operations/:id
// Investors can only read their own operations.
func (h *Handlers) GetOperation(c *fiber.Ctx) error {
	id, err := operationID(c)
	if err != nil {
		return response.Fail(c, err)
	}
	view, err := h.Engine.View(c.UserContext(), id)
	if err != nil {
		return response.Fail(c, err)
	}
	user := middleware.GetUser(c)
	if !constants.IsBackOffice(user.Role) && view.UserID != user.UserID {
		return response.Fail(c, domain.NotFound("operation"))
	}
	return response.Success(c, "Operation fetched successfully", view, nil)
}

// POST /api/v1/operations/:id/reverse
func (h *Handlers) Reverse(c *fiber.Ctx) error {
	id, err := operationID(c)
	if err != nil {
		return response.Fail(c, err)
	}
	var req reverseRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	res, err := h.Engine.Reverse(c.UserContext(), opsvc.ReverseInput{
		OperationID:    id,
		Actor:          middleware.Actor(c),
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	var out opsvc.CorrectionResult
	if err := res.Decode(&out); err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Operation reversed", out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/operations/:id/adjust
func (h *Handlers) Adjust(c *fiber.Ctx) error {
	id, err := operationID(c)
	if err != nil {
		return response.Fail(c, err)
	}
	var req adjustRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	lines := make([]opsvc.AdjustmentLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = opsvc.AdjustmentLine{AccountID: uuid.MustParse(l.AccountID), Amount: decimal.RequireFromString(l.Amount)}
	}
	res, err := h.Engine.Adjust(c.UserContext(), opsvc.AdjustInput{
		OperationID:    id,
		Actor:          middleware.Actor(c),
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
		Lines:          lines,
	})
	if err != nil {
		return response.Fail(c, err)
	}
	var out opsvc.CorrectionResult
	if err := res.Decode(&out); err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Adjustment recorded", out, fiber.Map{"replayed": res.Replayed})
}
