package investments

import (
	"atlas-ledger/internal/application/allocator"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *allocator.Service
}

type investRequest struct {
	OfferID        string `json:"offer_id" validate:"required,uuid"`
	Amount         string `json:"amount" validate:"required,amount"`
	Currency       string `json:"currency" validate:"required,currency"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

// POST /api/v1/investments
func (h *Handlers) Invest(c *fiber.Ctx) error {
	var req investRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	user := middleware.GetUser(c)
	alloc, res, err := h.Service.Invest(c.UserContext(), allocator.InvestInput{
		OfferID:        uuid.MustParse(req.OfferID),
		UserID:         user.UserID,
		Email:          user.Email,
		Amount:         decimal.RequireFromString(req.Amount),
		Currency:       req.Currency,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	msg := "Investment accepted"
	if alloc.AcceptedAmount.LessThan(alloc.RequestedAmount) {
		msg = "Investment partially accepted"
	}
	return response.SuccessCreated(c, msg, alloc, fiber.Map{"replayed": res.Replayed})
}

// GET /api/v1/investments?offer_id=&user_id=
func (h *Handlers) Positions(c *fiber.Ctx) error {
	var offerID *uuid.UUID
	if raw := c.Query("offer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return response.Fail(c, domain.Validation("offer_id", "offer_id must be a valid UUID"))
		}
		offerID = &id
	}
	positions, err := h.Service.Positions(c.UserContext(), middleware.SubjectUser(c, c.Query("user_id")), offerID)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Positions fetched successfully", positions, fiber.Map{"count": len(positions)})
}
