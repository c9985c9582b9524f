package compliance

import (
	compliancesvc "atlas-ledger/internal/application/compliance"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *compliancesvc.Service
}

type releaseRequest struct {
	DepositOperationID string `json:"deposit_operation_id" validate:"required,uuid"`
	Amount             string `json:"amount" validate:"required,amount"`
	Reason             string `json:"reason" validate:"required"`
	IdempotencyKey     string `json:"idempotency_key" validate:"max=200"`
}

type rejectRequest struct {
	DepositOperationID string `json:"deposit_operation_id" validate:"required,uuid"`
	Reason             string `json:"reason" validate:"required"`
	IdempotencyKey     string `json:"idempotency_key" validate:"max=200"`
}

// POST /api/v1/compliance/release
func (h *Handlers) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.Release(c.UserContext(), compliancesvc.ReleaseInput{
		DepositOperationID: uuid.MustParse(req.DepositOperationID),
		Amount:             decimal.RequireFromString(req.Amount),
		Actor:              middleware.Actor(c),
		Reason:             req.Reason,
		IdempotencyKey:     middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Held funds released", out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/compliance/reject
func (h *Handlers) Reject(c *fiber.Ctx) error {
	var req rejectRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.Reject(c.UserContext(), compliancesvc.RejectInput{
		DepositOperationID: uuid.MustParse(req.DepositOperationID),
		Actor:              middleware.Actor(c),
		Reason:             req.Reason,
		IdempotencyKey:     middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Held deposit rejected", out, fiber.Map{"replayed": res.Replayed})
}

// GET /api/v1/compliance/holds?limit=
func (h *Handlers) Pending(c *fiber.Ctx) error {
	holds, err := h.Service.Pending(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Held deposits fetched successfully", holds, fiber.Map{"count": len(holds)})
}

// GET /api/v1/compliance/holds/:id
func (h *Handlers) Held(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.Fail(c, domain.Validation("id", "id must be a valid UUID"))
	}
	hold, err := h.Service.Held(c.UserContext(), id)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Held deposit fetched successfully", hold, nil)
}
