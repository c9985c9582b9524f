package liquidity

import (
	"strings"

	"atlas-ledger/internal/application/vaults"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *vaults.Service
}

type settleRequest struct {
	Reason         string `json:"reason" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

type rebalanceRequest struct {
	Direction      string `json:"direction" validate:"required,oneof=TO_AUM TO_BUFFER to_aum to_buffer"`
	Amount         string `json:"amount" validate:"required,amount"`
	Reason         string `json:"reason" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

func requestID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, domain.Validation("id", "id must be a valid UUID")
	}
	return id, nil
}

func (h *Handlers) settle(c *fiber.Ctx) (vaults.SettleInput, error) {
	id, err := requestID(c)
	if err != nil {
		return vaults.SettleInput{}, err
	}
	var req settleRequest
	if len(c.Body()) > 0 {
		if err := validation.BindJSON(c, &req); err != nil {
			return vaults.SettleInput{}, err
		}
	}
	return vaults.SettleInput{
		RequestID:      id,
		Actor:          middleware.Actor(c),
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	}, nil
}

// POST /api/v1/liquidity/withdrawals/:id/execute
func (h *Handlers) Execute(c *fiber.Ctx) error {
	in, err := h.settle(c)
	if err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.ExecutePending(c.UserContext(), in)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Withdrawal executed", out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/liquidity/withdrawals/:id/reject
func (h *Handlers) Reject(c *fiber.Ctx) error {
	in, err := h.settle(c)
	if err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.RejectPending(c.UserContext(), in)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Withdrawal rejected", out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/liquidity/vaults/:code/rebalance
func (h *Handlers) Rebalance(c *fiber.Ctx) error {
	var req rebalanceRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, res, err := h.Service.Rebalance(c.UserContext(), vaults.RebalanceInput{
		VaultCode:      c.Params("code"),
		Direction:      strings.ToUpper(req.Direction),
		Amount:         decimal.RequireFromString(req.Amount),
		Actor:          middleware.Actor(c),
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Vault rebalanced", out, fiber.Map{"replayed": res.Replayed})
}

// GET /api/v1/liquidity/vaults/:code
func (h *Handlers) Liquidity(c *fiber.Ctx) error {
	out, err := h.Service.Liquidity(c.UserContext(), c.Params("code"))
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Liquidity fetched successfully", out, nil)
}

// GET /api/v1/liquidity/withdrawals?vault=&limit=
func (h *Handlers) Pending(c *fiber.Ctx) error {
	rows, err := h.Service.ListRequests(c.UserContext(), vaults.RequestFilter{
		VaultCode: c.Query("vault"),
		Status:    domain.WithdrawalPending,
		Limit:     c.QueryInt("limit", 50),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Pending withdrawals fetched successfully", rows, fiber.Map{"count": len(rows)})
}
