package vaults

import (
	"strings"

	vaultsvc "atlas-ledger/internal/application/vaults"
	"atlas-ledger/internal/constants"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *vaultsvc.Service
}

type moveRequest struct {
	Amount         string `json:"amount" validate:"required,amount"`
	UserID         string `json:"user_id" validate:"max=128"`
	Reason         string `json:"reason" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=200"`
}

type createRequest struct {
	Code           string `json:"code" validate:"required,max=64"`
	Name           string `json:"name" validate:"required,max=200"`
	Currency       string `json:"currency" validate:"required,currency"`
	LockPeriodDays int    `json:"lock_period_days" validate:"gte=0"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE PAUSED CLOSED"`
	Reason string `json:"reason" validate:"required"`
}

// POST /api/v1/vaults/:code/deposit
func (h *Handlers) Deposit(c *fiber.Ctx) error {
	var req moveRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	user := middleware.GetUser(c)
	out, res, err := h.Service.Deposit(c.UserContext(), vaultsvc.DepositInput{
		VaultCode:      c.Params("code"),
		UserID:         middleware.SubjectUser(c, req.UserID),
		Email:          user.Email,
		Amount:         decimal.RequireFromString(req.Amount),
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Vault deposit completed", out, fiber.Map{"replayed": res.Replayed})
}

// POST /api/v1/vaults/:code/withdraw
func (h *Handlers) Withdraw(c *fiber.Ctx) error {
	var req moveRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	user := middleware.GetUser(c)
	out, res, err := h.Service.Withdraw(c.UserContext(), vaultsvc.WithdrawInput{
		VaultCode:      c.Params("code"),
		UserID:         middleware.SubjectUser(c, req.UserID),
		Email:          user.Email,
		Amount:         decimal.RequireFromString(req.Amount),
		Reason:         req.Reason,
		IdempotencyKey: middleware.IdempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	meta := fiber.Map{"replayed": res.Replayed}
	if out.Status == domain.WithdrawalPending {
		return response.SuccessAccepted(c, "Withdrawal queued pending liquidity", out, meta)
	}
	return response.SuccessCreated(c, "Withdrawal executed", out, meta)
}

// GET /api/v1/vaults/:code/withdrawals?status=&user_id=&limit=
// Investors only see their own requests.
func (h *Handlers) ListWithdrawals(c *fiber.Ctx) error {
	user := middleware.GetUser(c)
	f := vaultsvc.RequestFilter{
		VaultCode: c.Params("code"),
		Status:    domain.WithdrawalStatus(strings.ToUpper(c.Query("status"))),
		Limit:     c.QueryInt("limit", 50),
	}
	if constants.IsBackOffice(user.Role) {
		f.UserID = c.Query("user_id")
	} else {
		f.UserID = user.UserID
	}
	rows, err := h.Service.ListRequests(c.UserContext(), f)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Withdrawals fetched successfully", rows, fiber.Map{"count": len(rows)})
}

// GET /api/v1/vaults/:code
func (h *Handlers) GetVault(c *fiber.Ctx) error {
	v, err := h.Service.Get(c.UserContext(), c.Params("code"))
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Vault fetched successfully", v, nil)
}

// POST /api/v1/vaults
func (h *Handlers) CreateVault(c *fiber.Ctx) error {
	var req createRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	v, err := h.Service.Create(c.UserContext(), middleware.Actor(c), vaultsvc.CreateInput{
		Code:           req.Code,
		Name:           req.Name,
		Currency:       req.Currency,
		LockPeriodDays: req.LockPeriodDays,
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Vault created successfully", v, nil)
}

// PATCH /api/v1/vaults/:code/status
func (h *Handlers) SetStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	v, err := h.Service.SetStatus(c.UserContext(), middleware.Actor(c), c.Params("code"), domain.VaultStatus(req.Status), req.Reason)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Vault status updated", v, nil)
}
