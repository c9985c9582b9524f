package offers

import (
	"strings"

	offersvc "atlas-ledger/internal/application/offers"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/middleware"
	"atlas-ledger/internal/pkg/response"
	"atlas-ledger/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Handlers struct {
	Service *offersvc.Service
}

type createRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	Currency  string `json:"currency" validate:"required,currency"`
	MaxAmount string `json:"max_amount" validate:"required,amount"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=DRAFT LIVE PAUSED CLOSED"`
	Reason string `json:"reason" validate:"required"`
}

func offerID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, domain.Validation("id", "id must be a valid UUID")
	}
	return id, nil
}

// POST /api/v1/offers
func (h *Handlers) CreateOffer(c *fiber.Ctx) error {
	var req createRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, err := h.Service.Create(c.UserContext(), middleware.Actor(c), offersvc.CreateInput{
		Name:      req.Name,
		Currency:  req.Currency,
		MaxAmount: decimal.RequireFromString(req.MaxAmount),
	})
	if err != nil {
		return response.Fail(c, err)
	}
	return response.SuccessCreated(c, "Offer created successfully", out, nil)
}

// PATCH /api/v1/offers/:id/status
func (h *Handlers) UpdateStatus(c *fiber.Ctx) error {
	id, err := offerID(c)
	if err != nil {
		return response.Fail(c, err)
	}
	var req statusRequest
	if err := validation.BindJSON(c, &req); err != nil {
		return response.Fail(c, err)
	}
	out, err := h.Service.Transition(c.UserContext(), middleware.Actor(c), id, domain.OfferStatus(req.Status), req.Reason)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Offer status updated", out, nil)
}

// GET /api/v1/offers/:id
func (h *Handlers) GetOffer(c *fiber.Ctx) error {
	id, err := offerID(c)
	if err != nil {
		return response.Fail(c, err)
	}
	out, err := h.Service.Get(c.UserContext(), id)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Offer fetched successfully", out, nil)
}

// GET /api/v1/offers?status=
func (h *Handlers) ListOffers(c *fiber.Ctx) error {
	out, err := h.Service.List(c.UserContext(), domain.OfferStatus(strings.ToUpper(c.Query("status"))))
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Offers fetched successfully", out, fiber.Map{"count": len(out)})
}
