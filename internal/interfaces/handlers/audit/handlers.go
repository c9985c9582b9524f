package audit

import (
	"time"

	auditsvc "atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Log *auditsvc.Log
}

// GET /api/v1/audit-logs?actor_id=&action=&entity_type=&entity_id=&since=&limit=&offset=
func (h *Handlers) List(c *fiber.Ctx) error {
	f := auditsvc.Filter{
		ActorID:    c.Query("actor_id"),
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Limit:      c.QueryInt("limit", 50),
		Offset:     c.QueryInt("offset", 0),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return response.Fail(c, domain.Validation("since", "since must be an RFC3339 timestamp"))
		}
		f.Since = &t
	}
	if f.Offset < 0 {
		return response.Fail(c, domain.Validation("offset", "offset must not be negative"))
	}
	rows, total, err := h.Log.List(c.UserContext(), f)
	if err != nil {
		return response.Fail(c, err)
	}
	return response.Success(c, "Audit logs fetched successfully", rows, fiber.Map{"total": total, "count": len(rows), "offset": f.Offset})
}
