package middleware

import (
	"strings"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/constants"

	"github.com/gofiber/fiber/v2"
)

// IdempotencyKeyHeader carries the caller's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotencyKey returns the header key, falling back to the body field the handler parsed.
func IdempotencyKey(c *fiber.Ctx, fromBody string) string {
	if k := strings.TrimSpace(c.Get(IdempotencyKeyHeader)); k != "" {
		return k
	}
	return strings.TrimSpace(fromBody)
}

// Actor describes the session user for the audit log.
func Actor(c *fiber.Ctx) audit.Actor {
	a := audit.Actor{TraceID: GetTraceID(c)}
	if u := GetUser(c); u != nil {
		a.ID = u.UserID
		a.Role = u.Role
	}
	return a
}

// SubjectUser is the user an operation acts for. Back-office roles may name another user;
// everyone else always acts for themselves.
func SubjectUser(c *fiber.Ctx, requested string) string {
	u := GetUser(c)
	if u == nil {
		return ""
	}
	requested = strings.TrimSpace(requested)
	if requested != "" && constants.IsBackOffice(u.Role) {
		return requested
	}
	return u.UserID
}
