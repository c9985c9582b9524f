package middleware

import (
	"errors"

	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler is the global error handler. Domain errors keep their code; fiber errors keep
// their status; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return response.Fail(c, err)
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return response.Error(c, fe.Message, fe.Code, nil)
	}
	return response.Fail(c, err)
}
