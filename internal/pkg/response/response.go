package response

import (
	"errors"

	"atlas-ledger/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// SuccessBody is the standardized success JSON shape.
type SuccessBody struct {
	Status   string      `json:"status"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data"`
	Metadata interface{} `json:"metadata,omitempty"`
}

// ErrorBody is the standardized error JSON shape.
type ErrorBody struct {
	Status string      `json:"status"`
	Error  ErrorDetail `json:"error"`
}

// ErrorDetail is the nested error object.
type ErrorDetail struct {
	Message    string      `json:"message"`
	StatusCode int         `json:"statusCode"`
	Code       string      `json:"code,omitempty"`
	TraceID    string      `json:"traceId,omitempty"`
	Details    interface{} `json:"details,omitempty"`
}

const statusSuccess = "success"
const statusError = "error"

// TraceIDKey is the fiber.Locals key the tracing middleware stores the request trace id under.
const TraceIDKey = "traceId"

func traceID(c *fiber.Ctx) string {
	id, _ := c.Locals(TraceIDKey).(string)
	return id
}

// Success sends a 200 OK response with the standard success format.
func Success(c *fiber.Ctx, message string, data interface{}, metadata interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return c.Status(fiber.StatusOK).JSON(SuccessBody{
		Status:   statusSuccess,
		Message:  message,
		Data:     data,
		Metadata: metadata,
	})
}

// SuccessCreated sends a 201 Created response with the standard success format.
func SuccessCreated(c *fiber.Ctx, message string, data interface{}, metadata interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return c.Status(fiber.StatusCreated).JSON(SuccessBody{
		Status:   statusSuccess,
		Message:  message,
		Data:     data,
		Metadata: metadata,
	})
}

// SuccessAccepted sends 202 for work recorded but not yet settled.
func SuccessAccepted(c *fiber.Ctx, message string, data interface{}, metadata interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessBody{
		Status:   statusSuccess,
		Message:  message,
		Data:     data,
		Metadata: metadata,
	})
}

// Error sends a response with the standard error format.
func Error(c *fiber.Ctx, message string, statusCode int, details interface{}) error {
	return Coded(c, message, statusCode, "", details)
}

// Coded sends an error carrying a machine-readable code.
func Coded(c *fiber.Ctx, message string, statusCode int, code string, details interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	return c.Status(statusCode).JSON(ErrorBody{
		Status: statusError,
		Error: ErrorDetail{
			Message:    message,
			StatusCode: statusCode,
			Code:       code,
			TraceID:    traceID(c),
			Details:    details,
		},
	})
}

// Unauthorized sends 401 with the same shape as other errors (status "error", error.message).
// Use this for auth middleware so all errors are consistent.
func Unauthorized(c *fiber.Ctx, message string) error {
	return Coded(c, message, fiber.StatusUnauthorized, "UNAUTHORIZED", nil)
}

// Forbidden sends 403.
func Forbidden(c *fiber.Ctx, message string) error {
	return Coded(c, message, fiber.StatusForbidden, "FORBIDDEN", nil)
}

var statusByCode = map[string]int{
	domain.CodeValidation:            fiber.StatusBadRequest,
	domain.CodeReasonRequired:        fiber.StatusBadRequest,
	domain.CodeNotFound:              fiber.StatusNotFound,
	domain.CodeOfferFull:             fiber.StatusConflict,
	domain.CodeOfferNotLive:          fiber.StatusConflict,
	domain.CodeVaultLocked:           fiber.StatusConflict,
	domain.CodeInvalidTransition:     fiber.StatusConflict,
	domain.CodeOperationInProgress:   fiber.StatusConflict,
	domain.CodeOperationAbandoned:    fiber.StatusConflict,
	domain.CodeAlreadyReversed:       fiber.StatusConflict,
	domain.CodeInsufficientFunds:     fiber.StatusUnprocessableEntity,
	domain.CodeInsufficientLiquidity: fiber.StatusUnprocessableEntity,
	domain.CodeIdempotencyKeyReused:  fiber.StatusUnprocessableEntity,
	domain.CodeKYCRequired:           fiber.StatusForbidden,
	domain.CodeUnbalanced:            fiber.StatusInternalServerError,
	domain.CodeLedgerImmutable:       fiber.StatusInternalServerError,
	domain.CodeInternal:              fiber.StatusInternalServerError,
}

// StatusFor maps a domain error to its HTTP status. A currency mismatch is the caller's fault
// when it names a request field and a ledger invariant violation otherwise.
func StatusFor(err error) int {
	var de *domain.Error
	if !errors.As(err, &de) {
		return fiber.StatusInternalServerError
	}
	if de.Code == domain.CodeCurrencyMismatch {
		if de.Field != "" {
			return fiber.StatusBadRequest
		}
		return fiber.StatusInternalServerError
	}
	if s, ok := statusByCode[de.Code]; ok {
		return s
	}
	return fiber.StatusInternalServerError
}

// Fail writes err in the standard error shape. Internal errors never leak their message.
func Fail(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	var de *domain.Error
	if !errors.As(err, &de) || status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("trace_id", traceID(c)).Str("path", c.Path()).Msg("request failed")
		code := domain.CodeInternal
		if de != nil {
			code = de.Code
		}
		return Coded(c, "Internal server error", status, code, nil)
	}
	var details interface{}
	if de.Field != "" {
		details = map[string]string{"field": de.Field}
	}
	return Coded(c, de.Message, status, de.Code, details)
}
