package domain

import (
	"errors"
	"fmt"
)

// Error codes shared by every ledger-facing component.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeReasonRequired        = "REASON_REQUIRED"
	CodeNotFound              = "NOT_FOUND"
	CodeOfferFull             = "OFFER_FULL"
	CodeOfferNotLive          = "OFFER_NOT_LIVE"
	CodeVaultLocked           = "VAULT_LOCKED"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeOperationInProgress   = "OPERATION_IN_PROGRESS"
	CodeOperationAbandoned    = "OPERATION_ABANDONED"
	CodeAlreadyReversed       = "ALREADY_REVERSED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeKYCRequired           = "KYC_REQUIRED"
	CodeCurrencyMismatch      = "CURRENCY_MISMATCH"
	CodeUnbalanced            = "UNBALANCED"
	CodeLedgerImmutable       = "LEDGER_IMMUTABLE"
	CodeInternal              = "INTERNAL"
)

// Error is a coded failure. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    string
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Validation builds a VALIDATION_ERROR pointing at a request field.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// NotFound builds a NOT_FOUND error for an entity.
func NotFound(entity string) *Error {
	return &Error{Code: CodeNotFound, Message: entity + " not found"}
}

var (
	ErrValidation            = NewError(CodeValidation, "invalid request")
	ErrReasonRequired        = NewError(CodeReasonRequired, "a reason of at least 10 characters is required")
	ErrNotFound              = NewError(CodeNotFound, "not found")
	ErrOfferFull             = NewError(CodeOfferFull, "offer has no remaining capacity")
	ErrOfferNotLive          = NewError(CodeOfferNotLive, "offer is not accepting investments")
	ErrVaultLocked           = NewError(CodeVaultLocked, "vault is locked")
	ErrInvalidTransition     = NewError(CodeInvalidTransition, "invalid status transition")
	ErrOperationInProgress   = NewError(CodeOperationInProgress, "operation with this idempotency key is still in progress")
	ErrOperationAbandoned    = NewError(CodeOperationAbandoned, "operation was abandoned before completion")
	ErrAlreadyReversed       = NewError(CodeAlreadyReversed, "operation has already been reversed")
	ErrInsufficientFunds     = NewError(CodeInsufficientFunds, "insufficient funds")
	ErrInsufficientLiquidity = NewError(CodeInsufficientLiquidity, "vault buffer cannot cover the withdrawal")
	ErrIdempotencyKeyReused  = NewError(CodeIdempotencyKeyReused, "idempotency key was used with a different request")
	ErrKYCRequired           = NewError(CodeKYCRequired, "identity verification is required")
	ErrCurrencyMismatch      = NewError(CodeCurrencyMismatch, "currency mismatch")
	ErrUnbalanced            = NewError(CodeUnbalanced, "ledger entries do not sum to zero")
	ErrLedgerImmutable       = NewError(CodeLedgerImmutable, "ledger entries are write-once")
	ErrInternal              = NewError(CodeInternal, "internal error")
)

// CodeOf extracts the code of a domain error, or INTERNAL for anything else.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsInvariantViolation reports errors that mean the ledger refused a batch that should never have been built.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrUnbalanced) || errors.Is(err, ErrLedgerImmutable) ||
		(errors.Is(err, ErrCurrencyMismatch) && !isRequestError(err))
}

func isRequestError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Field != ""
}
