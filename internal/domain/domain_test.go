package domain

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestEntryConstructors(t *testing.T) {
	acct := &Account{ID: uuid.New(), Currency: "EUR"}
	ten := decimal.NewFromInt(10)

	c := Credit(acct, ten.Neg())
	assert.True(t, c.Amount.Equal(ten))
	assert.Equal(t, EntryCredit, c.EntryType)

	db := Debit(acct, ten)
	assert.True(t, db.Amount.Equal(ten.Neg()))
	assert.Equal(t, EntryDebit, db.EntryType)
	assert.Equal(t, "EUR", db.Currency)

	n := db.Negate()
	assert.True(t, n.Amount.Equal(ten))
	assert.Equal(t, EntryCredit, n.EntryType)
	assert.Equal(t, EntryDebit, c.Negate().EntryType)

	assert.Equal(t, EntryDebit, Signed(acct, ten.Neg()).EntryType)
	assert.Equal(t, EntryCredit, Signed(acct, ten).EntryType)
}

func TestStatusMachines(t *testing.T) {
	assert.True(t, OperationPending.CanTransitionTo(OperationCompleted))
	assert.False(t, OperationCompleted.CanTransitionTo(OperationFailed))
	assert.False(t, OperationPending.IsTerminal())
	assert.True(t, OperationCancelled.IsTerminal())

	assert.True(t, OfferDraft.CanTransitionTo(OfferLive))
	assert.False(t, OfferDraft.CanTransitionTo(OfferPaused))
	assert.True(t, OfferPaused.CanTransitionTo(OfferLive))
	assert.False(t, OfferClosed.CanTransitionTo(OfferLive))

	assert.True(t, VaultPaused.CanTransitionTo(VaultActive))
	assert.False(t, VaultClosed.CanTransitionTo(VaultActive))

	assert.True(t, WithdrawalPending.CanTransitionTo(WithdrawalRejected))
	assert.False(t, WithdrawalExecuted.CanTransitionTo(WithdrawalRejected))
}

func TestReversible(t *testing.T) {
	assert.True(t, OperationInvestment.IsReversible())
	assert.True(t, OperationAdjustment.IsReversible())
	assert.False(t, OperationReversal.IsReversible())
	assert.False(t, OperationComplianceRelease.IsReversible())
	assert.False(t, OperationVaultWithdrawal.IsReversible())
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount("amount", decimal.RequireFromString("0.0001")))
	assert.Error(t, ValidateAmount("amount", decimal.Zero))
	assert.Error(t, ValidateAmount("amount", decimal.RequireFromString("-1")))
	err := ValidateAmount("amount", decimal.RequireFromString("1.00001"))
	assert.Equal(t, CodeValidation, CodeOf(err))

	assert.NoError(t, ValidateAmount("amount", MaxAmount))
	err = ValidateAmount("amount", MaxAmount.Add(decimal.RequireFromString("0.0001")))
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Error(t, ValidateAmount("amount", decimal.New(1, 17)))
}

func TestValidateCurrency(t *testing.T) {
	c, err := ValidateCurrency("currency", " eur ")
	assert.NoError(t, err)
	assert.Equal(t, "EUR", c)
	_, err = ValidateCurrency("currency", "EURO")
	assert.Error(t, err)
}

func TestErrors(t *testing.T) {
	wrapped := fmt.Errorf("allocating: %w", NewError(CodeOfferFull, "offer abc is full"))
	assert.True(t, errors.Is(wrapped, ErrOfferFull))
	assert.False(t, errors.Is(wrapped, ErrOfferNotLive))
	assert.Equal(t, CodeOfferFull, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))

	assert.Equal(t, "VALIDATION_ERROR: required (name)", Validation("name", "required").Error())

	assert.True(t, IsInvariantViolation(ErrUnbalanced))
	assert.True(t, IsInvariantViolation(ErrCurrencyMismatch))
	assert.False(t, IsInvariantViolation(&Error{Code: CodeCurrencyMismatch, Message: "x", Field: "currency"}))
	assert.False(t, IsInvariantViolation(ErrInsufficientFunds))
}

func TestIdempotencyRecord_SnapshotColumnKeepsBytes(t *testing.T) {
	s, err := schema.Parse(&IdempotencyRecord{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	f := s.LookUpField("result_snapshot")
	require.NotNil(t, f)
	assert.Equal(t, schema.DataType("json"), f.DataType)
}
