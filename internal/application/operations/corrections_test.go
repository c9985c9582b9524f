package operations

import (
	"context"
	"testing"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var admin = audit.Actor{ID: "admin-1", Role: "admin", TraceID: "t-1"}

func (f *fixture) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&domain.AuditLog{}).Where("action = ?", action).Count(&n).Error)
	return n
}

func TestReverse_NegatesOperationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep, err := f.engine.Execute(ctx, f.depositRequest(t, "u1", "dep-1", "400"))
	require.NoError(t, err)

	rev, err := f.engine.Reverse(ctx, ReverseInput{
		OperationID: dep.Operation.ID, Actor: admin, Reason: "duplicate bank credit", IdempotencyKey: "rev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationReversal, rev.Operation.Type)
	require.NotNil(t, rev.Operation.ReversalOfOperationID)
	assert.Equal(t, dep.Operation.ID, *rev.Operation.ReversalOfOperationID)
	assert.True(t, f.available(t, "u1").IsZero())

	var result CorrectionResult
	require.NoError(t, rev.Decode(&result))
	require.Len(t, result.Entries, 2)
	sum := decimal.Zero
	for _, e := range result.Entries {
		sum = sum.Add(e.Amount)
	}
	assert.True(t, sum.IsZero())

	replay, err := f.engine.Reverse(ctx, ReverseInput{
		OperationID: dep.Operation.ID, Actor: admin, Reason: "duplicate bank credit", IdempotencyKey: "rev-1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	_, err = f.engine.Reverse(ctx, ReverseInput{
		OperationID: dep.Operation.ID, Actor: admin, Reason: "second attempt at reversal", IdempotencyKey: "rev-2",
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)

	_, err = f.engine.Reverse(ctx, ReverseInput{OperationID: rev.Operation.ID, Actor: admin, Reason: "reverse the reversal"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.EqualValues(t, 1, f.auditCount(t, audit.ActionOperationReverse))
}

func TestReverse_ReasonRequired(t *testing.T) {
	f := newFixture(t)
	dep, err := f.engine.Execute(context.Background(), f.depositRequest(t, "u1", "dep-1", "1"))
	require.NoError(t, err)

	_, err = f.engine.Reverse(context.Background(), ReverseInput{OperationID: dep.Operation.ID, Actor: admin, Reason: "oops"})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
	assert.Zero(t, f.auditCount(t, audit.ActionOperationReverse))
}

func TestReverse_RefusesToOverdrawUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep, err := f.engine.Execute(ctx, f.depositRequest(t, "u1", "dep-1", "100"))
	require.NoError(t, err)

	avail, err := f.store.FindAccount(f.db, "u1", domain.AccountAvailable, "", "EUR")
	require.NoError(t, err)
	blocked, err := f.store.EnsureAccount(f.db, "u1", domain.AccountBlocked, "offer-x", "EUR")
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.store.AppendBalanced(tx, uuid.New(), []domain.LedgerEntry{domain.Debit(avail, d("60")), domain.Credit(blocked, d("60"))})
	}))

	_, err = f.engine.Reverse(ctx, ReverseInput{OperationID: dep.Operation.ID, Actor: admin, Reason: "bank recalled the transfer"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestAdjust_BalancesAgainstContraAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep, err := f.engine.Execute(ctx, f.depositRequest(t, "u1", "dep-1", "100"))
	require.NoError(t, err)
	avail, err := f.store.FindAccount(f.db, "u1", domain.AccountAvailable, "", "EUR")
	require.NoError(t, err)

	res, err := f.engine.Adjust(ctx, AdjustInput{
		OperationID: dep.Operation.ID, Actor: admin, Reason: "fee refund owed to client", IdempotencyKey: "adj-1",
		Lines: []AdjustmentLine{{AccountID: avail.ID, Amount: d("5")}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Operation.AdjustsOperationID)
	assert.Equal(t, dep.Operation.ID, *res.Operation.AdjustsOperationID)
	assert.True(t, f.available(t, "u1").Equal(d("105")))

	contra, err := f.store.FindAccount(f.db, domain.SystemOwner, domain.AccountAdjustment, "", "EUR")
	require.NoError(t, err)
	bal, err := f.store.BalanceOf(f.db, contra.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("-5")))
	assert.EqualValues(t, 1, f.auditCount(t, audit.ActionOperationAdjust))
}

func TestAdjust_Validation(t *testing.T) {
	f := newFixture(t)
	dep, err := f.engine.Execute(context.Background(), f.depositRequest(t, "u1", "dep-1", "100"))
	require.NoError(t, err)

	_, err = f.engine.Adjust(context.Background(), AdjustInput{OperationID: dep.Operation.ID, Actor: admin, Reason: "short"})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)

	_, err = f.engine.Adjust(context.Background(), AdjustInput{OperationID: dep.Operation.ID, Actor: admin, Reason: "long enough reason here"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
