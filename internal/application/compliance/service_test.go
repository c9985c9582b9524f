package compliance

import (
	"context"
	"testing"
	"time"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/deposits"
	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"
	"atlas-ledger/internal/pkg/testsupport"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var officer = audit.Actor{ID: "co-1", Role: "compliance_officer", TraceID: "trace-1"}

type fixture struct {
	svc      *Service
	deposits *deposits.Service
	engine   *operations.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testsupport.NewDB(t)
	store := ledger.NewStore(db, nil)
	auditLog := audit.NewLog(db)
	engine := operations.NewEngine(db, store, idempotency.NewRegistry(db), locks.NewKeyedMutex(), auditLog)
	engine.WaitTimeout = 2 * time.Second
	return &fixture{
		svc:      NewService(db, engine, store, auditLog),
		deposits: deposits.NewService(db, engine, store, d("1000")),
		engine:   engine,
	}
}

func (f *fixture) heldDeposit(t *testing.T, user, amount, key string) uuid.UUID {
	t.Helper()
	out, _, err := f.deposits.Deposit(context.Background(), deposits.DepositInput{UserID: user, Amount: d(amount), Currency: "EUR", IdempotencyKey: key})
	require.NoError(t, err)
	require.Equal(t, deposits.StatusHeld, out.Status)
	return out.OperationID
}

func (f *fixture) balances(t *testing.T, user string) *ledger.Balances {
	t.Helper()
	b, err := f.svc.Ledger.GeneralBalances(context.Background(), user, "EUR")
	require.NoError(t, err)
	return b
}

func TestRelease_PartialThenRest(t *testing.T) {
	f := newFixture(t)
	dep := f.heldDeposit(t, "u1", "5000", "dep-1")

	out, res, err := f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("2000"), Actor: officer, Reason: "source of funds verified"})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationComplianceRelease, res.Operation.Type)
	require.NotNil(t, res.Operation.SubjectOperationID)
	assert.Equal(t, dep, *res.Operation.SubjectOperationID)
	assert.True(t, out.Remaining.Equal(d("3000")))

	b := f.balances(t, "u1")
	assert.True(t, b.Available.Equal(d("2000")))
	assert.True(t, b.Locked.Equal(d("3000")))

	_, _, err = f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("3500"), Actor: officer, Reason: "source of funds verified"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, _, err = f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("3000"), Actor: officer, Reason: "remaining documents received"})
	require.NoError(t, err)

	hold, err := f.svc.Held(context.Background(), dep)
	require.NoError(t, err)
	assert.True(t, hold.Remaining.IsZero())
	assert.True(t, hold.Deposited.Equal(d("5000")))
	assert.True(t, f.balances(t, "u1").Available.Equal(d("5000")))
}

func TestReject_ReturnsRemainderToSettlement(t *testing.T) {
	f := newFixture(t)
	dep := f.heldDeposit(t, "u1", "5000", "dep-1")
	_, _, err := f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("1000"), Actor: officer, Reason: "partial clearance approved"})
	require.NoError(t, err)

	out, _, err := f.svc.Reject(context.Background(), RejectInput{DepositOperationID: dep, Actor: officer, Reason: "sanctions screening match"})
	require.NoError(t, err)
	assert.True(t, out.Amount.Equal(d("4000")))
	assert.True(t, out.Remaining.IsZero())

	b := f.balances(t, "u1")
	assert.True(t, b.Available.Equal(d("1000")))
	assert.True(t, b.Locked.IsZero())

	// Rejecting again replays the stored outcome under the default key.
	again, res, err := f.svc.Reject(context.Background(), RejectInput{DepositOperationID: dep, Actor: officer, Reason: "sanctions screening match"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, out.OperationID, again.OperationID)

	_, _, err = f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("1"), Actor: officer, Reason: "late release attempt"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestResolve_RequiresReasonAndAudits(t *testing.T) {
	f := newFixture(t)
	dep := f.heldDeposit(t, "u1", "5000", "dep-1")

	_, _, err := f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("10"), Actor: officer, Reason: "ok"})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)
	_, _, err = f.svc.Reject(context.Background(), RejectInput{DepositOperationID: dep, Actor: officer})
	assert.ErrorIs(t, err, domain.ErrReasonRequired)

	_, _, err = f.svc.Release(context.Background(), ReleaseInput{DepositOperationID: dep, Amount: d("10"), Actor: officer, Reason: "source of funds verified"})
	require.NoError(t, err)

	logs, total, err := f.svc.Audit.List(context.Background(), audit.Filter{EntityID: dep.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ActionComplianceRelease, logs[0].Action)
	assert.Equal(t, "co-1", logs[0].ActorID)
	assert.Equal(t, "source of funds verified", logs[0].Reason)
}

func TestHeld_UnknownOrUnheldDeposit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Held(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	out, _, err := f.deposits.Deposit(context.Background(), deposits.DepositInput{UserID: "u1", Amount: d("50"), Currency: "EUR", IdempotencyKey: "small"})
	require.NoError(t, err)
	_, err = f.svc.Held(context.Background(), out.OperationID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPending_ListsOpenHolds(t *testing.T) {
	f := newFixture(t)
	first := f.heldDeposit(t, "u1", "5000", "dep-1")
	second := f.heldDeposit(t, "u2", "2500", "dep-2")
	_, _, err := f.svc.Reject(context.Background(), RejectInput{DepositOperationID: first, Actor: officer, Reason: "documents not provided"})
	require.NoError(t, err)

	holds, err := f.svc.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, second, holds[0].DepositOperationID)
	assert.True(t, holds[0].Remaining.Equal(d("2500")))
}

func TestReversedHeldDepositHasNoRemainder(t *testing.T) {
	f := newFixture(t)
	dep := f.heldDeposit(t, "u1", "5000", "dep-1")

	_, err := f.engine.Reverse(context.Background(), operations.ReverseInput{OperationID: dep, Actor: officer, Reason: "duplicate bank transfer"})
	require.NoError(t, err)

	hold, err := f.svc.Held(context.Background(), dep)
	require.NoError(t, err)
	assert.True(t, hold.Remaining.IsZero())
}
