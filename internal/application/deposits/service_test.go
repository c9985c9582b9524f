package deposits

import (
	"context"
	"testing"
	"time"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"
	"atlas-ledger/internal/pkg/testsupport"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T, threshold string) *Service {
	t.Helper()
	db := testsupport.NewDB(t)
	store := ledger.NewStore(db, nil)
	engine := operations.NewEngine(db, store, idempotency.NewRegistry(db), locks.NewKeyedMutex(), audit.NewLog(db))
	engine.WaitTimeout = 2 * time.Second
	return NewService(db, engine, store, d(threshold))
}

func balances(t *testing.T, s *Service, user string) *ledger.Balances {
	t.Helper()
	b, err := s.Ledger.GeneralBalances(context.Background(), user, "EUR")
	require.NoError(t, err)
	return b
}

func deposit(user, amount, key string) DepositInput {
	return DepositInput{UserID: user, Amount: decimal.RequireFromString(amount), Currency: "eur", IdempotencyKey: key}
}

func TestDeposit_SameKeyBooksOnce(t *testing.T) {
	s := newService(t, "0")

	first, res1, err := s.Deposit(context.Background(), deposit("u1", "500", "dep-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, first.Status)
	assert.Equal(t, "EUR", first.Currency)

	second, res2, err := s.Deposit(context.Background(), deposit("u1", "500", "dep-1"))
	require.NoError(t, err)
	assert.True(t, res2.Replayed)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, string(res1.Snapshot), string(res2.Snapshot))

	var credits int64
	require.NoError(t, s.DB.Model(&domain.LedgerEntry{}).Where("entry_type = ?", domain.EntryCredit).Count(&credits).Error)
	assert.EqualValues(t, 1, credits)
	assert.True(t, balances(t, s, "u1").Available.Equal(d("500")))

	_, _, err = s.Deposit(context.Background(), deposit("u1", "600", "dep-1"))
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
}

func TestDeposit_AboveThresholdIsHeld(t *testing.T) {
	s := newService(t, "10000")

	out, _, err := s.Deposit(context.Background(), deposit("u1", "25000", "dep-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, out.Status)

	b := balances(t, s, "u1")
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Locked.Equal(d("25000")))

	out, _, err = s.Deposit(context.Background(), deposit("u1", "10000", "dep-2"))
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, out.Status)
}

func TestDeposit_Validation(t *testing.T) {
	s := newService(t, "0")

	_, _, err := s.Deposit(context.Background(), deposit("u1", "-5", "dep-1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = s.Deposit(context.Background(), DepositInput{UserID: "u1", Amount: d("5"), Currency: "euro", IdempotencyKey: "dep-2"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = s.Deposit(context.Background(), deposit("u1", "5", ""))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExternalDeposit_BeginThenComplete(t *testing.T) {
	s := newService(t, "0")
	in := deposit("u1", "120", "pi_123")

	res, err := s.BeginExternal(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationPending, res.Operation.Status)
	assert.True(t, res.Operation.AwaitingExternal)
	assert.True(t, balances(t, s, "u1").Available.IsZero())

	// A duplicate processing notification does not create a second operation.
	again, err := s.BeginExternal(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, res.Operation.ID, again.Operation.ID)

	out, done, err := s.CompleteExternal(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, res.Operation.ID, done.Operation.ID)
	assert.Equal(t, res.Operation.ID, out.OperationID)
	assert.True(t, balances(t, s, "u1").Available.Equal(d("120")))

	_, replay, err := s.CompleteExternal(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.True(t, balances(t, s, "u1").Available.Equal(d("120")))
}

func TestExternalDeposit_CompleteWithoutBegin(t *testing.T) {
	s := newService(t, "0")

	out, _, err := s.CompleteExternal(context.Background(), deposit("u1", "75", "pi_456"))
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, out.Status)
	assert.True(t, balances(t, s, "u1").Available.Equal(d("75")))
}

func TestExternalDeposit_Fail(t *testing.T) {
	s := newService(t, "0")
	in := deposit("u1", "120", "pi_789")

	_, err := s.BeginExternal(context.Background(), in)
	require.NoError(t, err)

	res, err := s.FailExternal(context.Background(), "u1", "pi_789", "card_declined")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationFailed, res.Operation.Status)

	// A late success notification replays the failure instead of crediting.
	_, _, err = s.CompleteExternal(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrOperationAbandoned)
	assert.True(t, balances(t, s, "u1").Available.IsZero())
}

func TestExternalDeposit_Cancel(t *testing.T) {
	s := newService(t, "0")
	in := deposit("u1", "80", "pi_cancel")

	_, err := s.BeginExternal(context.Background(), in)
	require.NoError(t, err)

	res, err := s.CancelExternal(context.Background(), "u1", "pi_cancel", "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationCancelled, res.Operation.Status)
	require.NotNil(t, res.Operation.ErrorCode)
	assert.Equal(t, domain.CodeOperationAbandoned, *res.Operation.ErrorCode)
	assert.Contains(t, string(res.Snapshot), "payment canceled: requested_by_customer")

	again, err := s.CancelExternal(context.Background(), "u1", "pi_cancel", "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Operation.ID, again.Operation.ID)

	_, _, err = s.CompleteExternal(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrOperationAbandoned)
	assert.True(t, balances(t, s, "u1").Available.IsZero())
}

type fakeIntents struct {
	cents    int64
	currency string
	meta     map[string]string
}

func (f *fakeIntents) Create(_ context.Context, cents int64, currency string, meta map[string]string) (*Intent, error) {
	f.cents, f.currency, f.meta = cents, currency, meta
	return &Intent{ID: "pi_test", ClientSecret: "secret"}, nil
}

func TestCreateIntent(t *testing.T) {
	s := newService(t, "0")
	_, err := s.CreateIntent(context.Background(), "u1", "a@example.com", d("10"), "EUR")
	assert.ErrorIs(t, err, domain.ErrInternal)

	fi := &fakeIntents{}
	s.Intents = fi
	intent, err := s.CreateIntent(context.Background(), "u1", "a@example.com", d("12.34"), "eur")
	require.NoError(t, err)
	assert.Equal(t, "pi_test", intent.ID)
	assert.EqualValues(t, 1234, fi.cents)
	assert.Equal(t, "eur", fi.currency)
	assert.Equal(t, "12.34", fi.meta[MetaAmount])
	assert.Equal(t, "EUR", fi.meta[MetaCurrency])
	assert.Equal(t, "u1", fi.meta[MetaUserID])

	_, err = s.CreateIntent(context.Background(), "u1", "", d("1.005"), "EUR")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateIntent_RejectsOversizedAmounts(t *testing.T) {
	s := newService(t, "0")
	fi := &fakeIntents{}
	s.Intents = fi

	for _, amount := range []string{"100000000000000000", "1000000", "999999.999"} {
		_, err := s.CreateIntent(context.Background(), "u1", "", d(amount), "EUR")
		assert.ErrorIs(t, err, domain.ErrValidation, amount)
	}
	assert.Zero(t, fi.cents, "nothing reached the processor")

	_, err := s.CreateIntent(context.Background(), "u1", "", d("999999.99"), "EUR")
	require.NoError(t, err)
	assert.EqualValues(t, 99999999, fi.cents)
}

func TestDeposit_RejectsAmountAboveMaximum(t *testing.T) {
	s := newService(t, "0")
	_, _, err := s.Deposit(context.Background(), deposit("u1", "1000000000000000.0001", "k-max"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
