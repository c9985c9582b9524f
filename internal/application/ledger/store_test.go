package ledger

import (
	"context"
	"testing"
	"time"

	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/pkg/testsupport"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testsupport.NewDB(t)
	return NewStore(db, nil), db
}

func mustAccount(t *testing.T, s *Store, owner string, kind domain.AccountKind, scope, currency string) *domain.Account {
	t.Helper()
	a, err := s.EnsureAccount(s.DB, owner, kind, scope, currency)
	require.NoError(t, err)
	return a
}

func fund(t *testing.T, s *Store, acct *domain.Account, amount string) {
	t.Helper()
	settlement := mustAccount(t, s, domain.SystemOwner, domain.AccountSettlement, "", acct.Currency)
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		return s.AppendBalanced(tx, uuid.New(), []domain.LedgerEntry{
			domain.Debit(settlement, d(amount)),
			domain.Credit(acct, d(amount)),
		})
	})
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	a := &domain.Account{ID: uuid.New(), Currency: "EUR"}
	b := &domain.Account{ID: uuid.New(), Currency: "EUR"}
	usd := &domain.Account{ID: uuid.New(), Currency: "USD"}

	tests := []struct {
		name    string
		entries []domain.LedgerEntry
		code    string
	}{
		{"balanced", []domain.LedgerEntry{domain.Debit(a, d("10")), domain.Credit(b, d("10"))}, ""},
		{"empty", nil, domain.CodeUnbalanced},
		{"unbalanced", []domain.LedgerEntry{domain.Debit(a, d("10")), domain.Credit(b, d("9.99"))}, domain.CodeUnbalanced},
		{"mixed currency", []domain.LedgerEntry{domain.Debit(a, d("10")), domain.Credit(usd, d("10"))}, domain.CodeCurrencyMismatch},
		{"zero credit", []domain.LedgerEntry{{AccountID: a.ID, Amount: decimal.Zero, Currency: "EUR", EntryType: domain.EntryCredit}}, domain.CodeUnbalanced},
		{"sign disagrees with type", []domain.LedgerEntry{
			{AccountID: a.ID, Amount: d("5"), Currency: "EUR", EntryType: domain.EntryDebit},
			{AccountID: b.ID, Amount: d("-5"), Currency: "EUR", EntryType: domain.EntryCredit},
		}, domain.CodeUnbalanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.entries)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
}

func TestAppendBalanced_WritesAllOrNothing(t *testing.T) {
	s, db := setup(t)
	a := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	b := mustAccount(t, s, "u1", domain.AccountLocked, "", "EUR")

	err := db.Transaction(func(tx *gorm.DB) error {
		return s.AppendBalanced(tx, uuid.New(), []domain.LedgerEntry{domain.Debit(a, d("3")), domain.Credit(b, d("2"))})
	})
	require.ErrorIs(t, err, domain.ErrUnbalanced)

	var count int64
	require.NoError(t, db.Model(&domain.LedgerEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAppendBalanced_RejectsAccountCurrencyMismatch(t *testing.T) {
	s, db := setup(t)
	eur := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	usd := mustAccount(t, s, "u1", domain.AccountAvailable, "", "USD")

	forged := domain.Credit(usd, d("1"))
	forged.Currency = "EUR"
	err := db.Transaction(func(tx *gorm.DB) error {
		return s.AppendBalanced(tx, uuid.New(), []domain.LedgerEntry{domain.Debit(eur, d("1")), forged})
	})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestBalanceOf_SumsEntriesAndGlobalSumIsZero(t *testing.T) {
	s, db := setup(t)
	a := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	fund(t, s, a, "700")
	fund(t, s, a, "0.25")

	bal, err := s.BalanceOf(db, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("700.25")), bal.String())

	var total decimal.Decimal
	require.NoError(t, db.Model(&domain.LedgerEntry{}).Select("COALESCE(SUM(amount), 0)").Row().Scan(&total))
	assert.True(t, total.IsZero())
}

func TestLedgerEntries_AreImmutable(t *testing.T) {
	s, db := setup(t)
	a := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	fund(t, s, a, "10")

	var e domain.LedgerEntry
	require.NoError(t, db.Where("account_id = ?", a.ID).First(&e).Error)

	err := db.Model(&e).Update("amount", d("1000")).Error
	assert.ErrorIs(t, err, domain.ErrLedgerImmutable)

	e.Amount = d("1000")
	assert.ErrorIs(t, db.Save(&e).Error, domain.ErrLedgerImmutable)
	assert.ErrorIs(t, db.Delete(&e).Error, domain.ErrLedgerImmutable)

	bal, err := s.BalanceOf(db, a.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("10")))
}

func TestEnsureAccount_IsIdempotent(t *testing.T) {
	s, _ := setup(t)
	first := mustAccount(t, s, "u1", domain.AccountBlocked, "offer-1", "EUR")
	second := mustAccount(t, s, "u1", domain.AccountBlocked, "offer-1", "EUR")
	assert.Equal(t, first.ID, second.ID)

	other := mustAccount(t, s, "u1", domain.AccountBlocked, "offer-2", "EUR")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestFindAccount_NotFound(t *testing.T) {
	s, db := setup(t)
	_, err := s.FindAccount(db, "nobody", domain.AccountAvailable, "", "EUR")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntriesForAccount_CommitOrder(t *testing.T) {
	s, _ := setup(t)
	a := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	fund(t, s, a, "1")
	fund(t, s, a, "2")
	fund(t, s, a, "3")

	entries, err := s.EntriesForAccount(context.Background(), a.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Sequence < entries[1].Sequence && entries[1].Sequence < entries[2].Sequence)
	assert.True(t, entries[2].Amount.Equal(d("3")))

	tail, err := s.EntriesForAccount(context.Background(), a.ID, entries[1].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}

func TestGeneralBalances_Buckets(t *testing.T) {
	s, db := setup(t)
	avail := mustAccount(t, s, "u1", domain.AccountAvailable, "", "EUR")
	blocked := mustAccount(t, s, "u1", domain.AccountBlocked, "offer-1", "EUR")
	locked := mustAccount(t, s, "u1", domain.AccountLocked, "", "EUR")
	fund(t, s, avail, "1000")
	fund(t, s, locked, "50")
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return s.AppendBalanced(tx, uuid.New(), []domain.LedgerEntry{domain.Debit(avail, d("700")), domain.Credit(blocked, d("700"))})
	}))

	b, err := s.GeneralBalances(context.Background(), "u1", "EUR")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("300")))
	assert.True(t, b.Blocked.Equal(d("700")))
	assert.True(t, b.Locked.Equal(d("50")))
	assert.True(t, b.Total.Equal(d("1050")))
}

func TestVaultBalances_TimeLockedHoldingIsReportedLocked(t *testing.T) {
	s, db := setup(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }
	vault := &domain.Vault{Code: "alpha", Currency: "EUR", Status: domain.VaultActive}
	holding := mustAccount(t, s, "u1", domain.AccountVault, "alpha", "EUR")
	fund(t, s, holding, "200")

	b, err := s.VaultBalances(context.Background(), "u1", vault)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("200")))
	assert.True(t, b.Locked.IsZero())

	until := now.Add(24 * time.Hour)
	require.NoError(t, db.Model(&domain.Account{}).Where("id = ?", holding.ID).Update("locked_until", until).Error)

	b, err = s.VaultBalances(context.Background(), "u1", vault)
	require.NoError(t, err)
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Locked.Equal(d("200")))
	assert.True(t, b.Total.Equal(d("200")))
}
