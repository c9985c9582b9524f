// Package ledger is the only writer of ledger entries. Balances are always derived from entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atlas-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store appends balanced batches and derives balances.
type Store struct {
	DB    *gorm.DB
	Cache BalanceCache
	Now   func() time.Time
}

func NewStore(db *gorm.DB, cache BalanceCache) *Store {
	return &Store{DB: db, Cache: cache, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Validate checks a batch before it reaches the database: non-empty, one currency, every amount
// non-zero with a sign matching its entry type, and a signed sum of exactly zero.
func Validate(entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return domain.NewError(domain.CodeUnbalanced, "empty ledger batch")
	}
	currency := entries[0].Currency
	sum := decimal.Zero
	for _, e := range entries {
		if e.Currency != currency {
			return domain.NewError(domain.CodeCurrencyMismatch, fmt.Sprintf("batch mixes %s and %s", currency, e.Currency))
		}
		switch e.EntryType {
		case domain.EntryCredit:
			if !e.Amount.IsPositive() {
				return domain.NewError(domain.CodeUnbalanced, "credit entry must be positive")
			}
		case domain.EntryDebit:
			if !e.Amount.IsNegative() {
				return domain.NewError(domain.CodeUnbalanced, "debit entry must be negative")
			}
		default:
			return domain.NewError(domain.CodeUnbalanced, "unknown entry type "+string(e.EntryType))
		}
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		return domain.NewError(domain.CodeUnbalanced, "batch sums to "+sum.String())
	}
	return nil
}

// AppendBalanced writes all entries of one operation inside tx, or nothing.
func (s *Store) AppendBalanced(tx *gorm.DB, operationID uuid.UUID, entries []domain.LedgerEntry) error {
	if err := Validate(entries); err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.AccountID)
	}
	var accounts []domain.Account
	if err := tx.Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return err
	}
	byID := make(map[uuid.UUID]domain.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	now := s.now()
	batch := make([]domain.LedgerEntry, len(entries))
	for i, e := range entries {
		acct, ok := byID[e.AccountID]
		if !ok {
			return domain.NewError(domain.CodeUnbalanced, "entry references unknown account "+e.AccountID.String())
		}
		if acct.Currency != e.Currency {
			return domain.NewError(domain.CodeCurrencyMismatch, fmt.Sprintf("account %s holds %s, entry is %s", acct.ID, acct.Currency, e.Currency))
		}
		batch[i] = domain.LedgerEntry{
			AccountID:   e.AccountID,
			Amount:      e.Amount,
			Currency:    e.Currency,
			EntryType:   e.EntryType,
			OperationID: operationID,
			CreatedAt:   now,
		}
	}
	return tx.Create(&batch).Error
}

// BalanceOf sums every entry of the account. It is recomputed on every call.
func (s *Store) BalanceOf(tx *gorm.DB, accountID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ?", accountID).
		Row().Scan(&sum)
	return sum, err
}

// EnsureAccount returns the account with the given identity, creating it on first need.
func (s *Store) EnsureAccount(tx *gorm.DB, owner string, kind domain.AccountKind, scope, currency string) (*domain.Account, error) {
	acct := domain.Account{OwnerID: owner, Kind: kind, Scope: scope, Currency: currency}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error
	if err != nil {
		return nil, err
	}
	return s.FindAccount(tx, owner, kind, scope, currency)
}

// FindAccount looks up an account by identity; NOT_FOUND when it was never created.
func (s *Store) FindAccount(tx *gorm.DB, owner string, kind domain.AccountKind, scope, currency string) (*domain.Account, error) {
	var acct domain.Account
	err := tx.Where("owner_id = ? AND kind = ? AND scope = ? AND currency = ?", owner, kind, scope, currency).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("account")
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// LockAccount takes a row lock on the account for the rest of tx.
func (s *Store) LockAccount(tx *gorm.DB, accountID uuid.UUID) (*domain.Account, error) {
	var acct domain.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acct, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("account")
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// EntriesForOperation returns the entries an operation wrote, in commit order.
func (s *Store) EntriesForOperation(tx *gorm.DB, operationID uuid.UUID) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := tx.Where("operation_id = ?", operationID).Order("sequence ASC").Find(&entries).Error
	return entries, err
}

// EntriesForAccount lists entries of one account in commit order, newest last.
func (s *Store) EntriesForAccount(ctx context.Context, accountID uuid.UUID, afterSequence int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []domain.LedgerEntry
	err := s.DB.WithContext(ctx).
		Where("account_id = ? AND sequence > ?", accountID, afterSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Invalidate drops cached balances after a commit touched the accounts and bumps their
// generation so in-flight read repairs computed before the commit are discarded.
func (s *Store) Invalidate(ctx context.Context, entries []domain.LedgerEntry) {
	if s.Cache == nil {
		return
	}
	seen := make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		if err := s.Cache.Invalidate(ctx, e.AccountID); err != nil {
			log.Warn().Err(err).Str("account_id", e.AccountID.String()).Msg("balance cache invalidation failed")
		}
	}
}

// CachedBalanceOf serves a read-only balance from cache, repairing a miss from the entries.
// Never use it for a write decision.
func (s *Store) CachedBalanceOf(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var gen int64
	cacheOK := s.Cache != nil
	if cacheOK {
		if v, ok, err := s.Cache.Get(ctx, accountID); err == nil && ok {
			return v, nil
		} else if err != nil {
			log.Warn().Err(err).Str("account_id", accountID.String()).Msg("balance cache read failed")
		}
		g, err := s.Cache.Generation(ctx, accountID)
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID.String()).Msg("balance cache generation read failed")
			cacheOK = false
		}
		gen = g
	}
	bal, err := s.BalanceOf(s.DB.WithContext(ctx), accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if cacheOK {
		if _, err := s.Cache.SetIfUnchanged(ctx, accountID, bal, gen); err != nil {
			log.Warn().Err(err).Str("account_id", accountID.String()).Msg("balance cache write failed")
		}
	}
	return bal, nil
}

// Verify recomputes the balance and compares it with the cached value. Drift is reported and
// repaired only when no commit touched the account while it was being checked.
func (s *Store) Verify(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error) {
	var gen int64
	if s.Cache != nil {
		g, err := s.Cache.Generation(ctx, accountID)
		if err != nil {
			return decimal.Zero, false, err
		}
		gen = g
	}
	bal, err := s.BalanceOf(s.DB.WithContext(ctx), accountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if s.Cache == nil {
		return bal, false, nil
	}
	cached, ok, err := s.Cache.Get(ctx, accountID)
	if err != nil {
		return bal, false, err
	}
	if !ok || cached.Equal(bal) {
		return bal, false, nil
	}
	repaired, err := s.Cache.SetIfUnchanged(ctx, accountID, bal, gen)
	if err != nil {
		return bal, false, err
	}
	if !repaired {
		// a commit landed mid-check; the cached value belongs to the newer generation
		return bal, false, nil
	}
	log.Error().
		Str("account_id", accountID.String()).
		Str("cached", cached.String()).
		Str("derived", bal.String()).
		Msg("balance cache drift")
	return bal, true, nil
}
