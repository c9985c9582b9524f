package ledger

import (
	"context"

	"atlas-ledger/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Balances is the bucketed view of one user's account group in one currency.
type Balances struct {
	Account   string          `json:"account"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Blocked   decimal.Decimal `json:"blocked"`
	Locked    decimal.Decimal `json:"locked"`
}

// GeneralAccount names the user's non-vault account group.
const GeneralAccount = "general"

// GeneralBalances derives available (AVAILABLE), blocked (every offer BLOCKED account) and
// locked (compliance LOCKED). Total is its own sum over the three kinds.
func (s *Store) GeneralBalances(ctx context.Context, ownerID, currency string) (*Balances, error) {
	db := s.DB.WithContext(ctx)
	available, err := s.sumKinds(db, ownerID, currency, nil, domain.AccountAvailable)
	if err != nil {
		return nil, err
	}
	blocked, err := s.sumKinds(db, ownerID, currency, nil, domain.AccountBlocked)
	if err != nil {
		return nil, err
	}
	locked, err := s.sumKinds(db, ownerID, currency, nil, domain.AccountLocked)
	if err != nil {
		return nil, err
	}
	total, err := s.sumKinds(db, ownerID, currency, nil, domain.AccountAvailable, domain.AccountBlocked, domain.AccountLocked)
	if err != nil {
		return nil, err
	}
	return &Balances{Account: GeneralAccount, Currency: currency, Total: total, Available: available, Blocked: blocked, Locked: locked}, nil
}

// VaultBalances derives the holder's view of one vault: the VAULT holding is available unless the
// holder account is time-locked, in which case it is reported as locked; funds reserved by a pending
// withdrawal are blocked.
func (s *Store) VaultBalances(ctx context.Context, ownerID string, vault *domain.Vault) (*Balances, error) {
	db := s.DB.WithContext(ctx)
	scope := &vault.Code
	holding, err := s.sumKinds(db, ownerID, vault.Currency, scope, domain.AccountVault)
	if err != nil {
		return nil, err
	}
	pending, err := s.sumKinds(db, ownerID, vault.Currency, scope, domain.AccountVaultPending)
	if err != nil {
		return nil, err
	}
	total, err := s.sumKinds(db, ownerID, vault.Currency, scope, domain.AccountVault, domain.AccountVaultPending)
	if err != nil {
		return nil, err
	}
	out := &Balances{Account: vault.Code, Currency: vault.Currency, Total: total, Available: holding, Blocked: pending, Locked: decimal.Zero}

	acct, err := s.FindAccount(db, ownerID, domain.AccountVault, vault.Code, vault.Currency)
	if err == nil && (acct.IsTimeLocked(s.now()) || vault.Status != domain.VaultActive) {
		out.Locked = holding
		out.Available = decimal.Zero
	}
	return out, nil
}

func (s *Store) sumKinds(db *gorm.DB, ownerID, currency string, scope *string, kinds ...domain.AccountKind) (decimal.Decimal, error) {
	q := db.Table("ledger_entries AS e").
		Select("COALESCE(SUM(e.amount), 0)").
		Joins("JOIN accounts AS a ON a.id = e.account_id").
		Where("a.owner_id = ? AND a.currency = ? AND a.kind IN ?", ownerID, currency, kinds)
	if scope != nil {
		q = q.Where("a.scope = ?", *scope)
	}
	var sum decimal.Decimal
	err := q.Row().Scan(&sum)
	return sum, err
}
