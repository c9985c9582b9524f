package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccountKind string

const (
	AccountSettlement     AccountKind = "SETTLEMENT"
	AccountAvailable      AccountKind = "AVAILABLE"
	AccountBlocked        AccountKind = "BLOCKED"
	AccountLocked         AccountKind = "LOCKED"
	AccountVault          AccountKind = "VAULT"
	AccountVaultPending   AccountKind = "VAULT_PENDING"
	AccountVaultBuffer    AccountKind = "VAULT_BUFFER"
	AccountVaultAUM       AccountKind = "VAULT_AUM"
	AccountVaultLiability AccountKind = "VAULT_LIABILITY"
	AccountAdjustment     AccountKind = "ADJUSTMENT"
)

// SystemOwner owns the platform-side accounts (settlement, vault buffers, contra accounts).
const SystemOwner = "system"

// Account is a ledger bucket. It never stores a balance; balances are sums over its entries.
type Account struct {
	ID          uuid.UUID   `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OwnerID     string      `gorm:"column:owner_id;type:varchar(64);not null;uniqueIndex:idx_accounts_identity,priority:1" json:"owner_id"`
	Kind        AccountKind `gorm:"column:kind;type:varchar(32);not null;uniqueIndex:idx_accounts_identity,priority:2" json:"kind"`
	Scope       string      `gorm:"column:scope;type:varchar(64);not null;default:'';uniqueIndex:idx_accounts_identity,priority:3" json:"scope"`
	Currency    string      `gorm:"column:currency;type:varchar(3);not null;uniqueIndex:idx_accounts_identity,priority:4" json:"currency"`
	LockedUntil *time.Time  `gorm:"column:locked_until" json:"locked_until,omitempty"`
	CreatedAt   time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// IsSystem reports whether the account belongs to the platform rather than a user.
func (a *Account) IsSystem() bool {
	return a.OwnerID == SystemOwner
}

// IsTimeLocked reports whether the account's lock period extends past now.
func (a *Account) IsTimeLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}
