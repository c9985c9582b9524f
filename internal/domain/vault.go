package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type VaultStatus string

const (
	VaultActive VaultStatus = "ACTIVE"
	VaultPaused VaultStatus = "PAUSED"
	VaultClosed VaultStatus = "CLOSED"
)

var vaultTransitions = map[VaultStatus][]VaultStatus{
	VaultActive: {VaultPaused, VaultClosed},
	VaultPaused: {VaultActive, VaultClosed},
}

func (s VaultStatus) CanTransitionTo(next VaultStatus) bool {
	return slices.Contains(vaultTransitions[s], next)
}

// Vault is a pooled product. Users hold VAULT accounts scoped by the vault code.
type Vault struct {
	Code           string      `gorm:"column:code;type:varchar(64);primaryKey" json:"code"`
	Name           string      `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Currency       string      `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status         VaultStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	LockPeriodDays int         `gorm:"column:lock_period_days;not null;default:0" json:"lock_period_days"`
	CreatedAt      time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (Vault) TableName() string {
	return "vaults"
}

// LockPeriod is the time a deposit keeps the holder account locked.
func (v *Vault) LockPeriod() time.Duration {
	return time.Duration(v.LockPeriodDays) * 24 * time.Hour
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalExecuted WithdrawalStatus = "EXECUTED"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
)

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending: {WithdrawalExecuted, WithdrawalRejected},
}

func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	return slices.Contains(withdrawalTransitions[s], next)
}

// WithdrawalRequest tracks a vault withdrawal from request to settlement.
type WithdrawalRequest struct {
	ID                    uuid.UUID        `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	VaultAccountID        uuid.UUID        `gorm:"column:vault_account_id;type:uuid;not null;index" json:"vault_account_id"`
	VaultCode             string           `gorm:"column:vault_code;type:varchar(64);not null;index" json:"vault_code"`
	UserID                string           `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Amount                decimal.Decimal  `gorm:"column:amount;type:numeric(20,4);not null" json:"amount"`
	Currency              string           `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status                WithdrawalStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	Reason                *string          `gorm:"column:reason;type:text" json:"reason,omitempty"`
	RequestOperationID    uuid.UUID        `gorm:"column:request_operation_id;type:uuid;not null;uniqueIndex" json:"request_operation_id"`
	SettlementOperationID *uuid.UUID       `gorm:"column:settlement_operation_id;type:uuid" json:"settlement_operation_id,omitempty"`
	CreatedAt             time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"column:updated_at" json:"updated_at"`
	ExecutedAt            *time.Time       `gorm:"column:executed_at" json:"executed_at,omitempty"`
}

func (WithdrawalRequest) TableName() string {
	return "withdrawal_requests"
}

func (w *WithdrawalRequest) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
