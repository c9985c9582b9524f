package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is a write-once signed movement on one account. CREDIT amounts are positive, DEBIT negative.
// Sequence is assigned by the store at insert time and orders entries by commit.
type LedgerEntry struct {
	Sequence    int64           `gorm:"column:sequence;primaryKey;autoIncrement" json:"sequence"`
	AccountID   uuid.UUID       `gorm:"column:account_id;type:uuid;not null;index" json:"account_id"`
	Amount      decimal.Decimal `gorm:"column:amount;type:numeric(20,4);not null" json:"amount"`
	Currency    string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	EntryType   EntryType       `gorm:"column:entry_type;type:varchar(10);not null" json:"entry_type"`
	OperationID uuid.UUID       `gorm:"column:operation_id;type:uuid;not null;index" json:"operation_id"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

// Credit builds a positive entry on the account.
func Credit(account *Account, amount decimal.Decimal) LedgerEntry {
	return LedgerEntry{AccountID: account.ID, Amount: amount.Abs(), Currency: account.Currency, EntryType: EntryCredit}
}

// Debit builds a negative entry on the account.
func Debit(account *Account, amount decimal.Decimal) LedgerEntry {
	return LedgerEntry{AccountID: account.ID, Amount: amount.Abs().Neg(), Currency: account.Currency, EntryType: EntryDebit}
}

// Negate returns the entry that exactly cancels e.
func (e LedgerEntry) Negate() LedgerEntry {
	out := LedgerEntry{AccountID: e.AccountID, Amount: e.Amount.Neg(), Currency: e.Currency, EntryType: EntryCredit}
	if e.EntryType == EntryCredit {
		out.EntryType = EntryDebit
	}
	return out
}

// Signed builds a CREDIT or DEBIT entry according to the sign of amount.
func Signed(account *Account, amount decimal.Decimal) LedgerEntry {
	if amount.IsNegative() {
		return Debit(account, amount)
	}
	return Credit(account, amount)
}
