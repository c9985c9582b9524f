package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OperationType string

const (
	OperationDeposit                OperationType = "DEPOSIT"
	OperationInvestment             OperationType = "INVESTMENT"
	OperationVaultDeposit           OperationType = "VAULT_DEPOSIT"
	OperationVaultWithdrawal        OperationType = "VAULT_WITHDRAWAL"
	OperationVaultWithdrawalHold    OperationType = "VAULT_WITHDRAWAL_HOLD"
	OperationVaultWithdrawalRelease OperationType = "VAULT_WITHDRAWAL_RELEASE"
	OperationVaultRebalance         OperationType = "VAULT_REBALANCE"
	OperationComplianceRelease      OperationType = "COMPLIANCE_RELEASE"
	OperationComplianceReject       OperationType = "COMPLIANCE_REJECT"
	OperationReversal               OperationType = "REVERSAL"
	OperationAdjustment             OperationType = "ADJUSTMENT"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationCompleted OperationStatus = "COMPLETED"
	OperationFailed    OperationStatus = "FAILED"
	OperationCancelled OperationStatus = "CANCELLED"
)

var operationTransitions = map[OperationStatus][]OperationStatus{
	OperationPending: {OperationCompleted, OperationFailed, OperationCancelled},
}

// CanTransitionTo reports whether the status machine allows s -> next.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	return slices.Contains(operationTransitions[s], next)
}

// IsTerminal is true for every status other than PENDING.
func (s OperationStatus) IsTerminal() bool {
	return s != OperationPending
}

// Operation is the business-level unit of work that groups the ledger entries it produced.
type Operation struct {
	ID                    uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Type                  OperationType   `gorm:"column:type;type:varchar(40);not null;index" json:"type"`
	Status                OperationStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	IdempotencyKey        string          `gorm:"column:idempotency_key;type:varchar(255);not null" json:"idempotency_key"`
	UserID                string          `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ReversalOfOperationID *uuid.UUID      `gorm:"column:reversal_of_operation_id;type:uuid;uniqueIndex" json:"reversal_of_operation_id,omitempty"`
	AdjustsOperationID    *uuid.UUID      `gorm:"column:adjusts_operation_id;type:uuid;index" json:"adjusts_operation_id,omitempty"`
	SubjectOperationID    *uuid.UUID      `gorm:"column:subject_operation_id;type:uuid;index" json:"subject_operation_id,omitempty"`
	Reason                *string         `gorm:"column:reason;type:text" json:"reason,omitempty"`
	ErrorCode             *string         `gorm:"column:error_code;type:varchar(40)" json:"error_code,omitempty"`
	AwaitingExternal      bool            `gorm:"column:awaiting_external;not null;default:false" json:"awaiting_external"`
	CreatedAt             time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at" json:"updated_at"`
	CompletedAt           *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Operation) TableName() string {
	return "operations"
}

func (o *Operation) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Reversible lists the operation types whose effects can be undone by a REVERSAL.
var Reversible = []OperationType{
	OperationDeposit,
	OperationInvestment,
	OperationVaultDeposit,
	OperationAdjustment,
}

// IsReversible reports whether t may be the target of a REVERSAL.
func (t OperationType) IsReversible() bool {
	return slices.Contains(Reversible, t)
}

// OperationEvent is handed to notification sinks after an operation commits.
type OperationEvent struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Type        OperationType   `json:"type"`
	Status      OperationStatus `json:"status"`
	UserID      string          `json:"user_id"`
	Email       string          `json:"-"`
	Result      []byte          `json:"-"`
	CompletedAt time.Time       `json:"completed_at"`
}
