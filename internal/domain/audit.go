package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog is an append-only record of a privileged action.
type AuditLog struct {
	ID         uuid.UUID      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ActorID    string         `gorm:"column:actor_id;type:varchar(64);not null;index" json:"actor_id"`
	ActorRole  string         `gorm:"column:actor_role;type:varchar(32);not null" json:"actor_role"`
	Action     string         `gorm:"column:action;type:varchar(64);not null;index" json:"action"`
	EntityType string         `gorm:"column:entity_type;type:varchar(64);not null" json:"entity_type"`
	EntityID   string         `gorm:"column:entity_id;type:varchar(64);not null;index" json:"entity_id"`
	Before     datatypes.JSON `gorm:"column:before" json:"before,omitempty"`
	After      datatypes.JSON `gorm:"column:after" json:"after,omitempty"`
	Reason     string         `gorm:"column:reason;type:text" json:"reason,omitempty"`
	TraceID    string         `gorm:"column:trace_id;type:varchar(64)" json:"trace_id,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (AuditLog) BeforeUpdate(tx *gorm.DB) error {
	return NewError(CodeLedgerImmutable, "audit records are append-only")
}

func (AuditLog) BeforeDelete(tx *gorm.DB) error {
	return NewError(CodeLedgerImmutable, "audit records are append-only")
}
