package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// IdempotencyRecord binds a client key to the one operation it produced. ResultSnapshot is a
// plain json column so Postgres returns the stored bytes unchanged; jsonb would normalize them.
type IdempotencyRecord struct {
	Key            string          `gorm:"column:idem_key;type:varchar(255);primaryKey" json:"key"`
	OperationType  OperationType   `gorm:"column:operation_type;type:varchar(40);primaryKey" json:"operation_type"`
	UserID         string          `gorm:"column:user_id;type:varchar(64);primaryKey" json:"user_id"`
	OperationID    uuid.UUID       `gorm:"column:operation_id;type:uuid;not null;uniqueIndex" json:"operation_id"`
	RequestHash    string          `gorm:"column:request_hash;type:varchar(64);not null" json:"request_hash"`
	Status         OperationStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	ResultSnapshot datatypes.JSON  `gorm:"column:result_snapshot;type:json" json:"result_snapshot,omitempty"`
	ErrorCode      *string         `gorm:"column:error_code;type:varchar(40)" json:"error_code,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
