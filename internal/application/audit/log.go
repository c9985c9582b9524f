// Package audit records privileged actions in the same transaction as the action itself.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"atlas-ledger/internal/domain"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions recorded by the service.
const (
	ActionOperationReverse  = "operation.reverse"
	ActionOperationAdjust   = "operation.adjust"
	ActionComplianceRelease = "compliance.release"
	ActionComplianceReject  = "compliance.reject"
	ActionOfferCreate       = "offer.create"
	ActionOfferStatus       = "offer.status_change"
	ActionVaultCreate       = "vault.create"
	ActionVaultStatus       = "vault.status_change"
	ActionWithdrawalExecute = "withdrawal.execute"
	ActionWithdrawalReject  = "withdrawal.reject"
	ActionVaultRebalance    = "vault.rebalance"
)

// MinReasonLength is the minimum number of non-space characters a sensitive action's reason needs.
const MinReasonLength = 10

var sensitive = map[string]bool{
	ActionOperationReverse:  true,
	ActionOperationAdjust:   true,
	ActionComplianceRelease: true,
	ActionComplianceReject:  true,
	ActionOfferStatus:       true,
	ActionVaultStatus:       true,
	ActionWithdrawalReject:  true,
}

// Actor is who performed a privileged action.
type Actor struct {
	ID      string
	Role    string
	TraceID string
}

// Entry describes one privileged action.
type Entry struct {
	Actor      Actor
	Action     string
	EntityType string
	EntityID   string
	Before     interface{}
	After      interface{}
	Reason     string
}

// RequiresReason reports whether action is sensitive.
func RequiresReason(action string) bool {
	return sensitive[action]
}

// ValidateReason enforces the minimum reason length.
func ValidateReason(reason string) error {
	n := 0
	for _, r := range reason {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	if n < MinReasonLength {
		return domain.ErrReasonRequired
	}
	return nil
}

// Log writes audit records.
type Log struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewLog(db *gorm.DB) *Log {
	return &Log{DB: db, Now: time.Now}
}

// Record writes e inside tx. A failure here must roll back the privileged action.
func (l *Log) Record(ctx context.Context, tx *gorm.DB, e Entry) error {
	if RequiresReason(e.Action) {
		if err := ValidateReason(e.Reason); err != nil {
			return err
		}
	}
	before, err := marshal(e.Before)
	if err != nil {
		return err
	}
	after, err := marshal(e.After)
	if err != nil {
		return err
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	rec := domain.AuditLog{
		ActorID:    e.Actor.ID,
		ActorRole:  e.Actor.Role,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Before:     before,
		After:      after,
		Reason:     strings.TrimSpace(e.Reason),
		TraceID:    e.Actor.TraceID,
		CreatedAt:  now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	log.Info().
		Str("audit_id", rec.ID.String()).
		Str("actor_id", rec.ActorID).
		Str("actor_role", rec.ActorRole).
		Str("action", rec.Action).
		Str("entity", rec.EntityType+":"+rec.EntityID).
		Str("trace_id", rec.TraceID).
		Msg("audit")
	return nil
}

func marshal(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// Filter narrows List.
type Filter struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Since      *time.Time
	Limit      int
	Offset     int
}

// List returns audit records newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]domain.AuditLog, int64, error) {
	q := l.DB.WithContext(ctx).Model(&domain.AuditLog{})
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", *f.Since)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.AuditLog
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, total, err
}
