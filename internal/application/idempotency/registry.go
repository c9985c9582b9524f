// Package idempotency maps client keys to the single operation each key produced.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"atlas-ledger/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scope identifies a key: keys are unique per operation type and user.
type Scope struct {
	Key    string
	Type   domain.OperationType
	UserID string
}

// Registry persists idempotency records next to the operations they reference.
type Registry struct {
	DB              *gorm.DB
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{DB: db, PollInterval: 10 * time.Millisecond, MaxPollInterval: 500 * time.Millisecond}
}

// Hash fingerprints a request so a key reused with different parameters can be told apart.
func Hash(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Insert tries to claim the key inside tx. It returns the stored record and whether this call created it.
// A key already claimed with a different request hash fails with IDEMPOTENCY_KEY_REUSED.
func (r *Registry) Insert(tx *gorm.DB, s Scope, operationID uuid.UUID, requestHash string) (*domain.IdempotencyRecord, bool, error) {
	rec := domain.IdempotencyRecord{
		Key:           s.Key,
		OperationType: s.Type,
		UserID:        s.UserID,
		OperationID:   operationID,
		RequestHash:   requestHash,
		Status:        domain.OperationPending,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &rec, true, nil
	}
	existing, err := r.find(tx, s)
	if err != nil {
		return nil, false, err
	}
	if existing.RequestHash != requestHash {
		return existing, false, domain.ErrIdempotencyKeyReused
	}
	return existing, false, nil
}

// Find loads the record for a key; NOT_FOUND when the key was never used.
func (r *Registry) Find(ctx context.Context, s Scope) (*domain.IdempotencyRecord, error) {
	return r.find(r.DB.WithContext(ctx), s)
}

func (r *Registry) find(db *gorm.DB, s Scope) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.Where("idem_key = ? AND operation_type = ? AND user_id = ?", s.Key, s.Type, s.UserID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("idempotency record")
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Resolve records the terminal outcome inside the same tx that commits the operation.
func (r *Registry) Resolve(tx *gorm.DB, rec *domain.IdempotencyRecord, status domain.OperationStatus, snapshot []byte, errorCode string) error {
	updates := map[string]interface{}{
		"status":          status,
		"result_snapshot": datatypes.JSON(snapshot),
	}
	if errorCode != "" {
		updates["error_code"] = errorCode
	}
	res := tx.Model(&domain.IdempotencyRecord{}).
		Where("idem_key = ? AND operation_type = ? AND user_id = ? AND status = ?", rec.Key, rec.OperationType, rec.UserID, domain.OperationPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return domain.NewError(domain.CodeInvalidTransition, "idempotency record already resolved")
	}
	rec.Status = status
	rec.ResultSnapshot = snapshot
	if errorCode != "" {
		rec.ErrorCode = &errorCode
	}
	return nil
}

// Await polls a PENDING record with exponential backoff and full jitter until it turns terminal or
// ctx ends, in which case OPERATION_IN_PROGRESS is returned.
func (r *Registry) Await(ctx context.Context, s Scope) (*domain.IdempotencyRecord, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	maxInterval := r.MaxPollInterval
	if maxInterval < interval {
		maxInterval = interval
	}
	for {
		rec, err := r.find(r.DB.WithContext(ctx), s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrOperationInProgress
			}
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		wait := time.Duration(rand.Int63n(int64(interval))) + time.Millisecond
		select {
		case <-ctx.Done():
			return rec, domain.ErrOperationInProgress
		case <-time.After(wait):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
