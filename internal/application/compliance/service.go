// Package compliance resolves deposits held for review: release to the user's available balance
// or reject back to settlement.
package compliance

import (
	"context"
	"errors"
	"strings"
	"time"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service struct {
	DB     *gorm.DB
	Engine *operations.Engine
	Ledger *ledger.Store
	Audit  *audit.Log
}

func NewService(db *gorm.DB, engine *operations.Engine, store *ledger.Store, auditLog *audit.Log) *Service {
	return &Service{DB: db, Engine: engine, Ledger: store, Audit: auditLog}
}

// Hold is the part of a deposit still sitting in the user's LOCKED account.
type Hold struct {
	DepositOperationID uuid.UUID       `json:"deposit_operation_id"`
	UserID             string          `json:"user_id"`
	Currency           string          `json:"currency"`
	Deposited          decimal.Decimal `json:"deposited"`
	Remaining          decimal.Decimal `json:"remaining"`
	CreatedAt          time.Time       `json:"created_at"`
}

// remaining sums LOCKED-account entries written by the deposit and by every completed operation
// that resolves, reverses or adjusts it.
func (s *Service) remaining(db *gorm.DB, depositID uuid.UUID) (decimal.Decimal, error) {
	related := db.Model(&domain.Operation{}).Select("id").
		Where("status = ?", domain.OperationCompleted).
		Where("subject_operation_id = ? OR reversal_of_operation_id = ? OR adjusts_operation_id = ?", depositID, depositID, depositID)
	var sum decimal.Decimal
	err := db.Table("ledger_entries AS e").
		Select("COALESCE(SUM(e.amount), 0)").
		Joins("JOIN accounts AS a ON a.id = e.account_id").
		Where("a.kind = ?", domain.AccountLocked).
		Where("e.operation_id = ? OR e.operation_id IN (?)", depositID, related).
		Row().Scan(&sum)
	return sum, err
}

func (s *Service) hold(db *gorm.DB, depositID uuid.UUID) (*Hold, *domain.Account, error) {
	var op domain.Operation
	err := db.First(&op, "id = ?", depositID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, domain.NotFound("deposit")
	}
	if err != nil {
		return nil, nil, err
	}
	if op.Type != domain.OperationDeposit || op.Status != domain.OperationCompleted {
		return nil, nil, domain.NotFound("held deposit")
	}
	entries, err := s.Ledger.EntriesForOperation(db, depositID)
	if err != nil {
		return nil, nil, err
	}
	var locked *domain.Account
	deposited := decimal.Zero
	for _, e := range entries {
		if !e.Amount.IsPositive() {
			continue
		}
		var acct domain.Account
		if err := db.First(&acct, "id = ?", e.AccountID).Error; err != nil {
			return nil, nil, err
		}
		if acct.Kind == domain.AccountLocked {
			locked = &acct
			deposited = deposited.Add(e.Amount)
		}
	}
	if locked == nil {
		return nil, nil, domain.NotFound("held deposit")
	}
	rem, err := s.remaining(db, depositID)
	if err != nil {
		return nil, nil, err
	}
	return &Hold{
		DepositOperationID: depositID,
		UserID:             op.UserID,
		Currency:           locked.Currency,
		Deposited:          deposited,
		Remaining:          rem,
		CreatedAt:          op.CreatedAt,
	}, locked, nil
}

// Held reports what is left of a held deposit.
func (s *Service) Held(ctx context.Context, depositID uuid.UUID) (*Hold, error) {
	h, _, err := s.hold(s.DB.WithContext(ctx), depositID)
	return h, err
}

// Pending lists held deposits with a positive remainder, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]Hold, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := s.DB.WithContext(ctx)
	var ids []string
	err := db.Table("ledger_entries AS e").
		Select("e.operation_id").
		Joins("JOIN accounts AS a ON a.id = e.account_id").
		Joins("JOIN operations AS o ON o.id = e.operation_id").
		Where("a.kind = ? AND o.type = ? AND e.amount > 0", domain.AccountLocked, domain.OperationDeposit).
		Group("e.operation_id").
		Order("MIN(e.sequence) ASC").
		Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]Hold, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		h, _, err := s.hold(db, id)
		if err != nil {
			return nil, err
		}
		if h.Remaining.IsPositive() {
			out = append(out, *h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ResolveResult is the snapshot of a release or reject.
type ResolveResult struct {
	OperationID        uuid.UUID            `json:"operation_id"`
	Type               domain.OperationType `json:"type"`
	DepositOperationID uuid.UUID            `json:"deposit_operation_id"`
	Amount             decimal.Decimal      `json:"amount"`
	Currency           string               `json:"currency"`
	Remaining          decimal.Decimal      `json:"remaining"`
	Reason             string               `json:"reason"`
}

type ReleaseInput struct {
	DepositOperationID uuid.UUID
	Amount             decimal.Decimal
	Actor              audit.Actor
	Reason             string
	IdempotencyKey     string
}

// Release moves amount of a held deposit from LOCKED to AVAILABLE. Partial releases are allowed
// until the remainder is exhausted.
func (s *Service) Release(ctx context.Context, in ReleaseInput) (*ResolveResult, *operations.Result, error) {
	if err := audit.ValidateReason(in.Reason); err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return nil, nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "compliance-release:" + in.DepositOperationID.String() + ":" + uuid.NewString()
	}
	return s.resolve(ctx, domain.OperationComplianceRelease, in.DepositOperationID, in.Amount, in.Actor, in.Reason, key)
}

type RejectInput struct {
	DepositOperationID uuid.UUID
	Actor              audit.Actor
	Reason             string
	IdempotencyKey     string
}

// Reject returns the whole remainder of a held deposit to SETTLEMENT.
func (s *Service) Reject(ctx context.Context, in RejectInput) (*ResolveResult, *operations.Result, error) {
	if err := audit.ValidateReason(in.Reason); err != nil {
		return nil, nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "compliance-reject:" + in.DepositOperationID.String()
	}
	return s.resolve(ctx, domain.OperationComplianceReject, in.DepositOperationID, decimal.Zero, in.Actor, in.Reason, key)
}

// resolve books a release (amount > 0) or a reject (amount zero means everything left).
func (s *Service) resolve(ctx context.Context, t domain.OperationType, depositID uuid.UUID, amount decimal.Decimal, actor audit.Actor, reason, key string) (*ResolveResult, *operations.Result, error) {
	db := s.DB.WithContext(ctx)
	h, locked, err := s.hold(db, depositID)
	if err != nil {
		return nil, nil, err
	}
	reason = strings.TrimSpace(reason)
	action := audit.ActionComplianceRelease
	if t == domain.OperationComplianceReject {
		action = audit.ActionComplianceReject
	}
	subject := depositID

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           t,
		UserID:         h.UserID,
		IdempotencyKey: key,
		Fingerprint:    map[string]string{"deposit_operation_id": depositID.String(), "amount": amount.String(), "reason": reason},
		Locks:          []string{locks.AccountKey(locked.ID.String()), locks.OperationKey(depositID.String())},
		Reason:         reason,
		Subject:        &subject,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			if _, err := s.Ledger.LockAccount(tx, locked.ID); err != nil {
				return nil, err
			}
			rem, err := s.remaining(tx, depositID)
			if err != nil {
				return nil, err
			}
			if !rem.IsPositive() {
				return nil, domain.NewError(domain.CodeInvalidTransition, "deposit has no held remainder")
			}
			move := amount
			if t == domain.OperationComplianceReject {
				move = rem
			} else if move.GreaterThan(rem) {
				return nil, domain.NewError(domain.CodeInsufficientFunds, "release exceeds held remainder of "+rem.String())
			}
			var to *domain.Account
			if t == domain.OperationComplianceRelease {
				to, err = s.Ledger.EnsureAccount(tx, h.UserID, domain.AccountAvailable, "", locked.Currency)
			} else {
				to, err = s.Ledger.EnsureAccount(tx, domain.SystemOwner, domain.AccountSettlement, "", locked.Currency)
			}
			if err != nil {
				return nil, err
			}
			result := ResolveResult{
				OperationID:        op.ID,
				Type:               t,
				DepositOperationID: depositID,
				Amount:             move,
				Currency:           locked.Currency,
				Remaining:          rem.Sub(move),
				Reason:             reason,
			}
			err = s.Audit.Record(ctx, tx, audit.Entry{
				Actor:      actor,
				Action:     action,
				EntityType: "operation",
				EntityID:   depositID.String(),
				Before:     map[string]interface{}{"held": rem},
				After:      result,
				Reason:     reason,
			})
			if err != nil {
				return nil, err
			}
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{domain.Debit(locked, move), domain.Credit(to, move)},
				Result:  result,
			}, nil
		},
	})
	if err != nil {
		return nil, res, err
	}
	var out ResolveResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}
