package operations

import (
	"context"
	"sort"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Compensator undoes the non-ledger side effects of an operation type when it is reversed.
type Compensator interface {
	// ReversalLocks names the extra serialization points the compensation needs.
	ReversalLocks(ctx context.Context, db *gorm.DB, original *domain.Operation) ([]string, error)
	Compensate(ctx context.Context, tx *gorm.DB, original, reversal *domain.Operation) error
}

// RegisterCompensator installs the compensation hook for an operation type.
func (e *Engine) RegisterCompensator(t domain.OperationType, c Compensator) {
	if e.compensators == nil {
		e.compensators = make(map[domain.OperationType]Compensator)
	}
	e.compensators[t] = c
}

func scopeOf(op *domain.Operation) idempotency.Scope {
	return idempotency.Scope{Key: op.IdempotencyKey, Type: op.Type, UserID: op.UserID}
}

// CorrectionResult is the snapshot of a reversal or adjustment.
type CorrectionResult struct {
	OperationID       uuid.UUID            `json:"operation_id"`
	Type              domain.OperationType `json:"type"`
	TargetOperationID uuid.UUID            `json:"target_operation_id"`
	Reason            string               `json:"reason"`
	Entries           []EntryView          `json:"entries"`
}

// EntryView is the public shape of a ledger line inside a snapshot.
type EntryView struct {
	AccountID uuid.UUID        `json:"account_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Currency  string           `json:"currency"`
	EntryType domain.EntryType `json:"entry_type"`
}

func viewEntries(entries []domain.LedgerEntry) []EntryView {
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		out[i] = EntryView{AccountID: e.AccountID, Amount: e.Amount, Currency: e.Currency, EntryType: e.EntryType}
	}
	return out
}

// ReverseInput asks for the exact negation of a completed operation.
type ReverseInput struct {
	OperationID    uuid.UUID
	Actor          audit.Actor
	Reason         string
	IdempotencyKey string
}

// Reverse books a REVERSAL that negates every entry of the target operation. An operation can
// be reversed once; a reversal is itself corrected with an adjustment.
func (e *Engine) Reverse(ctx context.Context, in ReverseInput) (*Result, error) {
	if err := audit.ValidateReason(in.Reason); err != nil {
		return nil, err
	}
	original, err := e.Get(ctx, in.OperationID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.OperationCompleted {
		return nil, domain.NewError(domain.CodeInvalidTransition, "only completed operations can be reversed")
	}
	if !original.Type.IsReversible() {
		return nil, domain.NewError(domain.CodeInvalidTransition, "operations of type "+string(original.Type)+" cannot be reversed")
	}
	entries, err := e.Ledger.EntriesForOperation(e.DB.WithContext(ctx), original.ID)
	if err != nil {
		return nil, err
	}
	keys := []string{locks.OperationKey(original.ID.String())}
	for _, en := range entries {
		keys = append(keys, locks.AccountKey(en.AccountID.String()))
	}
	comp := e.compensators[original.Type]
	if comp != nil {
		extra, err := comp.ReversalLocks(ctx, e.DB.WithContext(ctx), original)
		if err != nil {
			return nil, err
		}
		keys = append(keys, extra...)
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "reversal:" + original.ID.String()
	}
	targetID := original.ID

	return e.Execute(ctx, Request{
		Type:           domain.OperationReversal,
		UserID:         original.UserID,
		IdempotencyKey: key,
		Fingerprint:    map[string]string{"operation_id": targetID.String(), "reason": in.Reason},
		Locks:          keys,
		Reason:         in.Reason,
		ReversalOf:     &targetID,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*Outcome, error) {
			var reversed int64
			if err := tx.Model(&domain.Operation{}).Where("reversal_of_operation_id = ?", targetID).Count(&reversed).Error; err != nil {
				return nil, err
			}
			if reversed > 0 {
				return nil, domain.ErrAlreadyReversed
			}
			negated := make([]domain.LedgerEntry, len(entries))
			for i, en := range entries {
				negated[i] = en.Negate()
			}
			if err := e.ensureNonNegative(tx, negated); err != nil {
				return nil, err
			}
			if comp != nil {
				if err := comp.Compensate(ctx, tx, original, op); err != nil {
					return nil, err
				}
			}
			result := CorrectionResult{
				OperationID:       op.ID,
				Type:              domain.OperationReversal,
				TargetOperationID: targetID,
				Reason:            in.Reason,
				Entries:           viewEntries(negated),
			}
			err := e.Audit.Record(ctx, tx, audit.Entry{
				Actor:      in.Actor,
				Action:     audit.ActionOperationReverse,
				EntityType: "operation",
				EntityID:   targetID.String(),
				Before:     map[string]interface{}{"operation": original, "entries": viewEntries(entries)},
				After:      result,
				Reason:     in.Reason,
			})
			if err != nil {
				return nil, err
			}
			return &Outcome{Entries: negated, Result: result}, nil
		},
	})
}

// AdjustmentLine moves a signed amount on one account. The engine balances the batch against the
// ADJUSTMENT contra account of the same currency.
type AdjustmentLine struct {
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// AdjustInput asks for a corrective adjustment tied to an earlier operation.
type AdjustInput struct {
	OperationID    uuid.UUID
	Actor          audit.Actor
	Reason         string
	IdempotencyKey string
	Lines          []AdjustmentLine
}

// Adjust books an ADJUSTMENT referencing the operation it corrects.
func (e *Engine) Adjust(ctx context.Context, in AdjustInput) (*Result, error) {
	if err := audit.ValidateReason(in.Reason); err != nil {
		return nil, err
	}
	if len(in.Lines) == 0 {
		return nil, domain.Validation("lines", "at least one line is required")
	}
	for _, l := range in.Lines {
		if l.Amount.IsZero() {
			return nil, domain.Validation("lines.amount", "must not be zero")
		}
		if !l.Amount.Equal(l.Amount.Round(domain.AmountScale)) {
			return nil, domain.Validation("lines.amount", "must have at most 4 decimal places")
		}
	}
	target, err := e.Get(ctx, in.OperationID)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.OperationCompleted {
		return nil, domain.NewError(domain.CodeInvalidTransition, "only completed operations can be adjusted")
	}
	keys := []string{locks.OperationKey(target.ID.String())}
	for _, l := range in.Lines {
		keys = append(keys, locks.AccountKey(l.AccountID.String()))
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "adjustment:" + target.ID.String() + ":" + uuid.NewString()
	}
	targetID := target.ID

	return e.Execute(ctx, Request{
		Type:           domain.OperationAdjustment,
		UserID:         target.UserID,
		IdempotencyKey: key,
		Fingerprint:    map[string]interface{}{"operation_id": targetID.String(), "reason": in.Reason, "lines": in.Lines},
		Locks:          keys,
		Reason:         in.Reason,
		Adjusts:        &targetID,
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*Outcome, error) {
			entries := make([]domain.LedgerEntry, 0, len(in.Lines)+1)
			net := decimal.Zero
			currency := ""
			for _, l := range in.Lines {
				acct, err := e.Ledger.LockAccount(tx, l.AccountID)
				if err != nil {
					return nil, err
				}
				if currency == "" {
					currency = acct.Currency
				} else if acct.Currency != currency {
					return nil, &domain.Error{Code: domain.CodeCurrencyMismatch, Message: "adjustment lines must share one currency", Field: "lines"}
				}
				entries = append(entries, domain.Signed(acct, l.Amount))
				net = net.Add(l.Amount)
			}
			if !net.IsZero() {
				contra, err := e.Ledger.EnsureAccount(tx, domain.SystemOwner, domain.AccountAdjustment, "", currency)
				if err != nil {
					return nil, err
				}
				entries = append(entries, domain.Signed(contra, net.Neg()))
			}
			if err := e.ensureNonNegative(tx, entries); err != nil {
				return nil, err
			}
			result := CorrectionResult{
				OperationID:       op.ID,
				Type:              domain.OperationAdjustment,
				TargetOperationID: targetID,
				Reason:            in.Reason,
				Entries:           viewEntries(entries),
			}
			err := e.Audit.Record(ctx, tx, audit.Entry{
				Actor:      in.Actor,
				Action:     audit.ActionOperationAdjust,
				EntityType: "operation",
				EntityID:   targetID.String(),
				Before:     map[string]interface{}{"operation": target},
				After:      result,
				Reason:     in.Reason,
			})
			if err != nil {
				return nil, err
			}
			return &Outcome{Entries: entries, Result: result}, nil
		},
	})
}

// ensureNonNegative rejects a correction that would drive a user-owned account below zero.
func (e *Engine) ensureNonNegative(tx *gorm.DB, entries []domain.LedgerEntry) error {
	delta := make(map[uuid.UUID]decimal.Decimal)
	for _, en := range entries {
		delta[en.AccountID] = delta[en.AccountID].Add(en.Amount)
	}
	ids := make([]uuid.UUID, 0, len(delta))
	for id := range delta {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if !delta[id].IsNegative() {
			continue
		}
		acct, err := e.Ledger.LockAccount(tx, id)
		if err != nil {
			return err
		}
		if acct.IsSystem() {
			continue
		}
		bal, err := e.Ledger.BalanceOf(tx, id)
		if err != nil {
			return err
		}
		if bal.Add(delta[id]).IsNegative() {
			return domain.ErrInsufficientFunds
		}
	}
	return nil
}
