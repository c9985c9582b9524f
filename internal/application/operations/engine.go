// Package operations turns business actions into atomic, idempotent operations over the ledger.
package operations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Action computes the ledger effect of an operation. It runs inside the commit transaction after
// the request's locks are held and must use tx for every read and write.
type Action func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*Outcome, error)

// Outcome is what an Action hands back to the engine.
type Outcome struct {
	Entries []domain.LedgerEntry
	// Result is serialized into the idempotency snapshot and returned on every replay.
	Result interface{}
	// Type reclassifies the operation when the action decides its final form.
	Type domain.OperationType
}

// Request describes one operation.
type Request struct {
	Type           domain.OperationType
	UserID         string
	IdempotencyKey string
	// Fingerprint holds the parameters that must match when the key is reused.
	Fingerprint interface{}
	Locks       []string
	Email       string
	Reason      string
	ReversalOf  *uuid.UUID
	Adjusts     *uuid.UUID
	Subject     *uuid.UUID
	Action      Action
}

func (r Request) scope() idempotency.Scope {
	return idempotency.Scope{Key: r.IdempotencyKey, Type: r.Type, UserID: r.UserID}
}

func (r Request) validate() error {
	switch {
	case r.Type == "":
		return domain.Validation("type", "operation type is required")
	case strings.TrimSpace(r.IdempotencyKey) == "":
		return domain.Validation("idempotency_key", "idempotency key is required")
	case len(r.IdempotencyKey) > 255:
		return domain.Validation("idempotency_key", "idempotency key is too long")
	case r.UserID == "":
		return domain.Validation("user_id", "user is required")
	case r.Action == nil:
		return domain.Validation("action", "operation has no action")
	}
	return nil
}

// Result is the outcome of Execute. Snapshot is byte-identical across replays: it is stored in a
// json (not jsonb) column and returned as read.
type Result struct {
	Operation *domain.Operation
	Snapshot  json.RawMessage
	Replayed  bool
}

// Decode unmarshals the snapshot.
func (r *Result) Decode(v interface{}) error {
	return json.Unmarshal(r.Snapshot, v)
}

// Notifier receives completed operations. It must not block.
type Notifier interface {
	OperationCompleted(ev domain.OperationEvent)
}

// Engine runs operations.
type Engine struct {
	DB          *gorm.DB
	Ledger      *ledger.Store
	Registry    *idempotency.Registry
	Locker      locks.Locker
	Audit       *audit.Log
	Notifier    Notifier
	WaitTimeout time.Duration
	Now         func() time.Time

	compensators map[domain.OperationType]Compensator
}

func NewEngine(db *gorm.DB, store *ledger.Store, registry *idempotency.Registry, locker locks.Locker, auditLog *audit.Log) *Engine {
	return &Engine{
		DB:           db,
		Ledger:       store,
		Registry:     registry,
		Locker:       locker,
		Audit:        auditLog,
		WaitTimeout:  10 * time.Second,
		Now:          time.Now,
		compensators: make(map[domain.OperationType]Compensator),
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

var errLostRace = errors.New("operation left PENDING before commit")

type failureSnapshot struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute runs req exactly once per idempotency key. A repeated key returns the stored outcome
// without side effects; a key still in flight is awaited until it resolves or ctx expires.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	hash, err := idempotency.Hash(req.Fingerprint)
	if err != nil {
		return nil, err
	}
	op, rec, created, err := e.reserve(ctx, req, hash, false)
	if err != nil {
		return nil, err
	}
	if !created {
		if !rec.Status.IsTerminal() {
			if rec, err = e.await(ctx, req.scope()); err != nil {
				return nil, err
			}
		}
		return e.replay(ctx, rec)
	}
	return e.run(ctx, req, op, rec)
}

// reserve claims the key and creates the PENDING operation in one transaction.
func (e *Engine) reserve(ctx context.Context, req Request, hash string, external bool) (*domain.Operation, *domain.IdempotencyRecord, bool, error) {
	now := e.now()
	op := &domain.Operation{
		ID:                 uuid.New(),
		Type:               req.Type,
		Status:             domain.OperationPending,
		IdempotencyKey:     req.IdempotencyKey,
		UserID:             req.UserID,
		AdjustsOperationID: req.Adjusts,
		SubjectOperationID: req.Subject,
		AwaitingExternal:   external,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Reason != "" {
		reason := strings.TrimSpace(req.Reason)
		op.Reason = &reason
	}
	var rec *domain.IdempotencyRecord
	var created bool
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, created, err = e.Registry.Insert(tx, req.scope(), op.ID, hash)
		if err != nil || !created {
			return err
		}
		return tx.Create(op).Error
	})
	if err != nil {
		return nil, nil, false, err
	}
	return op, rec, created, nil
}

func (e *Engine) await(ctx context.Context, s idempotency.Scope) (*domain.IdempotencyRecord, error) {
	wait := e.WaitTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return e.Registry.Await(wctx, s)
}

// run executes the action under the request's locks and commits entries, status and snapshot together.
func (e *Engine) run(ctx context.Context, req Request, op *domain.Operation, rec *domain.IdempotencyRecord) (*Result, error) {
	release, err := e.Locker.Acquire(ctx, req.Locks...)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Str("operation_id", op.ID.String()).Msg("lock wait ended, operation left pending")
			return nil, domain.ErrOperationInProgress
		}
		return e.failAndReplay(ctx, op, rec, err)
	}
	defer release()

	var outcome *Outcome
	var snapshot []byte
	var completedAt time.Time
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = req.Action(ctx, tx, op)
		if err != nil {
			return err
		}
		if outcome == nil {
			outcome = &Outcome{}
		}
		if len(outcome.Entries) > 0 {
			if err := e.Ledger.AppendBalanced(tx, op.ID, outcome.Entries); err != nil {
				return err
			}
		}
		if snapshot, err = json.Marshal(outcome.Result); err != nil {
			return err
		}
		completedAt = e.now()
		updates := map[string]interface{}{
			"status":       domain.OperationCompleted,
			"completed_at": completedAt,
			"updated_at":   completedAt,
		}
		if outcome.Type != "" {
			updates["type"] = outcome.Type
		}
		// The reversal link occupies a unique slot, so only a completed reversal writes it.
		if req.ReversalOf != nil {
			updates["reversal_of_operation_id"] = *req.ReversalOf
		}
		res := tx.Model(&domain.Operation{}).
			Where("id = ? AND status = ?", op.ID, domain.OperationPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errLostRace
		}
		return e.Registry.Resolve(tx, rec, domain.OperationCompleted, snapshot, "")
	})
	if err != nil {
		return e.handleFailure(ctx, req, op, rec, outcome, err)
	}

	op.Status = domain.OperationCompleted
	op.CompletedAt = &completedAt
	op.UpdatedAt = completedAt
	op.ReversalOfOperationID = req.ReversalOf
	if outcome.Type != "" {
		op.Type = outcome.Type
	}
	e.Ledger.Invalidate(ctx, outcome.Entries)
	e.notify(req, op, snapshot)
	return &Result{Operation: op, Snapshot: snapshot}, nil
}

func (e *Engine) handleFailure(ctx context.Context, req Request, op *domain.Operation, rec *domain.IdempotencyRecord, outcome *Outcome, err error) (*Result, error) {
	if errors.Is(err, errLostRace) {
		done, werr := e.await(ctx, req.scope())
		if werr != nil {
			return nil, werr
		}
		return e.replay(ctx, done)
	}
	if ctx.Err() != nil {
		// Commit outcome unknown; the sweeper or a retry with the same key resolves it.
		log.Warn().Err(err).Str("operation_id", op.ID.String()).Str("type", string(op.Type)).Msg("operation interrupted, left pending")
		return nil, domain.ErrOperationInProgress
	}
	if domain.IsInvariantViolation(err) {
		ev := log.Error().Err(err).Str("operation_id", op.ID.String()).Str("type", string(op.Type)).Str("user_id", op.UserID)
		if outcome != nil {
			ev = ev.Interface("entries", outcome.Entries)
		}
		ev.Msg("ledger invariant violation")
	}
	return e.failAndReplay(ctx, op, rec, err)
}

// failAndReplay marks the operation FAILED. If it already reached a terminal state (a commit that
// reported an error but succeeded, or the sweeper), the stored outcome is returned instead.
func (e *Engine) failAndReplay(ctx context.Context, op *domain.Operation, rec *domain.IdempotencyRecord, cause error) (*Result, error) {
	transitioned, err := e.finish(ctx, op, rec, domain.OperationFailed, cause)
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Str("operation_id", op.ID.String()).Msg("failed to record operation failure")
		return nil, cause
	}
	if !transitioned {
		stored, ferr := e.Registry.Find(ctx, idempotency.Scope{Key: rec.Key, Type: rec.OperationType, UserID: rec.UserID})
		if ferr == nil && stored.Status.IsTerminal() {
			return e.replay(ctx, stored)
		}
	}
	return nil, cause
}

// finish moves a PENDING operation to FAILED or CANCELLED and resolves its key with the error.
func (e *Engine) finish(ctx context.Context, op *domain.Operation, rec *domain.IdempotencyRecord, status domain.OperationStatus, cause error) (bool, error) {
	code := domain.CodeOf(cause)
	var fs failureSnapshot
	fs.Error.Code = code
	fs.Error.Message = publicMessage(cause)
	snapshot, err := json.Marshal(fs)
	if err != nil {
		return false, err
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	transitioned := false
	now := e.now()
	err = e.DB.WithContext(fctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Operation{}).
			Where("id = ? AND status = ?", op.ID, domain.OperationPending).
			Updates(map[string]interface{}{"status": status, "error_code": code, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		return e.Registry.Resolve(tx, rec, status, snapshot, code)
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		op.Status = status
		op.ErrorCode = &code
		op.UpdatedAt = now
	}
	return transitioned, nil
}

func publicMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return domain.ErrInternal.Message
}

// replay rebuilds the stored outcome of a terminal key.
func (e *Engine) replay(ctx context.Context, rec *domain.IdempotencyRecord) (*Result, error) {
	var op domain.Operation
	if err := e.DB.WithContext(ctx).First(&op, "id = ?", rec.OperationID).Error; err != nil {
		return nil, err
	}
	res := &Result{Operation: &op, Snapshot: json.RawMessage(rec.ResultSnapshot), Replayed: true}
	if rec.Status == domain.OperationCompleted {
		return res, nil
	}
	var fs failureSnapshot
	if err := json.Unmarshal(rec.ResultSnapshot, &fs); err != nil || fs.Error.Code == "" {
		code := domain.CodeInternal
		if rec.ErrorCode != nil {
			code = *rec.ErrorCode
		}
		return res, domain.NewError(code, "operation "+strings.ToLower(string(rec.Status)))
	}
	return res, domain.NewError(fs.Error.Code, fs.Error.Message)
}

func (e *Engine) notify(req Request, op *domain.Operation, snapshot []byte) {
	if e.Notifier == nil {
		return
	}
	completedAt := e.now()
	if op.CompletedAt != nil {
		completedAt = *op.CompletedAt
	}
	e.Notifier.OperationCompleted(domain.OperationEvent{
		OperationID: op.ID,
		Type:        op.Type,
		Status:      op.Status,
		UserID:      op.UserID,
		Email:       req.Email,
		Result:      snapshot,
		CompletedAt: completedAt,
	})
}

// Get loads an operation.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	var op domain.Operation
	err := e.DB.WithContext(ctx).First(&op, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("operation")
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// OperationView is an operation with the entries it wrote.
type OperationView struct {
	domain.Operation
	Entries []domain.LedgerEntry `json:"entries"`
}

// View loads an operation and its entries.
func (e *Engine) View(ctx context.Context, id uuid.UUID) (*OperationView, error) {
	op, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := e.Ledger.EntriesForOperation(e.DB.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return &OperationView{Operation: *op, Entries: entries}, nil
}
