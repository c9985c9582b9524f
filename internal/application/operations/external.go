package operations

import (
	"context"
	"errors"

	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/domain"
)

// Begin records a PENDING operation that an external collaborator (a bank or card processor)
// finalizes later with Complete, Fail or Cancel. Nothing is written to the ledger.
func (e *Engine) Begin(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	hash, err := idempotency.Hash(req.Fingerprint)
	if err != nil {
		return nil, err
	}
	op, rec, created, err := e.reserve(ctx, req, hash, true)
	if err != nil {
		return nil, err
	}
	if created {
		return &Result{Operation: op}, nil
	}
	if rec.Status.IsTerminal() {
		return e.replay(ctx, rec)
	}
	existing, err := e.Get(ctx, rec.OperationID)
	if err != nil {
		return nil, err
	}
	return &Result{Operation: existing, Replayed: true}, nil
}

// Complete finalizes an operation started with Begin. When Begin never ran the operation is
// executed outright, so out-of-order external notifications converge on one outcome.
func (e *Engine) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	rec, err := e.Registry.Find(ctx, req.scope())
	if errors.Is(err, domain.ErrNotFound) {
		return e.Execute(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return e.replay(ctx, rec)
	}
	hash, err := idempotency.Hash(req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if hash != rec.RequestHash {
		return nil, domain.ErrIdempotencyKeyReused
	}
	op, err := e.Get(ctx, rec.OperationID)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, req, op, rec)
}

// Fail resolves an externally awaited operation as FAILED with cause.
func (e *Engine) Fail(ctx context.Context, s idempotency.Scope, cause error) (*Result, error) {
	return e.settleExternal(ctx, s, domain.OperationFailed, cause)
}

// Cancel resolves an externally awaited operation as CANCELLED.
func (e *Engine) Cancel(ctx context.Context, s idempotency.Scope, cause error) (*Result, error) {
	return e.settleExternal(ctx, s, domain.OperationCancelled, cause)
}

func (e *Engine) settleExternal(ctx context.Context, s idempotency.Scope, status domain.OperationStatus, cause error) (*Result, error) {
	rec, err := e.Registry.Find(ctx, s)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsTerminal() {
		op, err := e.Get(ctx, rec.OperationID)
		if err != nil {
			return nil, err
		}
		if _, err := e.finish(ctx, op, rec, status, cause); err != nil {
			return nil, err
		}
		if rec, err = e.Registry.Find(ctx, s); err != nil {
			return nil, err
		}
	}
	res, rerr := e.replay(ctx, rec)
	if res == nil {
		return nil, rerr
	}
	return res, nil
}
