// Package deposits credits inbound cash to users, holding large amounts for compliance review.
package deposits

import (
	"context"
	"strings"
	"time"

	"atlas-ledger/internal/application/idempotency"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Deposit destinations reported in the result.
const (
	StatusAvailable = "AVAILABLE"
	StatusHeld      = "HELD"
)

type Service struct {
	DB     *gorm.DB
	Engine *operations.Engine
	Ledger *ledger.Store
	// HoldThreshold routes deposits strictly above it to the LOCKED account. Zero disables holds.
	HoldThreshold decimal.Decimal
	Intents       IntentCreator
}

func NewService(db *gorm.DB, engine *operations.Engine, store *ledger.Store, threshold decimal.Decimal) *Service {
	return &Service{DB: db, Engine: engine, Ledger: store, HoldThreshold: threshold}
}

type DepositInput struct {
	UserID         string
	Email          string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	// Reference is the bank or processor id of the transfer.
	Reference string
}

// DepositResult is the DEPOSIT snapshot.
type DepositResult struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (s *Service) held(amount decimal.Decimal) bool {
	return s.HoldThreshold.IsPositive() && amount.GreaterThan(s.HoldThreshold)
}

// request builds the DEPOSIT operation. Begin and Complete must see the same fingerprint.
func (s *Service) request(ctx context.Context, in DepositInput) (operations.Request, error) {
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return operations.Request{}, err
	}
	currency, err := domain.ValidateCurrency("currency", in.Currency)
	if err != nil {
		return operations.Request{}, err
	}
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return operations.Request{}, domain.Validation("idempotency_key", "idempotency key is required")
	}
	kind := domain.AccountAvailable
	status := StatusAvailable
	if s.held(in.Amount) {
		kind = domain.AccountLocked
		status = StatusHeld
	}
	db := s.DB.WithContext(ctx)
	target, err := s.Ledger.EnsureAccount(db, in.UserID, kind, "", currency)
	if err != nil {
		return operations.Request{}, err
	}
	settlement, err := s.Ledger.EnsureAccount(db, domain.SystemOwner, domain.AccountSettlement, "", currency)
	if err != nil {
		return operations.Request{}, err
	}
	amount := in.Amount
	reference := in.Reference
	return operations.Request{
		Type:           domain.OperationDeposit,
		UserID:         in.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Email:          in.Email,
		Fingerprint:    map[string]string{"amount": amount.String(), "currency": currency},
		Locks:          []string{locks.AccountKey(target.ID.String())},
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			return &operations.Outcome{
				Entries: []domain.LedgerEntry{
					domain.Debit(settlement, amount),
					domain.Credit(target, amount),
				},
				Result: DepositResult{
					OperationID: op.ID,
					Amount:      amount,
					Currency:    currency,
					Status:      status,
					Reference:   reference,
					CreatedAt:   op.CreatedAt,
				},
			}, nil
		},
	}, nil
}

func decode(res *operations.Result, err error) (*DepositResult, *operations.Result, error) {
	if err != nil {
		return nil, res, err
	}
	var out DepositResult
	if err := res.Decode(&out); err != nil {
		return nil, res, err
	}
	return &out, res, nil
}

// Deposit books a confirmed inbound transfer.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (*DepositResult, *operations.Result, error) {
	req, err := s.request(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return decode(s.Engine.Execute(ctx, req))
}

// BeginExternal records a deposit the processor has accepted but not yet settled (DEPOSIT_PENDING).
func (s *Service) BeginExternal(ctx context.Context, in DepositInput) (*operations.Result, error) {
	req, err := s.request(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.Engine.Begin(ctx, req)
}

// CompleteExternal settles a deposit, whether or not BeginExternal was seen first.
func (s *Service) CompleteExternal(ctx context.Context, in DepositInput) (*DepositResult, *operations.Result, error) {
	req, err := s.request(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return decode(s.Engine.Complete(ctx, req))
}

// FailExternal resolves a pending deposit the processor reported as failed.
func (s *Service) FailExternal(ctx context.Context, userID, key, reason string) (*operations.Result, error) {
	msg := "payment failed"
	if r := strings.TrimSpace(reason); r != "" {
		msg += ": " + r
	}
	scope := idempotency.Scope{Key: key, Type: domain.OperationDeposit, UserID: userID}
	return s.Engine.Fail(ctx, scope, domain.NewError(domain.CodeOperationAbandoned, msg))
}

// CancelExternal resolves a pending deposit the processor or the payer withdrew before settlement.
func (s *Service) CancelExternal(ctx context.Context, userID, key, reason string) (*operations.Result, error) {
	msg := "payment canceled"
	if r := strings.TrimSpace(reason); r != "" {
		msg += ": " + r
	}
	scope := idempotency.Scope{Key: key, Type: domain.OperationDeposit, UserID: userID}
	return s.Engine.Cancel(ctx, scope, domain.NewError(domain.CodeOperationAbandoned, msg))
}
