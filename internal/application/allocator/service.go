// Package allocator accepts investments against finite offer capacity, filling partially when
// the request exceeds what remains.
package allocator

import (
	"context"
	"errors"
	"time"

	"atlas-ledger/internal/application/kyc"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Allocation statuses reported to the investor.
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
)

type Service struct {
	DB     *gorm.DB
	Engine *operations.Engine
	Ledger *ledger.Store
	KYC    kyc.Gate
}

// NewService builds the allocator and registers its reversal compensation with the engine.
func NewService(db *gorm.DB, engine *operations.Engine, store *ledger.Store, gate kyc.Gate) *Service {
	if gate == nil {
		gate = kyc.AllowAll{}
	}
	s := &Service{DB: db, Engine: engine, Ledger: store, KYC: gate}
	engine.RegisterCompensator(domain.OperationInvestment, s)
	return s
}

type InvestInput struct {
	OfferID        uuid.UUID
	UserID         string
	Email          string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Allocation is the investment result; it is stored as the operation snapshot.
type Allocation struct {
	InvestmentID         uuid.UUID       `json:"investment_id"`
	OperationID          uuid.UUID       `json:"operation_id"`
	OfferID              uuid.UUID       `json:"offer_id"`
	RequestedAmount      decimal.Decimal `json:"requested_amount"`
	AcceptedAmount       decimal.Decimal `json:"accepted_amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	OfferCommittedAmount decimal.Decimal `json:"offer_committed_amount"`
	OfferRemainingAmount decimal.Decimal `json:"offer_remaining_amount"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Invest allocates min(requested, remaining) of the offer to the investor.
func (s *Service) Invest(ctx context.Context, in InvestInput) (*Allocation, *operations.Result, error) {
	if err := domain.ValidateAmount("amount", in.Amount); err != nil {
		return nil, nil, err
	}
	currency, err := domain.ValidateCurrency("currency", in.Currency)
	if err != nil {
		return nil, nil, err
	}
	if in.IdempotencyKey == "" {
		return nil, nil, domain.Validation("idempotency_key", "idempotency key is required")
	}
	var offer domain.Offer
	if err := s.DB.WithContext(ctx).First(&offer, "id = ?", in.OfferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.NotFound("offer")
		}
		return nil, nil, err
	}
	if offer.Currency != currency {
		return nil, nil, &domain.Error{Code: domain.CodeCurrencyMismatch, Message: "offer is denominated in " + offer.Currency, Field: "currency"}
	}
	if err := s.KYC.Check(ctx, in.UserID, domain.OperationInvestment); err != nil {
		return nil, nil, err
	}
	available, err := s.Ledger.EnsureAccount(s.DB.WithContext(ctx), in.UserID, domain.AccountAvailable, "", currency)
	if err != nil {
		return nil, nil, err
	}
	offerID := offer.ID
	requested := in.Amount

	res, err := s.Engine.Execute(ctx, operations.Request{
		Type:           domain.OperationInvestment,
		UserID:         in.UserID,
		IdempotencyKey: in.IdempotencyKey,
		Email:          in.Email,
		Fingerprint:    map[string]string{"offer_id": offerID.String(), "amount": requested.String(), "currency": currency},
		Locks:          []string{locks.OfferKey(offerID.String()), locks.AccountKey(available.ID.String())},
		Action: func(ctx context.Context, tx *gorm.DB, op *domain.Operation) (*operations.Outcome, error) {
			return s.allocate(tx, op, offerID, available, requested)
		},
	})
	if err != nil {
		return nil, res, err
	}
	var alloc Allocation
	if err := res.Decode(&alloc); err != nil {
		return nil, res, err
	}
	return &alloc, res, nil
}

func (s *Service) allocate(tx *gorm.DB, op *domain.Operation, offerID uuid.UUID, available *domain.Account, requested decimal.Decimal) (*operations.Outcome, error) {
	var offer domain.Offer
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", offerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFound("offer")
		}
		return nil, err
	}
	if offer.Status != domain.OfferLive {
		return nil, domain.ErrOfferNotLive
	}
	remaining := offer.Remaining()
	if !remaining.IsPositive() {
		return nil, domain.ErrOfferFull
	}
	accepted := decimal.Min(requested, remaining)

	if _, err := s.Ledger.LockAccount(tx, available.ID); err != nil {
		return nil, err
	}
	balance, err := s.Ledger.BalanceOf(tx, available.ID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(accepted) {
		return nil, domain.ErrInsufficientFunds
	}
	blocked, err := s.Ledger.EnsureAccount(tx, op.UserID, domain.AccountBlocked, offerID.String(), offer.Currency)
	if err != nil {
		return nil, err
	}

	committed := offer.CommittedAmount.Add(accepted)
	if committed.GreaterThan(offer.MaxAmount) {
		log.Error().Str("offer_id", offerID.String()).Str("committed", committed.String()).Msg("capacity invariant violated")
		return nil, domain.NewError(domain.CodeOfferFull, "allocation would exceed offer capacity")
	}
	if err := tx.Model(&domain.Offer{}).Where("id = ?", offerID).Update("committed_amount", committed).Error; err != nil {
		return nil, err
	}
	position := domain.InvestmentPosition{
		OfferID:     offerID,
		UserID:      op.UserID,
		OperationID: op.ID,
		Principal:   accepted,
		Currency:    offer.Currency,
		Status:      domain.PositionActive,
	}
	if err := tx.Create(&position).Error; err != nil {
		return nil, err
	}

	status := StatusFilled
	if accepted.LessThan(requested) {
		status = StatusPartiallyFilled
	}
	return &operations.Outcome{
		Entries: []domain.LedgerEntry{
			domain.Debit(available, accepted),
			domain.Credit(blocked, accepted),
		},
		Result: Allocation{
			InvestmentID:         position.ID,
			OperationID:          op.ID,
			OfferID:              offerID,
			RequestedAmount:      requested,
			AcceptedAmount:       accepted,
			Currency:             offer.Currency,
			Status:               status,
			OfferCommittedAmount: committed,
			OfferRemainingAmount: offer.MaxAmount.Sub(committed),
			CreatedAt:            op.CreatedAt,
		},
	}, nil
}

// ReversalLocks serializes an investment reversal with allocations on the same offer.
func (s *Service) ReversalLocks(ctx context.Context, db *gorm.DB, original *domain.Operation) ([]string, error) {
	pos, err := s.positionFor(db, original.ID)
	if err != nil {
		return nil, err
	}
	return []string{locks.OfferKey(pos.OfferID.String())}, nil
}

// Compensate returns the reversed principal to the offer's capacity and closes the position.
func (s *Service) Compensate(ctx context.Context, tx *gorm.DB, original, reversal *domain.Operation) error {
	pos, err := s.positionFor(tx, original.ID)
	if err != nil {
		return err
	}
	if pos.Status != domain.PositionActive {
		return domain.ErrAlreadyReversed
	}
	var offer domain.Offer
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", pos.OfferID).Error; err != nil {
		return err
	}
	committed := offer.CommittedAmount.Sub(pos.Principal)
	if committed.IsNegative() {
		return domain.NewError(domain.CodeInvalidTransition, "offer committed amount would become negative")
	}
	if err := tx.Model(&domain.Offer{}).Where("id = ?", offer.ID).Update("committed_amount", committed).Error; err != nil {
		return err
	}
	return tx.Model(&domain.InvestmentPosition{}).Where("id = ?", pos.ID).Update("status", domain.PositionReversed).Error
}

func (s *Service) positionFor(db *gorm.DB, operationID uuid.UUID) (*domain.InvestmentPosition, error) {
	var pos domain.InvestmentPosition
	err := db.First(&pos, "operation_id = ?", operationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("investment position")
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// Positions lists a user's investment positions, newest first.
func (s *Service) Positions(ctx context.Context, userID string, offerID *uuid.UUID) ([]domain.InvestmentPosition, error) {
	q := s.DB.WithContext(ctx).Where("user_id = ?", userID)
	if offerID != nil {
		q = q.Where("offer_id = ?", *offerID)
	}
	var out []domain.InvestmentPosition
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}
