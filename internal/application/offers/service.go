// Package offers manages the lifecycle of capacity-limited offers.
package offers

import (
	"context"
	"errors"
	"strings"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	DB     *gorm.DB
	Locker locks.Locker
	Audit  *audit.Log
}

func NewService(db *gorm.DB, locker locks.Locker, auditLog *audit.Log) *Service {
	return &Service{DB: db, Locker: locker, Audit: auditLog}
}

// View is an offer with its derived remaining capacity.
type View struct {
	domain.Offer
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

func viewOf(o *domain.Offer) *View {
	return &View{Offer: *o, RemainingAmount: o.Remaining()}
}

type CreateInput struct {
	Name      string
	Currency  string
	MaxAmount decimal.Decimal
}

// Create registers a DRAFT offer.
func (s *Service) Create(ctx context.Context, actor audit.Actor, in CreateInput) (*View, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validation("name", "name is required")
	}
	currency, err := domain.ValidateCurrency("currency", in.Currency)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateAmount("max_amount", in.MaxAmount); err != nil {
		return nil, err
	}
	offer := domain.Offer{
		Name:            name,
		Currency:        currency,
		Status:          domain.OfferDraft,
		MaxAmount:       in.MaxAmount,
		CommittedAmount: decimal.Zero,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}
		return s.Audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionOfferCreate,
			EntityType: "offer",
			EntityID:   offer.ID.String(),
			After:      offer,
		})
	})
	if err != nil {
		return nil, err
	}
	return viewOf(&offer), nil
}

// Transition moves an offer along its status machine. It is serialized with allocations on the offer.
func (s *Service) Transition(ctx context.Context, actor audit.Actor, id uuid.UUID, next domain.OfferStatus, reason string) (*View, error) {
	if err := audit.ValidateReason(reason); err != nil {
		return nil, err
	}
	release, err := s.Locker.Acquire(ctx, locks.OfferKey(id.String()))
	if err != nil {
		return nil, err
	}
	defer release()

	var offer domain.Offer
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&offer, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFound("offer")
			}
			return err
		}
		before := offer
		if !offer.Status.CanTransitionTo(next) {
			return domain.NewError(domain.CodeInvalidTransition, "offer cannot move from "+string(offer.Status)+" to "+string(next))
		}
		if err := tx.Model(&offer).Update("status", next).Error; err != nil {
			return err
		}
		offer.Status = next
		return s.Audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     audit.ActionOfferStatus,
			EntityType: "offer",
			EntityID:   offer.ID.String(),
			Before:     map[string]interface{}{"status": before.Status},
			After:      map[string]interface{}{"status": offer.Status},
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return viewOf(&offer), nil
}

// Get returns an offer with its remaining capacity.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	var offer domain.Offer
	err := s.DB.WithContext(ctx).First(&offer, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("offer")
	}
	if err != nil {
		return nil, err
	}
	return viewOf(&offer), nil
}

// List returns offers, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.OfferStatus) ([]View, error) {
	q := s.DB.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []domain.Offer
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]View, len(rows))
	for i := range rows {
		out[i] = *viewOf(&rows[i])
	}
	return out, nil
}
