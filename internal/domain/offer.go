package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OfferStatus string

const (
	OfferDraft  OfferStatus = "DRAFT"
	OfferLive   OfferStatus = "LIVE"
	OfferPaused OfferStatus = "PAUSED"
	OfferClosed OfferStatus = "CLOSED"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferDraft:  {OfferLive, OfferClosed},
	OfferLive:   {OfferPaused, OfferClosed},
	OfferPaused: {OfferLive, OfferClosed},
}

func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	return slices.Contains(offerTransitions[s], next)
}

// Offer is a capacity-limited investment opportunity.
type Offer struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Name            string          `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Currency        string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status          OfferStatus     `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	MaxAmount       decimal.Decimal `gorm:"column:max_amount;type:numeric(20,4);not null" json:"max_amount"`
	CommittedAmount decimal.Decimal `gorm:"column:committed_amount;type:numeric(20,4);not null;default:0" json:"committed_amount"`
	CreatedAt       time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Offer) TableName() string {
	return "offers"
}

func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Remaining is max_amount minus committed_amount, never stored.
func (o *Offer) Remaining() decimal.Decimal {
	return o.MaxAmount.Sub(o.CommittedAmount)
}

type PositionStatus string

const (
	PositionActive   PositionStatus = "ACTIVE"
	PositionReversed PositionStatus = "REVERSED"
)

// InvestmentPosition records one accepted allocation.
type InvestmentPosition struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OfferID     uuid.UUID       `gorm:"column:offer_id;type:uuid;not null;index" json:"offer_id"`
	UserID      string          `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	OperationID uuid.UUID       `gorm:"column:operation_id;type:uuid;not null;uniqueIndex" json:"operation_id"`
	Principal   decimal.Decimal `gorm:"column:principal;type:numeric(20,4);not null" json:"principal"`
	Currency    string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Status      PositionStatus  `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt   time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (InvestmentPosition) TableName() string {
	return "investment_positions"
}

func (p *InvestmentPosition) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
