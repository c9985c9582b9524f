package offers

import (
	"context"
	"testing"

	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/domain"
	"atlas-ledger/internal/infrastructure/locks"
	"atlas-ledger/internal/pkg/testsupport"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = audit.Actor{ID: "admin-1", Role: "admin"}

func newService(t *testing.T) (*Service, *audit.Log) {
	t.Helper()
	db := testsupport.NewDB(t)
	log := audit.NewLog(db)
	return NewService(db, locks.NewKeyedMutex(), log), log
}

func TestCreate(t *testing.T) {
	s, log := newService(t)
	ctx := context.Background()

	v, err := s.Create(ctx, admin, CreateInput{Name: " Solar bond ", Currency: "eur", MaxAmount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.Equal(t, "Solar bond", v.Name)
	assert.Equal(t, "EUR", v.Currency)
	assert.Equal(t, domain.OfferDraft, v.Status)
	assert.True(t, v.RemainingAmount.Equal(decimal.NewFromInt(1000)))

	_, total, err := log.List(ctx, audit.Filter{Action: audit.ActionOfferCreate})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, err = s.Create(ctx, admin, CreateInput{Name: "", Currency: "EUR", MaxAmount: decimal.NewFromInt(1)})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
	_, err = s.Create(ctx, admin, CreateInput{Name: "x", Currency: "EUR", MaxAmount: decimal.Zero})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestTransition(t *testing.T) {
	s, log := newService(t)
	ctx := context.Background()
	v, err := s.Create(ctx, admin, CreateInput{Name: "Wind", Currency: "EUR", MaxAmount: decimal.NewFromInt(500)})
	require.NoError(t, err)

	_, err = s.Transition(ctx, admin, v.ID, domain.OfferLive, "short")
	assert.Equal(t, domain.CodeReasonRequired, domain.CodeOf(err))

	_, err = s.Transition(ctx, admin, v.ID, domain.OfferPaused, "pause before launch")
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	live, err := s.Transition(ctx, admin, v.ID, domain.OfferLive, "approved by committee")
	require.NoError(t, err)
	assert.Equal(t, domain.OfferLive, live.Status)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OfferLive, got.Status)

	_, total, err := log.List(ctx, audit.Filter{Action: audit.ActionOfferStatus, EntityID: v.ID.String()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, err = s.Transition(ctx, admin, uuid.New(), domain.OfferLive, "approved by committee")
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestList(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	a, err := s.Create(ctx, admin, CreateInput{Name: "A", Currency: "EUR", MaxAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, err = s.Create(ctx, admin, CreateInput{Name: "B", Currency: "EUR", MaxAmount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, err = s.Transition(ctx, admin, a.ID, domain.OfferLive, "approved by committee")
	require.NoError(t, err)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	live, err := s.List(ctx, domain.OfferLive)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, a.ID, live[0].ID)

	_, err = s.Get(ctx, uuid.New())
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}
