package ledger

import (
	"context"
	"time"

	"atlas-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Reconciler walks every account in id order, a batch per tick, and verifies its cached
// balance against the entries. It wraps around after the last account.
type Reconciler struct {
	Store     *Store
	Interval  time.Duration
	BatchSize int

	cursor uuid.UUID
}

func NewReconciler(store *Store, interval time.Duration) *Reconciler {
	return &Reconciler{Store: store, Interval: interval, BatchSize: 200}
}

// ReconcileOnce verifies the next batch of accounts and returns how many were checked and drifted.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (checked, drifted int, err error) {
	limit := r.BatchSize
	if limit <= 0 {
		limit = 200
	}
	var ids []uuid.UUID
	q := r.Store.DB.WithContext(ctx).Model(&domain.Account{})
	if r.cursor != uuid.Nil {
		q = q.Where("id > ?", r.cursor)
	}
	if err := q.Order("id ASC").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return checked, drifted, ctx.Err()
		}
		_, drift, err := r.Store.Verify(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("account_id", id.String()).Msg("reconciler: verify failed")
			continue
		}
		checked++
		if drift {
			drifted++
		}
	}
	if len(ids) < limit {
		r.cursor = uuid.Nil
	} else {
		r.cursor = ids[len(ids)-1]
	}
	return checked, drifted, nil
}

// Run reconciles every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("balance reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("balance reconciler stopped")
			return
		case <-ticker.C:
			checked, drifted, err := r.ReconcileOnce(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("balance reconcile failed")
				continue
			}
			if drifted > 0 {
				log.Warn().Int("checked", checked).Int("drifted", drifted).Msg("balance cache drift repaired")
			}
		}
	}
}
