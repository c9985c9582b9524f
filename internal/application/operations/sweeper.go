package operations

import (
	"context"
	"time"

	"atlas-ledger/internal/domain"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Sweeper fails operations that stayed PENDING past StaleAfter. Commit is atomic, so such an
// operation has written nothing; failing it lets a retry with the same key resolve.
// Operations awaiting an external collaborator are left alone.
type Sweeper struct {
	Engine     *Engine
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
}

func NewSweeper(engine *Engine, staleAfter, interval time.Duration) *Sweeper {
	return &Sweeper{Engine: engine, StaleAfter: staleAfter, Interval: interval, BatchSize: 100}
}

// SweepOnce fails one batch of stale operations and returns how many it moved.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.Engine.now().Add(-s.StaleAfter)
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}
	var stale []domain.Operation
	err := s.Engine.DB.WithContext(ctx).
		Where("status = ? AND awaiting_external = ? AND created_at < ?", domain.OperationPending, false, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range stale {
		op := &stale[i]
		rec, err := s.Engine.Registry.Find(ctx, scopeOf(op))
		if err != nil {
			log.Warn().Err(err).Str("operation_id", op.ID.String()).Msg("sweeper: idempotency record missing")
			continue
		}
		ok, err := s.Engine.finish(ctx, op, rec, domain.OperationFailed, domain.ErrOperationAbandoned)
		if err != nil {
			log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("sweeper: failed to abandon operation")
			continue
		}
		if ok {
			swept++
			log.Warn().Str("operation_id", op.ID.String()).Str("type", string(op.Type)).Time("created_at", op.CreatedAt).Msg("abandoned stale operation")
		}
	}
	return swept, nil
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Dur("stale_after", s.StaleAfter).Msg("operation sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("operation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("operation sweep failed")
			}
		}
	}
}

// PendingStats summarizes PENDING operations for health reporting.
type PendingStats struct {
	Count       int64 `json:"count"`
	OldestAgeMs int64 `json:"oldest_age_ms"`
}

// Pending reports how many operations are PENDING and the age of the oldest.
func (e *Engine) Pending(ctx context.Context) (PendingStats, error) {
	var stats PendingStats
	db := e.DB.WithContext(ctx).Model(&domain.Operation{}).Where("status = ?", domain.OperationPending)
	if err := db.Session(&gorm.Session{}).Count(&stats.Count).Error; err != nil {
		return stats, err
	}
	if stats.Count == 0 {
		return stats, nil
	}
	var oldest domain.Operation
	if err := e.DB.WithContext(ctx).Where("status = ?", domain.OperationPending).Order("created_at ASC").First(&oldest).Error; err != nil {
		return stats, err
	}
	stats.OldestAgeMs = e.now().Sub(oldest.CreatedAt).Milliseconds()
	return stats, nil
}
