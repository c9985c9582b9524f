// Package kyc checks the verification status written by the external KYC service.
package kyc

import (
	"context"
	"errors"
	"slices"

	"atlas-ledger/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Gate decides whether a user may perform an operation type.
type Gate interface {
	Check(ctx context.Context, userID string, op domain.OperationType) error
}

// AllowAll is used when verification is not enforced.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, domain.OperationType) error { return nil }

const (
	statusKeyPrefix = "kyc:status:"
	StatusApproved  = "approved"
)

// RedisGate requires an approved status for the guarded operation types.
type RedisGate struct {
	Rdb     *redis.Client
	Guarded []domain.OperationType
}

func NewRedisGate(rdb *redis.Client) *RedisGate {
	return &RedisGate{Rdb: rdb, Guarded: []domain.OperationType{domain.OperationInvestment, domain.OperationVaultDeposit}}
}

func (g *RedisGate) Check(ctx context.Context, userID string, op domain.OperationType) error {
	if !slices.Contains(g.Guarded, op) {
		return nil
	}
	status, err := g.Rdb.Get(ctx, statusKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ErrKYCRequired
	}
	if err != nil {
		return err
	}
	if status != StatusApproved {
		return domain.ErrKYCRequired
	}
	return nil
}
