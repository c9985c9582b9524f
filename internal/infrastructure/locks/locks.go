// Package locks provides the serialization points operations acquire before touching shared balances.
package locks

import (
	"context"
	"slices"
)

// Locker acquires a set of named locks. Keys are taken in sorted order so two operations that
// share keys can never wait on each other in a cycle. The returned release function is idempotent.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// OfferKey serializes allocations against one offer.
func OfferKey(offerID string) string { return "offer:" + offerID }

// AccountKey serializes balance checks on one account.
func AccountKey(accountID string) string { return "account:" + accountID }

// VaultKey serializes buffer checks on one vault.
func VaultKey(code string) string { return "vault:" + code }

// OperationKey serializes corrections of one operation.
func OperationKey(operationID string) string { return "operation:" + operationID }

// normalize sorts and de-duplicates keys.
func normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
