// Package store defines the sorted key index reconciled by the engine.
package store

import (
	"context"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/types"
)

// Summary is the associative hash and the number of the keys in a range.
type Summary[H ahash.AssociativeHash[H]] struct {
	Hash  H
	Count int
}

// Combine returns the summary of the union of two disjoint ranges.
func (s Summary[H]) Combine(other Summary[H]) Summary[H] {
	return Summary[H]{Hash: s.Hash.Combine(other.Hash), Count: s.Count + other.Count}
}

// Equal returns true if both the hashes and the counts match.
func (s Summary[H]) Equal(other Summary[H]) bool {
	return s.Hash == other.Hash && s.Count == other.Count
}

// Store is a durable, monotonic set of unique keys belonging to a single topic.
// Keys are never removed. All methods must be safe for concurrent use, and
// Insert must be atomic with respect to the other methods.
type Store[H ahash.AssociativeHash[H]] interface {
	// RangeSummary returns the combined hash and the count of the keys in r.
	RangeSummary(ctx context.Context, r types.Range) (Summary[H], error)
	// RangeKeys returns up to limit keys in r in ascending order.
	// Negative limit means no limit.
	RangeKeys(ctx context.Context, r types.Range, limit int) ([]types.KeyBytes, error)
	// KeyAt returns n-th (0-based) key in r, or nil if r has n or fewer keys.
	KeyAt(ctx context.Context, r types.Range, n int) (types.KeyBytes, error)
	// Insert adds the key to the store, returning true if it wasn't there yet.
	Insert(ctx context.Context, k types.KeyBytes) (bool, error)
	// First returns the smallest key in the store, or nil if the store is empty.
	First(ctx context.Context) (types.KeyBytes, error)
	// Last returns the greatest key in the store, or nil if the store is empty.
	Last(ctx context.Context) (types.KeyBytes, error)
}

// BatchInserter is implemented by the stores that insert many keys at once
// cheaper than one by one, e.g. in a single transaction.
type BatchInserter interface {
	// InsertMany adds the keys to the store, returning the number of new ones.
	InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error)
}

// InsertMany adds the keys to the store, in a single batch if the store
// supports it, returning the number of new ones.
func InsertMany[H ahash.AssociativeHash[H]](ctx context.Context, s Store[H], keys []types.KeyBytes) (int, error) {
	if bi, ok := s.(BatchInserter); ok {
		return bi.InsertMany(ctx, keys)
	}
	n := 0
	for _, k := range keys {
		added, err := s.Insert(ctx, k)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}
