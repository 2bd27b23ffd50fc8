package storetest

import (
	"context"
	"sync"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

// Recording is a Store wrapper that records the ranges that were queried
// and the keys that were inserted.
type Recording[H ahash.AssociativeHash[H]] struct {
	store.Store[H]
	mu       sync.Mutex
	queried  []types.Range
	inserted []types.KeyBytes
}

// NewRecording wraps the Store.
func NewRecording[H ahash.AssociativeHash[H]](s store.Store[H]) *Recording[H] {
	return &Recording[H]{Store: s}
}

func (r *Recording[H]) addQuery(rng types.Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queried = append(r.queried, rng)
}

// Queried returns the ranges passed to range queries so far.
func (r *Recording[H]) Queried() []types.Range {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Range(nil), r.queried...)
}

// Inserted returns the keys passed to Insert and InsertMany so far.
func (r *Recording[H]) Inserted() []types.KeyBytes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.KeyBytes(nil), r.inserted...)
}

func (r *Recording[H]) RangeSummary(ctx context.Context, rng types.Range) (store.Summary[H], error) {
	r.addQuery(rng)
	return r.Store.RangeSummary(ctx, rng)
}

func (r *Recording[H]) RangeKeys(ctx context.Context, rng types.Range, limit int) ([]types.KeyBytes, error) {
	r.addQuery(rng)
	return r.Store.RangeKeys(ctx, rng, limit)
}

func (r *Recording[H]) KeyAt(ctx context.Context, rng types.Range, n int) (types.KeyBytes, error) {
	r.addQuery(rng)
	return r.Store.KeyAt(ctx, rng, n)
}

func (r *Recording[H]) Insert(ctx context.Context, k types.KeyBytes) (bool, error) {
	r.mu.Lock()
	r.inserted = append(r.inserted, k.Clone())
	r.mu.Unlock()
	return r.Store.Insert(ctx, k)
}

func (r *Recording[H]) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	r.mu.Lock()
	for _, k := range keys {
		r.inserted = append(r.inserted, k.Clone())
	}
	r.mu.Unlock()
	return store.InsertMany(ctx, r.Store, keys)
}
