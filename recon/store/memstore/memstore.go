// Package memstore implements a volatile Store backed by a skiplist.
package memstore

import (
	"context"
	"sync"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/internal/skiplist"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

// Store is an in-memory Store. Each key is kept along with its digest so that
// range summaries only need to combine the stored digests.
type Store[H ahash.AssociativeHash[H]] struct {
	mu sync.RWMutex
	sl *skiplist.SkipList[H]
}

var _ store.Store[ahash.Sha256a] = &Store[ahash.Sha256a]{}

// New creates an empty in-memory Store.
func New[H ahash.AssociativeHash[H]]() *Store[H] {
	return &Store[H]{sl: skiplist.New[H]()}
}

// Len returns the number of keys in the store.
func (s *Store[H]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sl.Len()
}

func (s *Store[H]) each(r types.Range, toCall func(*skiplist.Node[H]) bool) {
	for node := s.sl.FindGTENode(r.Low); node != nil; node = node.Next() {
		if r.High != nil && types.KeyBytes(node.Key()).Compare(r.High) >= 0 {
			return
		}
		if !toCall(node) {
			return
		}
	}
}

func (s *Store[H]) RangeSummary(_ context.Context, r types.Range) (store.Summary[H], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum store.Summary[H]
	if r.IsEmpty() {
		return sum, nil
	}
	s.each(r, func(node *skiplist.Node[H]) bool {
		sum.Hash = sum.Hash.Combine(node.Value())
		sum.Count++
		return true
	})
	return sum, nil
}

func (s *Store[H]) RangeKeys(_ context.Context, r types.Range, limit int) ([]types.KeyBytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []types.KeyBytes
	if limit == 0 || r.IsEmpty() {
		return keys, nil
	}
	s.each(r, func(node *skiplist.Node[H]) bool {
		keys = append(keys, types.KeyBytes(node.Key()).Clone())
		return limit < 0 || len(keys) < limit
	})
	return keys, nil
}

func (s *Store[H]) KeyAt(_ context.Context, r types.Range, n int) (types.KeyBytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n < 0 || r.IsEmpty() {
		return nil, nil
	}
	var k types.KeyBytes
	s.each(r, func(node *skiplist.Node[H]) bool {
		if n == 0 {
			k = types.KeyBytes(node.Key()).Clone()
			return false
		}
		n--
		return true
	})
	return k, nil
}

func (s *Store[H]) Insert(_ context.Context, k types.KeyBytes) (bool, error) {
	h := ahash.Of[H](k)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, added := s.sl.Add(k, h)
	return added, nil
}

func (s *Store[H]) First(context.Context) (types.KeyBytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node := s.sl.First(); node != nil {
		return types.KeyBytes(node.Key()).Clone(), nil
	}
	return nil, nil
}

func (s *Store[H]) Last(context.Context) (types.KeyBytes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node := s.sl.Last(); node != nil {
		return types.KeyBytes(node.Key()).Clone(), nil
	}
	return nil, nil
}
