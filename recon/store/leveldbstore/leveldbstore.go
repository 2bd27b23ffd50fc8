// Package leveldbstore implements a durable Store on top of LevelDB.
//
// Several topics may share one database. The keys of each topic are stored
// under a prefix made of the varint-encoded topic length followed by the topic,
// and the values hold the key digests.
package leveldbstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/multiformats/go-varint"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

const minCache = 16

// Open opens the LevelDB database at the path, recovering it if it's corrupted.
// cache is the block cache size in MiB.
func Open(path string, cache int, logger *zap.Logger) (*leveldb.DB, error) {
	if cache < minCache {
		cache = minCache
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		BlockCacheCapacity: cache / 2 * opt.MiB,
		WriteBuffer:        cache / 4 * opt.MiB,
		Filter:             filter.NewBloomFilter(10),
	})
	var corrupted *lerrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		logger.Warn("recovering corrupted leveldb", zap.String("path", path), zap.Error(err))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return db, nil
}

// OpenInMemory opens a LevelDB database backed by memory.
func OpenInMemory() *leveldb.DB {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic("can't open in-memory leveldb: " + err.Error())
	}
	return db
}

// Store is a LevelDB-backed Store for a single topic.
type Store[H ahash.AssociativeHash[H]] struct {
	db     *leveldb.DB
	prefix []byte
	// serializes check-and-put in Insert
	mu sync.Mutex
}

var _ store.Store[ahash.Sha256a] = &Store[ahash.Sha256a]{}

// New creates the Store for the topic. There must be at most one Store per
// topic for each database.
func New[H ahash.AssociativeHash[H]](db *leveldb.DB, topic string) *Store[H] {
	prefix := varint.ToUvarint(uint64(len(topic)))
	prefix = append(prefix, topic...)
	return &Store[H]{db: db, prefix: prefix}
}

func (s *Store[H]) dbKey(k types.KeyBytes) []byte {
	b := make([]byte, 0, len(s.prefix)+len(k))
	return append(append(b, s.prefix...), k...)
}

func (s *Store[H]) iter(r types.Range) iterator.Iterator {
	rng := util.BytesPrefix(s.prefix)
	rng.Start = s.dbKey(r.Low)
	if r.High != nil {
		rng.Limit = s.dbKey(r.High)
	}
	return s.db.NewIterator(rng, nil)
}

func (s *Store[H]) userKey(dbKey []byte) types.KeyBytes {
	return types.KeyBytes(dbKey[len(s.prefix):]).Clone()
}

func (s *Store[H]) RangeSummary(_ context.Context, r types.Range) (store.Summary[H], error) {
	var sum store.Summary[H]
	if r.IsEmpty() {
		return sum, nil
	}
	it := s.iter(r)
	defer it.Release()
	for it.Next() {
		h, err := ahash.Parse[H](it.Value())
		if err != nil {
			return store.Summary[H]{}, fmt.Errorf("digest of %s: %w", s.userKey(it.Key()), err)
		}
		sum.Hash = sum.Hash.Combine(h)
		sum.Count++
	}
	if err := it.Error(); err != nil {
		return store.Summary[H]{}, fmt.Errorf("range summary %s: %w", r, err)
	}
	return sum, nil
}

func (s *Store[H]) RangeKeys(_ context.Context, r types.Range, limit int) ([]types.KeyBytes, error) {
	var keys []types.KeyBytes
	if limit == 0 || r.IsEmpty() {
		return keys, nil
	}
	it := s.iter(r)
	defer it.Release()
	for it.Next() {
		keys = append(keys, s.userKey(it.Key()))
		if limit > 0 && len(keys) == limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("range keys %s: %w", r, err)
	}
	return keys, nil
}

func (s *Store[H]) KeyAt(_ context.Context, r types.Range, n int) (types.KeyBytes, error) {
	if n < 0 || r.IsEmpty() {
		return nil, nil
	}
	it := s.iter(r)
	defer it.Release()
	for it.Next() {
		if n == 0 {
			return s.userKey(it.Key()), nil
		}
		n--
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("key at %s: %w", r, err)
	}
	return nil, nil
}

func (s *Store[H]) Insert(_ context.Context, k types.KeyBytes) (bool, error) {
	key := s.dbKey(k)
	h := ahash.Of[H](k)
	s.mu.Lock()
	defer s.mu.Unlock()
	has, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("check key %s: %w", k, err)
	}
	if has {
		return false, nil
	}
	if err := s.db.Put(key, h.Bytes(), nil); err != nil {
		return false, fmt.Errorf("put key %s: %w", k, err)
	}
	return true, nil
}

func (s *Store[H]) edge(last bool) (types.KeyBytes, error) {
	it := s.db.NewIterator(util.BytesPrefix(s.prefix), nil)
	defer it.Release()
	var ok bool
	if last {
		ok = it.Last()
	} else {
		ok = it.First()
	}
	if !ok {
		return nil, it.Error()
	}
	return s.userKey(it.Key()), nil
}

func (s *Store[H]) First(context.Context) (types.KeyBytes, error) {
	return s.edge(false)
}

func (s *Store[H]) Last(context.Context) (types.KeyBytes, error) {
	return s.edge(true)
}
