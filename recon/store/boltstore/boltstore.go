// Package boltstore implements a durable Store on top of a bolt database,
// keeping each topic in its own bucket.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/boltdb/bolt"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

const openTimeout = 5 * time.Second

// Open opens or creates the bolt database file.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, os.FileMode(0o600), &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	return db, nil
}

// Store is a bolt-backed Store for a single topic.
type Store[H ahash.AssociativeHash[H]] struct {
	db     *bolt.DB
	bucket []byte
}

var _ store.Store[ahash.Sha256a] = &Store[ahash.Sha256a]{}

// New creates the Store for the topic, creating its bucket if necessary.
func New[H ahash.AssociativeHash[H]](db *bolt.DB, topic string) (*Store[H], error) {
	s := &Store[H]{db: db, bucket: []byte("recon/" + topic)}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create bucket for topic %q: %w", topic, err)
	}
	return s, nil
}

// scan calls toCall for each key in r in ascending order until it returns false.
// The key and value are only valid during the call.
func (s *Store[H]) scan(r types.Range, toCall func(k, v []byte) (bool, error)) error {
	if r.IsEmpty() {
		return nil
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		var k, v []byte
		if len(r.Low) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(r.Low)
		}
		for ; k != nil; k, v = c.Next() {
			if r.High != nil && bytes.Compare(k, r.High) >= 0 {
				return nil
			}
			more, err := toCall(k, v)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
}

func (s *Store[H]) RangeSummary(_ context.Context, r types.Range) (store.Summary[H], error) {
	var sum store.Summary[H]
	if err := s.scan(r, func(k, v []byte) (bool, error) {
		h, err := ahash.Parse[H](v)
		if err != nil {
			return false, fmt.Errorf("digest of %x: %w", k, err)
		}
		sum.Hash = sum.Hash.Combine(h)
		sum.Count++
		return true, nil
	}); err != nil {
		return store.Summary[H]{}, fmt.Errorf("range summary %s: %w", r, err)
	}
	return sum, nil
}

func (s *Store[H]) RangeKeys(_ context.Context, r types.Range, limit int) ([]types.KeyBytes, error) {
	var keys []types.KeyBytes
	if limit == 0 {
		return keys, nil
	}
	if err := s.scan(r, func(k, _ []byte) (bool, error) {
		keys = append(keys, types.KeyBytes(k).Clone())
		return limit < 0 || len(keys) < limit, nil
	}); err != nil {
		return nil, fmt.Errorf("range keys %s: %w", r, err)
	}
	return keys, nil
}

func (s *Store[H]) KeyAt(_ context.Context, r types.Range, n int) (types.KeyBytes, error) {
	if n < 0 {
		return nil, nil
	}
	var key types.KeyBytes
	if err := s.scan(r, func(k, _ []byte) (bool, error) {
		if n == 0 {
			key = types.KeyBytes(k).Clone()
			return false, nil
		}
		n--
		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("key at %s: %w", r, err)
	}
	return key, nil
}

func (s *Store[H]) Insert(_ context.Context, k types.KeyBytes) (bool, error) {
	h := ahash.Of[H](k)
	var added bool
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get(k) != nil {
			return nil
		}
		added = true
		return b.Put(k.Clone(), h.Bytes())
	}); err != nil {
		return false, fmt.Errorf("insert %s: %w", k, err)
	}
	return added, nil
}

func (s *Store[H]) edge(last bool) (types.KeyBytes, error) {
	var key types.KeyBytes
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		var k []byte
		if last {
			k, _ = c.Last()
		} else {
			k, _ = c.First()
		}
		if k != nil {
			key = types.KeyBytes(k).Clone()
		}
		return nil
	})
	return key, err
}

func (s *Store[H]) First(context.Context) (types.KeyBytes, error) {
	return s.edge(false)
}

func (s *Store[H]) Last(context.Context) (types.KeyBytes, error) {
	return s.edge(true)
}
