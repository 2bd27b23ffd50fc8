// Package sqlstore implements a durable Store on top of sqlite.
//
// Each topic is stored in its own table holding the keys along with their
// digests. Range summaries are computed by combining the digests of the keys
// scanned within the range, so the cost is bounded by the range cardinality.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
	"github.com/spacemeshos/go-recon/sql"
)

// DefaultCacheSize is the default number of cached range summaries.
const DefaultCacheSize = 1024

var topicRx = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrBadTopic is returned for topic names that can't be used as a table name suffix.
var ErrBadTopic = errors.New("sqlstore: bad topic name")

type config struct {
	cacheSize int
}

// Opt configures the Store.
type Opt func(*config)

// WithCacheSize sets the number of range summaries kept in the cache.
// Zero disables the cache.
func WithCacheSize(n int) Opt {
	return func(c *config) {
		c.cacheSize = n
	}
}

// Store is a sqlite-backed Store for a single topic.
type Store[H ahash.AssociativeHash[H]] struct {
	db    *sql.Database
	table string

	mu    sync.Mutex
	gen   uint64
	cache *lru.Cache[string, store.Summary[H]]
}

var (
	_ store.Store[ahash.Sha256a] = &Store[ahash.Sha256a]{}
	_ store.BatchInserter        = &Store[ahash.Sha256a]{}
)

// New creates the Store for the topic, creating its table if necessary.
func New[H ahash.AssociativeHash[H]](db *sql.Database, topic string, opts ...Opt) (*Store[H], error) {
	if !topicRx.MatchString(topic) {
		return nil, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	cfg := config{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Store[H]{
		db:    db,
		table: "recon_" + strings.ToLower(topic),
	}
	if cfg.cacheSize > 0 {
		var err error
		if s.cache, err = lru.New[string, store.Summary[H]](cfg.cacheSize); err != nil {
			return nil, fmt.Errorf("create summary cache: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf(
		`create table if not exists %s (key blob primary key, ahash blob not null) without rowid`,
		s.table), nil, nil); err != nil {
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

// rangeQuery returns the query selecting the specified columns from the range
// along with the encoder binding the range bounds.
func (s *Store[H]) rangeQuery(cols string, r types.Range, suffix string) (string, sql.Encoder) {
	var conds []string
	if len(r.Low) != 0 {
		conds = append(conds, "key >= ?1")
	}
	if r.High != nil {
		conds = append(conds, "key < ?2")
	}
	query := fmt.Sprintf("select %s from %s", cols, s.table)
	if len(conds) != 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	return query + suffix, func(stmt *sql.Statement) {
		if len(r.Low) != 0 {
			stmt.BindBytes(1, r.Low)
		}
		if r.High != nil {
			stmt.BindBytes(2, r.High)
		}
	}
}

func (s *Store[H]) cached(r types.Range) (store.Summary[H], uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		if sum, found := s.cache.Get(r.ID()); found {
			return sum, s.gen, true
		}
	}
	return store.Summary[H]{}, s.gen, false
}

func (s *Store[H]) RangeSummary(_ context.Context, r types.Range) (store.Summary[H], error) {
	var sum store.Summary[H]
	// an empty High would be bound as NULL, so it's handled here
	if r.IsEmpty() || (r.High != nil && len(r.High) == 0) {
		return sum, nil
	}
	sum, gen, found := s.cached(r)
	if found {
		return sum, nil
	}
	var decodeErr error
	query, enc := s.rangeQuery("ahash", r, "")
	if _, err := s.db.Exec(query, enc, func(stmt *sql.Statement) bool {
		var h H
		h, decodeErr = ahash.Parse[H](sql.ColumnBytes(stmt, 0))
		if decodeErr != nil {
			return false
		}
		sum.Hash = sum.Hash.Combine(h)
		sum.Count++
		return true
	}); err != nil {
		return store.Summary[H]{}, fmt.Errorf("range summary %s: %w", r, err)
	}
	if decodeErr != nil {
		return store.Summary[H]{}, fmt.Errorf("range summary %s: %w", r, decodeErr)
	}
	s.mu.Lock()
	if s.cache != nil && s.gen == gen {
		s.cache.Add(r.ID(), sum)
	}
	s.mu.Unlock()
	return sum, nil
}

func (s *Store[H]) selectKeys(r types.Range, suffix string, limit int) ([]types.KeyBytes, error) {
	var keys []types.KeyBytes
	if limit == 0 || r.IsEmpty() || (r.High != nil && len(r.High) == 0) {
		return keys, nil
	}
	query, enc := s.rangeQuery("key", r, suffix)
	if _, err := s.db.Exec(query, enc, func(stmt *sql.Statement) bool {
		keys = append(keys, sql.ColumnBytes(stmt, 0))
		return limit < 0 || len(keys) < limit
	}); err != nil {
		return nil, fmt.Errorf("select keys %s: %w", r, err)
	}
	return keys, nil
}

func (s *Store[H]) RangeKeys(_ context.Context, r types.Range, limit int) ([]types.KeyBytes, error) {
	if limit > 0 {
		return s.selectKeys(r, fmt.Sprintf(" order by key limit %d", limit), limit)
	}
	return s.selectKeys(r, " order by key", limit)
}

func (s *Store[H]) KeyAt(_ context.Context, r types.Range, n int) (types.KeyBytes, error) {
	if n < 0 {
		return nil, nil
	}
	keys, err := s.selectKeys(r, fmt.Sprintf(" order by key limit 1 offset %d", n), 1)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return keys[0], nil
}

func (s *Store[H]) insertKey(ex sql.Executor, k types.KeyBytes) (bool, error) {
	h := ahash.Of[H](k)
	_, err := ex.Exec(
		fmt.Sprintf("insert into %s (key, ahash) values (?1, ?2)", s.table),
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, k)
			stmt.BindBytes(2, h.Bytes())
		}, nil)
	switch {
	case errors.Is(err, sql.ErrObjectExists):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("insert %s: %w", k.ShortString(), err)
	}
	return true, nil
}

// invalidate drops the cached summaries after the keys have changed.
func (s *Store[H]) invalidate() {
	s.mu.Lock()
	s.gen++
	if s.cache != nil {
		s.cache.Purge()
	}
	s.mu.Unlock()
}

func (s *Store[H]) Insert(_ context.Context, k types.KeyBytes) (bool, error) {
	added, err := s.insertKey(s.db, k)
	if added {
		s.invalidate()
	}
	return added, err
}

// InsertMany inserts the keys in a single immediate transaction, returning
// the number of new ones. Either all the keys are stored or none of them.
func (s *Store[H]) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n := 0
	if err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			added, err := s.insertKey(tx, k)
			if err != nil {
				return err
			}
			if added {
				n++
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if n != 0 {
		s.invalidate()
	}
	return n, nil
}

func (s *Store[H]) edge(order string) (types.KeyBytes, error) {
	var k types.KeyBytes
	if _, err := s.db.Exec(
		fmt.Sprintf("select key from %s order by key %s limit 1", s.table, order),
		nil, func(stmt *sql.Statement) bool {
			k = sql.ColumnBytes(stmt, 0)
			return false
		}); err != nil {
		return nil, fmt.Errorf("select %s key: %w", order, err)
	}
	return k, nil
}

func (s *Store[H]) First(context.Context) (types.KeyBytes, error) {
	return s.edge("asc")
}

func (s *Store[H]) Last(context.Context) (types.KeyBytes, error) {
	return s.edge("desc")
}
