package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/store/sqlstore"
	"github.com/spacemeshos/go-recon/recon/store/storetest"
	"github.com/spacemeshos/go-recon/recon/types"
	"github.com/spacemeshos/go-recon/sql"
)

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[ahash.Sha256a] {
		db := sql.InMemory()
		t.Cleanup(func() { require.NoError(t, db.Close()) })
		s, err := sqlstore.New[ahash.Sha256a](db, "model")
		require.NoError(t, err)
		return s
	})
}

func TestSQLStoreNoCache(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[ahash.Sha256a] {
		db := sql.InMemory()
		t.Cleanup(func() { require.NoError(t, db.Close()) })
		s, err := sqlstore.New[ahash.Sha256a](db, "model", sqlstore.WithCacheSize(0))
		require.NoError(t, err)
		return s
	})
}

func TestBadTopic(t *testing.T) {
	db := sql.InMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	for _, topic := range []string{"", "a b", "x;drop table y", "ü"} {
		_, err := sqlstore.New[ahash.Sha256a](db, topic)
		require.ErrorIs(t, err, sqlstore.ErrBadTopic)
	}
}

func TestTopicsAreSeparate(t *testing.T) {
	ctx := context.Background()
	db := sql.InMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	interests, err := sqlstore.New[ahash.Sha256a](db, "interest")
	require.NoError(t, err)
	models, err := sqlstore.New[ahash.Sha256a](db, "model")
	require.NoError(t, err)

	added, err := interests.Insert(ctx, storetest.Key(1))
	require.NoError(t, err)
	require.True(t, added)
	added, err = models.Insert(ctx, storetest.Key(1))
	require.NoError(t, err)
	require.True(t, added)
	added, err = models.Insert(ctx, storetest.Key(2))
	require.NoError(t, err)
	require.True(t, added)

	sum, err := interests.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Count)
	sum, err = models.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Count)
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	db := sql.InMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err := sqlstore.New[ahash.Sha256a](db, "model", sqlstore.WithCacheSize(16))
	require.NoError(t, err)

	keys := []types.KeyBytes{storetest.Key(1), storetest.Key(2)}
	for _, k := range keys {
		_, err := s.Insert(ctx, k)
		require.NoError(t, err)
	}
	r := types.NewRange(storetest.Key(0), storetest.Key(10))
	for i := 0; i < 2; i++ {
		sum, err := s.RangeSummary(ctx, r)
		require.NoError(t, err)
		require.Equal(t, storetest.Summarize(keys, r), sum)
	}
	keys = append(keys, storetest.Key(3))
	_, err = s.Insert(ctx, storetest.Key(3))
	require.NoError(t, err)
	sum, err := s.RangeSummary(ctx, r)
	require.NoError(t, err)
	require.Equal(t, storetest.Summarize(keys, r), sum)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	db, err := sql.Open("file:" + path)
	require.NoError(t, err)
	s, err := sqlstore.New[ahash.Blake3a](db, "model")
	require.NoError(t, err)
	for i := uint32(0); i < 100; i++ {
		_, err := s.Insert(ctx, storetest.Key(i))
		require.NoError(t, err)
	}
	before, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = sql.Open("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err = sqlstore.New[ahash.Blake3a](db, "model")
	require.NoError(t, err)
	after, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 100, after.Count)
}

func TestInsertMany(t *testing.T) {
	ctx := context.Background()
	db := sql.InMemory()
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err := sqlstore.New[ahash.Sha256a](db, "model", sqlstore.WithCacheSize(16))
	require.NoError(t, err)
	ms := store.WithMetrics[ahash.Sha256a](s, t.Name())

	_, err = s.Insert(ctx, storetest.Key(5))
	require.NoError(t, err)
	// cache the summary so that the batch has to invalidate it
	_, err = s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)

	var keys []types.KeyBytes
	for i := uint32(0); i < 10; i++ {
		keys = append(keys, storetest.Key(i))
	}
	n, err := store.InsertMany[ahash.Sha256a](ctx, ms, keys)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, 1, ms.OpCount(store.OpInsertMany))
	require.Zero(t, ms.OpCount(store.OpInsert))

	sum, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, storetest.Summarize(keys, types.FullRange()), sum)

	n, err = s.InsertMany(ctx, keys[:3])
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.InsertMany(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}
