package boltstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/store/boltstore"
	"github.com/spacemeshos/go-recon/recon/store/storetest"
	"github.com/spacemeshos/go-recon/recon/types"
)

func TestBoltStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[ahash.Sha256a] {
		db, err := boltstore.Open(filepath.Join(t.TempDir(), "recon.db"))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, db.Close()) })
		s, err := boltstore.New[ahash.Sha256a](db, "model")
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "recon.db")
	db, err := boltstore.Open(path)
	require.NoError(t, err)
	s, err := boltstore.New[ahash.Sha256a](db, "interest")
	require.NoError(t, err)
	other, err := boltstore.New[ahash.Sha256a](db, "model")
	require.NoError(t, err)
	for i := uint32(0); i < 20; i++ {
		_, err := s.Insert(ctx, storetest.Key(i))
		require.NoError(t, err)
	}
	_, err = other.Insert(ctx, storetest.Key(100))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = boltstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	s, err = boltstore.New[ahash.Sha256a](db, "interest")
	require.NoError(t, err)
	sum, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, 20, sum.Count)
	last, err := s.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, storetest.Key(19), last)
}
