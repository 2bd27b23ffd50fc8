// Package storetest contains the conformance tests shared by Store backends
// and Store wrappers useful in tests.
package storetest

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

// Factory creates an empty Store for a test.
type Factory func(t *testing.T) store.Store[ahash.Sha256a]

// Key returns a 4-byte key for an integer.
func Key(n uint32) types.KeyBytes {
	return binary.BigEndian.AppendUint32(nil, n)
}

// Summarize computes the expected summary of keys in a range.
func Summarize(keys []types.KeyBytes, r types.Range) store.Summary[ahash.Sha256a] {
	var s store.Summary[ahash.Sha256a]
	for _, k := range keys {
		if r.Contains(k) {
			s.Hash = s.Hash.Combine(ahash.Of[ahash.Sha256a](k))
			s.Count++
		}
	}
	return s
}

// Run runs the conformance tests against a Store backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("empty", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("insert", func(t *testing.T) { testInsert(t, newStore(t)) })
	t.Run("insert many", func(t *testing.T) { testInsertMany(t, newStore(t)) })
	t.Run("ranges", func(t *testing.T) { testRanges(t, newStore(t)) })
	t.Run("variable length keys", func(t *testing.T) { testVariableLength(t, newStore(t)) })
	t.Run("concurrent inserts", func(t *testing.T) { testConcurrentInserts(t, newStore(t)) })
}

func testEmpty(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	sum, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Zero(t, sum.Count)
	require.True(t, sum.Hash.IsZero())
	keys, err := s.RangeKeys(ctx, types.FullRange(), -1)
	require.NoError(t, err)
	require.Empty(t, keys)
	first, err := s.First(ctx)
	require.NoError(t, err)
	require.Nil(t, first)
	last, err := s.Last(ctx)
	require.NoError(t, err)
	require.Nil(t, last)
	k, err := s.KeyAt(ctx, types.FullRange(), 0)
	require.NoError(t, err)
	require.Nil(t, k)
}

func testInsertMany(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	_, err := s.Insert(ctx, Key(3))
	require.NoError(t, err)
	var keys []types.KeyBytes
	for i := uint32(0); i < 20; i++ {
		keys = append(keys, Key(i))
	}
	n, err := store.InsertMany(ctx, s, keys)
	require.NoError(t, err)
	require.Equal(t, 19, n)
	got, err := s.RangeKeys(ctx, types.FullRange(), -1)
	require.NoError(t, err)
	require.Equal(t, keys, got)
	sum, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, Summarize(keys, types.FullRange()), sum)

	n, err = store.InsertMany(ctx, s, keys[5:10])
	require.NoError(t, err)
	require.Zero(t, n)
}

func testInsert(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	added, err := s.Insert(ctx, Key(1))
	require.NoError(t, err)
	require.True(t, added)
	before, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, 1, before.Count)

	// inserting the same key again changes nothing
	added, err = s.Insert(ctx, Key(1))
	require.NoError(t, err)
	require.False(t, added)
	after, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, ahash.Of[ahash.Sha256a](Key(1)), after.Hash)

	// the inserted key is copied
	k := Key(2)
	added, err = s.Insert(ctx, k)
	require.NoError(t, err)
	require.True(t, added)
	k[3] = 3
	keys, err := s.RangeKeys(ctx, types.FullRange(), -1)
	require.NoError(t, err)
	require.Equal(t, []types.KeyBytes{Key(1), Key(2)}, keys)
}

func testRanges(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	var all []types.KeyBytes
	for _, n := range rand.Perm(200) {
		k := Key(uint32(n * 10))
		added, err := s.Insert(ctx, k)
		require.NoError(t, err)
		require.True(t, added)
		all = append(all, k)
	}
	slices.SortFunc(all, types.KeyBytes.Compare)

	first, err := s.First(ctx)
	require.NoError(t, err)
	require.Equal(t, Key(0), first)
	last, err := s.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, Key(1990), last)

	for _, r := range []types.Range{
		types.FullRange(),
		types.NewRange(Key(0), Key(1000)),
		types.NewRange(Key(5), Key(15)),
		types.NewRange(Key(10), Key(11)),
		types.NewRange(Key(1500), nil),
		types.NewRange(Key(2000), nil),
		types.NewRange(Key(3), Key(9)),
		types.NewRange(nil, Key(1)),
	} {
		sum, err := s.RangeSummary(ctx, r)
		require.NoError(t, err)
		require.Equal(t, Summarize(all, r), sum, "range %s", r)

		var expKeys []types.KeyBytes
		for _, k := range all {
			if r.Contains(k) {
				expKeys = append(expKeys, k)
			}
		}
		keys, err := s.RangeKeys(ctx, r, -1)
		require.NoError(t, err)
		require.Equal(t, len(expKeys), len(keys), "range %s", r)
		if len(expKeys) > 0 {
			require.Equal(t, expKeys, keys)
		}
		keys, err = s.RangeKeys(ctx, r, 3)
		require.NoError(t, err)
		require.Equal(t, min(3, len(expKeys)), len(keys))
		if len(keys) > 0 {
			require.Equal(t, expKeys[:len(keys)], keys)
		}
		keys, err = s.RangeKeys(ctx, r, 0)
		require.NoError(t, err)
		require.Empty(t, keys)

		for _, n := range []int{0, len(expKeys) / 2, len(expKeys) - 1, len(expKeys)} {
			k, err := s.KeyAt(ctx, r, n)
			require.NoError(t, err)
			if n < 0 || n >= len(expKeys) {
				require.Nil(t, k, "range %s n %d", r, n)
			} else {
				require.Equal(t, expKeys[n], k, "range %s n %d", r, n)
			}
		}
	}
}

func testVariableLength(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	keys := []types.KeyBytes{
		types.MustParseHexKeyBytes("01"),
		types.MustParseHexKeyBytes("0100"),
		types.MustParseHexKeyBytes("01ff"),
		types.MustParseHexKeyBytes("02"),
		types.MustParseHexKeyBytes("ff"),
		types.MustParseHexKeyBytes("ffffffff00"),
	}
	for _, i := range rand.Perm(len(keys)) {
		added, err := s.Insert(ctx, keys[i])
		require.NoError(t, err)
		require.True(t, added)
	}
	got, err := s.RangeKeys(ctx, types.FullRange(), -1)
	require.NoError(t, err)
	require.Equal(t, keys, got)
	r := types.NewRange(types.MustParseHexKeyBytes("01"), types.MustParseHexKeyBytes("02"))
	got, err = s.RangeKeys(ctx, r, -1)
	require.NoError(t, err)
	require.Equal(t, keys[:3], got)
	sum, err := s.RangeSummary(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Summarize(keys, r), sum)
}

func testConcurrentInserts(t *testing.T, s store.Store[ahash.Sha256a]) {
	ctx := context.Background()
	const n = 100
	var (
		eg    errgroup.Group
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			for _, j := range rand.Perm(n) {
				ok, err := s.Insert(ctx, Key(uint32(j)))
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					added++
					mu.Unlock()
				}
				if _, err := s.RangeSummary(ctx, types.FullRange()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, n, added)
	sum, err := s.RangeSummary(ctx, types.FullRange())
	require.NoError(t, err)
	require.Equal(t, n, sum.Count)
}
