package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/log/logtest"
	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/rangesync"
	"github.com/spacemeshos/go-recon/recon/store/memstore"
	"github.com/spacemeshos/go-recon/recon/store/storetest"
	"github.com/spacemeshos/go-recon/recon/types"
)

type countingTarget struct {
	Target
	contains   atomic.Int32
	insertMany atomic.Int32
}

func (ct *countingTarget) Contains(ctx context.Context, k types.KeyBytes) (bool, error) {
	ct.contains.Add(1)
	return ct.Target.Contains(ctx, k)
}

func (ct *countingTarget) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	ct.insertMany.Add(1)
	return ct.Target.InsertMany(ctx, keys)
}

func keys(lo, hi uint32) []types.KeyBytes {
	var r []types.KeyBytes
	for n := lo; n < hi; n++ {
		r = append(r, storetest.Key(n))
	}
	return r
}

func startProducer(t *testing.T, target Target, cfg Config) *Producer {
	p := New(target, WithLogger(logtest.New(t)), WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error {
		return p.Run(ctx)
	})
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return p
}

func TestProducer(t *testing.T) {
	ctx := context.Background()
	r := rangesync.New("model", memstore.New[ahash.Sha256a](), interest.FullInterests{})
	_, err := r.Insert(ctx, storetest.Key(0))
	require.NoError(t, err)
	target := &countingTarget{Target: r}
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	p := startProducer(t, target, cfg)

	require.NoError(t, p.Add(ctx, keys(0, 100)...))
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Added+s.Duplicates+s.Skipped == 100
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, Stats{Added: 99, Duplicates: 1}, p.Stats())
	n, err := r.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	// the keys are seen now, only their presence is checked and the target
	// is never asked to insert them
	before := target.contains.Load()
	inserts := target.insertMany.Load()
	require.NoError(t, p.Add(ctx, keys(0, 50)...))
	require.Eventually(t, func() bool {
		return p.Stats().Skipped == 50
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(50), target.contains.Load()-before)
	require.Equal(t, inserts, target.insertMany.Load())
	require.Equal(t, 99, p.Stats().Added)

	require.Error(t, p.Add(ctx, types.KeyBytes{}))
}

type forgetfulTarget struct {
	Target
}

func (forgetfulTarget) Contains(context.Context, types.KeyBytes) (bool, error) {
	return false, nil
}

func TestProducerFilterFalsePositive(t *testing.T) {
	ctx := context.Background()
	r := rangesync.New("model", memstore.New[ahash.Sha256a](), interest.FullInterests{})
	// the key is in the filter but the target doesn't have it
	p := startProducer(t, forgetfulTarget{Target: r}, DefaultConfig())
	require.NoError(t, p.Add(ctx, storetest.Key(1)))
	require.Eventually(t, func() bool {
		return p.Stats().Added == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, p.Add(ctx, storetest.Key(1)))
	require.Eventually(t, func() bool {
		return p.Stats().Duplicates == 1
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, p.Stats().Skipped)
}

type failingTarget struct {
	Target
	failures atomic.Int32
}

func (ft *failingTarget) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	if ft.failures.Add(-1) >= 0 {
		return 0, errors.New("disk full")
	}
	return ft.Target.InsertMany(ctx, keys)
}

func TestProducerRetriesFailedBatch(t *testing.T) {
	ctx := context.Background()
	r := rangesync.New("model", memstore.New[ahash.Sha256a](), interest.FullInterests{})
	target := &failingTarget{Target: r}
	target.failures.Store(2)
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	p := startProducer(t, target, cfg)

	require.NoError(t, p.Add(ctx, storetest.Key(1)))
	require.Eventually(t, func() bool {
		return p.Stats().Added == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, Stats{Added: 1, Failures: 2}, p.Stats())
	found, err := r.Contains(ctx, storetest.Key(1))
	require.NoError(t, err)
	require.True(t, found)

	// the key is marked as seen once it's stored
	require.NoError(t, p.Add(ctx, storetest.Key(1)))
	require.Eventually(t, func() bool {
		return p.Stats().Skipped == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProducerFilterReset(t *testing.T) {
	ctx := context.Background()
	r := rangesync.New("model", memstore.New[ahash.Sha256a](), interest.FullInterests{})
	cfg := DefaultConfig()
	cfg.ExpectedKeys = 10
	p := startProducer(t, r, cfg)
	require.NoError(t, p.Add(ctx, keys(0, 25)...))
	require.Eventually(t, func() bool {
		return p.Stats().Added == 25
	}, time.Second, 10*time.Millisecond)
	p.mu.Lock()
	require.Equal(t, uint(5), p.count)
	p.mu.Unlock()
}

func TestProducerStopped(t *testing.T) {
	r := rangesync.New("model", memstore.New[ahash.Sha256a](), interest.FullInterests{})
	cfg := DefaultConfig()
	cfg.QueueSize = 0
	p := New(r, WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	require.ErrorIs(t, p.Add(context.Background(), storetest.Key(1)), ErrStopped)

	p = New(r, WithConfig(cfg))
	require.ErrorIs(t, p.Add(ctx, storetest.Key(1)), context.Canceled)
}
