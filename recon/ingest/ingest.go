// Package ingest feeds the keys learned out of band, e.g. from local clients
// or gossip, into a reconciliation engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-recon/recon/rangesync"
	"github.com/spacemeshos/go-recon/recon/types"
)

// ErrStopped is returned by Add after the producer has stopped.
var ErrStopped = errors.New("producer stopped")

// Target is the engine receiving the keys.
type Target interface {
	InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error)
	Contains(ctx context.Context, k types.KeyBytes) (bool, error)
}

// Config configures the Producer.
type Config struct {
	// ExpectedKeys is the number of keys the seen-filter is sized for.
	// The filter is reset after this many keys.
	ExpectedKeys uint `mapstructure:"expected-keys"`
	// FalsePositiveRate of the seen-filter.
	FalsePositiveRate float64 `mapstructure:"false-positive-rate"`
	// BatchSize is the maximum number of keys inserted at once.
	BatchSize int `mapstructure:"batch-size"`
	// QueueSize is the number of keys buffered before Add blocks.
	QueueSize int `mapstructure:"queue-size"`
	// RetryInterval is the delay before a batch that failed to be inserted
	// is retried.
	RetryInterval time.Duration `mapstructure:"retry-interval"`
}

// DefaultConfig returns the default Producer configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedKeys:      100_000,
		FalsePositiveRate: 0.01,
		BatchSize:         256,
		QueueSize:         4096,
		RetryInterval:     time.Second,
	}
}

// Opt configures the Producer.
type Opt func(*Producer)

// WithLogger specifies the logger for the Producer.
func WithLogger(logger *zap.Logger) Opt {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithConfig specifies the Producer configuration.
func WithConfig(cfg Config) Opt {
	return func(p *Producer) {
		p.cfg = cfg
	}
}

// WithClock specifies the clock used to wait before retrying a failed batch.
func WithClock(clock clockwork.Clock) Opt {
	return func(p *Producer) {
		p.clock = clock
	}
}

// Stats are the Producer counters.
type Stats struct {
	// Added is the number of keys that were new to the target.
	Added int
	// Duplicates is the number of keys the target already had.
	Duplicates int
	// Skipped is the number of keys dropped by the seen-filter without
	// inserting them.
	Skipped int
	// Failures is the number of failed attempts to insert a batch.
	Failures int
}

// Producer batches the keys and inserts them into the target.
// Recently ingested keys are remembered in a bloom filter. When the filter
// reports a key as seen, the producer only confirms with Contains instead of
// inserting it, so a false positive never loses a key, and a batch of keys
// that are all present already never reaches InsertMany.
// A batch that fails to be inserted is retried until it succeeds or the
// producer is stopped. No new keys are taken from the queue meanwhile, so Add
// blocks once the queue fills up.
type Producer struct {
	logger  *zap.Logger
	clock   clockwork.Clock
	cfg     Config
	target  Target
	queue   chan types.KeyBytes
	stopped chan struct{}

	mu    sync.Mutex
	seen  *bloom.BloomFilter
	count uint
	stats Stats
}

// New creates a Producer for the target.
func New(target Target, opts ...Opt) *Producer {
	p := &Producer{
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		cfg:     DefaultConfig(),
		target:  target,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cfg.BatchSize = max(p.cfg.BatchSize, 1)
	p.cfg.ExpectedKeys = max(p.cfg.ExpectedKeys, 1)
	p.queue = make(chan types.KeyBytes, max(p.cfg.QueueSize, 0))
	p.resetFilter()
	return p
}

func (p *Producer) resetFilter() {
	p.seen = bloom.NewWithEstimates(p.cfg.ExpectedKeys, p.cfg.FalsePositiveRate)
	p.count = 0
}

// Add queues the keys for insertion. It blocks while the queue is full.
func (p *Producer) Add(ctx context.Context, keys ...types.KeyBytes) error {
	for _, k := range keys {
		if len(k) == 0 || len(k) > rangesync.MaxKeySize {
			return fmt.Errorf("bad key length %d", len(k))
		}
	}
	for _, k := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopped:
			return ErrStopped
		case p.queue <- k:
		}
	}
	return nil
}

// Stats returns the counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run inserts the queued keys until the context is canceled.
func (p *Producer) Run(ctx context.Context) error {
	defer close(p.stopped)
	batch := make([]types.KeyBytes, 0, p.cfg.BatchSize)
	for {
		batch = batch[:0]
		select {
		case <-ctx.Done():
			return nil
		case k := <-p.queue:
			batch = append(batch, k)
		}
	drain:
		for len(batch) < p.cfg.BatchSize {
			select {
			case k := <-p.queue:
				batch = append(batch, k)
			default:
				break drain
			}
		}
		for {
			err := p.ingest(ctx, batch)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			p.mu.Lock()
			p.stats.Failures++
			p.mu.Unlock()
			p.logger.Error("failed to ingest keys, retrying",
				zap.Int("count", len(batch)),
				zap.Duration("retry_interval", p.cfg.RetryInterval),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(p.cfg.RetryInterval):
			}
		}
	}
}

// ingest inserts the batch, skipping the keys already present.
func (p *Producer) ingest(ctx context.Context, batch []types.KeyBytes) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fresh []types.KeyBytes
	skipped := 0
	for _, k := range batch {
		if p.seen.Test(k) {
			found, err := p.target.Contains(ctx, k)
			if err != nil {
				return fmt.Errorf("check key %s: %w", k.ShortString(), err)
			}
			if found {
				skipped++
				continue
			}
		}
		fresh = append(fresh, k)
	}
	added := 0
	if len(fresh) != 0 {
		var err error
		added, err = p.target.InsertMany(ctx, fresh)
		if err != nil {
			return fmt.Errorf("insert keys: %w", err)
		}
	}
	for _, k := range fresh {
		if p.count >= p.cfg.ExpectedKeys {
			p.logger.Debug("resetting seen-filter", zap.Uint("count", p.count))
			p.resetFilter()
		}
		p.seen.Add(k)
		p.count++
	}
	p.stats.Added += added
	p.stats.Duplicates += len(fresh) - added
	p.stats.Skipped += skipped
	p.logger.Debug("ingested keys",
		zap.Int("batch", len(batch)),
		zap.Int("added", added),
		zap.Int("skipped", skipped))
	return nil
}
