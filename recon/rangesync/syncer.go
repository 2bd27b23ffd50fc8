package rangesync

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeerSyncer reconciles a topic against a single peer.
type PeerSyncer interface {
	Topic() string
	Sync(ctx context.Context, p peer.ID) (SyncResult, error)
}

// PeerLister lists the connected peers.
type PeerLister interface {
	Peers() []peer.ID
}

// SyncerOpt configures a Syncer.
type SyncerOpt func(*Syncer)

// WithSyncerLogger specifies the logger for the Syncer.
func WithSyncerLogger(logger *zap.Logger) SyncerOpt {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithSyncInterval specifies the pause between the sync rounds.
func WithSyncInterval(d time.Duration) SyncerOpt {
	return func(s *Syncer) {
		s.interval = d
	}
}

// WithSyncTimeout specifies the timeout of a single session.
func WithSyncTimeout(d time.Duration) SyncerOpt {
	return func(s *Syncer) {
		s.timeout = d
	}
}

// WithMaxParallelPeers limits the number of peers synced at the same time.
func WithMaxParallelPeers(n int) SyncerOpt {
	return func(s *Syncer) {
		s.maxParallel = n
	}
}

func withClock(clock clockwork.Clock) SyncerOpt {
	return func(s *Syncer) {
		s.clock = clock
	}
}

// Syncer periodically reconciles the topics against every connected peer.
// The topics are synced in order, so that e.g. the interests are converged
// before the keys they select.
type Syncer struct {
	logger      *zap.Logger
	clock       clockwork.Clock
	interval    time.Duration
	timeout     time.Duration
	maxParallel int
	peers       PeerLister
	syncers     []PeerSyncer
}

// NewSyncer creates a Syncer for the topics.
func NewSyncer(peers PeerLister, syncers []PeerSyncer, opts ...SyncerOpt) *Syncer {
	s := &Syncer{
		logger:      zap.NewNop(),
		clock:       clockwork.NewRealClock(),
		interval:    DefaultSyncInterval,
		timeout:     DefaultTimeout,
		maxParallel: 8,
		peers:       peers,
		syncers:     syncers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run syncs with the peers every sync interval until the context is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		s.SyncOnce(ctx)
		s.logger.Debug("pausing sync", zap.Duration("interval", s.interval))
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}

// SyncOnce syncs every topic with every connected peer. A failed session
// doesn't prevent the remaining ones. It returns the number of successful
// sessions.
func (s *Syncer) SyncOnce(ctx context.Context) int {
	peers := s.peers.Peers()
	if len(peers) == 0 {
		s.logger.Debug("no peers to sync with")
		return 0
	}
	var eg errgroup.Group
	eg.SetLimit(s.maxParallel)
	results := make([]int, len(peers))
	for i, p := range peers {
		eg.Go(func() error {
			results[i] = s.syncPeer(ctx, p)
			return nil
		})
	}
	eg.Wait()
	n := 0
	for _, r := range results {
		n += r
	}
	return n
}

func (s *Syncer) syncPeer(ctx context.Context, p peer.ID) int {
	n := 0
	for _, ps := range s.syncers {
		if ctx.Err() != nil {
			break
		}
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := ps.Sync(sctx, p)
		cancel()
		logger := s.logger.With(zap.String("topic", ps.Topic()), zap.Stringer("peer", p))
		switch {
		case errors.Is(err, ErrUnknownTopic):
			logger.Debug("peer doesn't sync the topic")
		case errors.Is(err, context.Canceled):
		case err != nil:
			logger.Warn("sync failed", zap.Error(err))
		default:
			n++
			logger.Debug("synced", zap.Object("result", res))
		}
	}
	return n
}
