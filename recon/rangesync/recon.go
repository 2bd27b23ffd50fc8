// Package rangesync implements range-based set reconciliation of the keys of
// a single topic between two peers.
//
// Each peer summarizes a key range by the associative hash of its keys and the
// key count. Ranges with differing summaries are split into parts, and small
// ranges are reconciled by exchanging the keys, so the amount of data sent is
// proportional to the difference between the sets rather than to their size.
package rangesync

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/store"
	"github.com/spacemeshos/go-recon/recon/types"
)

type config struct {
	logger            *zap.Logger
	leafThreshold     int
	splitParts        int
	maxKeysPerMessage int
	maxRounds         int
}

// Option configures the reconciliation engine.
type Option func(*config)

// WithLogger specifies the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithLeafThreshold sets the number of keys at or below which a mismatched
// range is reconciled by exchanging its keys instead of splitting it further.
// The threshold is capped by the number of keys per message.
func WithLeafThreshold(n int) Option {
	return func(c *config) {
		c.leafThreshold = n
	}
}

// WithSplitParts sets the number of parts a mismatched range is split into.
func WithSplitParts(n int) Option {
	return func(c *config) {
		c.splitParts = n
	}
}

// WithMaxKeysPerMessage sets the maximum number of keys in a single message.
func WithMaxKeysPerMessage(n int) Option {
	return func(c *config) {
		c.maxKeysPerMessage = n
	}
}

// WithMaxRounds sets the maximum number of rounds in a session.
func WithMaxRounds(n int) Option {
	return func(c *config) {
		c.maxRounds = n
	}
}

func (c *config) normalize() {
	c.maxKeysPerMessage = min(max(c.maxKeysPerMessage, 1), MaxKeysPerMessage)
	c.leafThreshold = min(max(c.leafThreshold, 1), c.maxKeysPerMessage)
	c.splitParts = min(max(c.splitParts, 2), MaxSplitParts)
	if c.maxRounds <= 0 {
		c.maxRounds = DefaultMaxRounds
	}
}

// Recon is the reconciliation engine of a single topic. It owns the Store of
// the topic and serializes all access to it.
type Recon[H ahash.AssociativeHash[H]] struct {
	cfg       config
	logger    *zap.Logger
	topic     string
	interests interest.Provider
	tracker   *tracker

	mu    sync.Mutex
	store store.Store[H]
}

// New creates the engine for the topic. The engine becomes the only user of
// the store.
func New[H ahash.AssociativeHash[H]](
	topic string,
	s store.Store[H],
	interests interest.Provider,
	opts ...Option,
) *Recon[H] {
	if ahash.Size[H]() != HashSize {
		panic(fmt.Sprintf("BUG: unsupported hash size %d", ahash.Size[H]()))
	}
	cfg := config{
		logger:            zap.NewNop(),
		leafThreshold:     DefaultLeafThreshold,
		splitParts:        DefaultSplitParts,
		maxKeysPerMessage: DefaultMaxKeysPerMessage,
		maxRounds:         DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	return &Recon[H]{
		cfg:       cfg,
		logger:    cfg.logger.With(zap.String("topic", topic)),
		topic:     topic,
		interests: interests,
		tracker:   newTracker(topic),
		store:     s,
	}
}

// Topic returns the topic of the engine.
func (r *Recon[H]) Topic() string {
	return r.topic
}

func checkKey(k types.KeyBytes) error {
	if len(k) == 0 || len(k) > MaxKeySize {
		return fmt.Errorf("bad key length %d", len(k))
	}
	return nil
}

// Insert adds a key learned out of band, returning true if it's new.
func (r *Recon[H]) Insert(ctx context.Context, k types.KeyBytes) (bool, error) {
	if err := checkKey(k); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Insert(ctx, k)
}

// InsertMany adds the keys learned out of band holding the lock once,
// returning the number of new ones. No key is inserted if any of them is
// malformed.
func (r *Recon[H]) InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error) {
	for _, k := range keys {
		if err := checkKey(k); err != nil {
			return 0, err
		}
	}
	return r.insertKeys(ctx, keys)
}

// Contains returns true if the key is present.
func (r *Recon[H]) Contains(ctx context.Context, k types.KeyBytes) (bool, error) {
	if len(k) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found, err := r.store.KeyAt(ctx, types.NewRange(k, append(k.Clone(), 0)), 0)
	if err != nil {
		return false, err
	}
	return found != nil, nil
}

// RangeKeys returns up to limit keys in the range, negative limit meaning no
// limit. It provides a read-only view of the keys, e.g. for interest providers.
func (r *Recon[H]) RangeKeys(ctx context.Context, rng types.Range, limit int) ([]types.KeyBytes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.RangeKeys(ctx, rng, limit)
}

// Summary returns the summary of the range.
func (r *Recon[H]) Summary(ctx context.Context, rng types.Range) (store.Summary[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.RangeSummary(ctx, rng)
}

// Len returns the number of keys.
func (r *Recon[H]) Len(ctx context.Context) (int, error) {
	s, err := r.Summary(ctx, types.FullRange())
	return s.Count, err
}

// split returns the boundaries splitting the range with count keys into
// parts of roughly equal size.
func (r *Recon[H]) split(ctx context.Context, rng types.Range, count int) ([]types.KeyBytes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := min(r.cfg.splitParts, count)
	var bounds []types.KeyBytes
	for i := 1; i < parts; i++ {
		k, err := r.store.KeyAt(ctx, rng, count*i/parts)
		if err != nil {
			return nil, err
		}
		if k == nil {
			// the range shrank, which can't happen as keys are never removed
			return nil, fmt.Errorf("no key at %d in %s", count*i/parts, rng)
		}
		if n := len(bounds); n == 0 || bounds[n-1].Compare(k) < 0 {
			bounds = append(bounds, k)
		}
	}
	return bounds, nil
}

// insertKeys inserts the keys as a single batch if the store supports it,
// returning the number of new ones.
func (r *Recon[H]) insertKeys(ctx context.Context, keys []types.KeyBytes) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.InsertMany(ctx, r.store, keys)
}

// InterestRequest returns the message opening a session with the local
// interests.
func (r *Recon[H]) InterestRequest(ctx context.Context) (*InterestRequestMessage, error) {
	rs, err := r.interests.IsOfInterest(ctx, types.FullRange())
	if err != nil {
		return nil, fmt.Errorf("get interests: %w", err)
	}
	return &InterestRequestMessage{Topic: r.topic, Ranges: interest.Merge(rs)}, nil
}

func (r *Recon[H]) newSession(role string, c Conduit) *session[H] {
	return &session[H]{
		r:       r,
		role:    role,
		c:       c,
		logger:  r.logger.With(zap.String("role", role), zap.String("session", uuid.NewString())),
		pending: make(map[string]pendingRange),
	}
}

// Sync runs a session as the initiator over the stream, sending the interest
// request as the first message.
func (r *Recon[H]) Sync(ctx context.Context, rw io.ReadWriter) (SyncResult, error) {
	req, err := r.InterestRequest(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	c := newWireConduit(rw)
	if err := c.Send(req); err != nil {
		return SyncResult{}, fmt.Errorf("send interest request: %w", err)
	}
	if err := c.Send(&EndRoundMessage{}); err != nil {
		return SyncResult{}, fmt.Errorf("send interest request: %w", err)
	}
	if err := c.Flush(); err != nil {
		return SyncResult{}, fmt.Errorf("send interest request: %w", err)
	}
	return r.syncWithRequest(ctx, c, req, 2)
}

// syncWithRequest runs a session as the initiator after the interest request
// has been sent using the specified number of messages.
func (r *Recon[H]) syncWithRequest(
	ctx context.Context,
	c Conduit,
	req *InterestRequestMessage,
	sent int,
) (SyncResult, error) {
	start := time.Now()
	s := r.newSession(roleInitiator, c)
	s.result.MessagesSent = sent
	err := s.runInitiator(ctx, req.Ranges)
	r.tracker.sessionDone(roleInitiator, start, err)
	s.logResult(err)
	return s.result, err
}

// Serve runs a session as the responder. If initReq is empty, the interest
// request is read from the stream.
func (r *Recon[H]) Serve(ctx context.Context, initReq []byte, rw io.ReadWriter) error {
	_, err := r.ServeWithResult(ctx, initReq, rw)
	return err
}

// ServeWithResult is the same as Serve but also returns the session stats.
func (r *Recon[H]) ServeWithResult(ctx context.Context, initReq []byte, rw io.ReadWriter) (SyncResult, error) {
	start := time.Now()
	c := newWireConduit(rw)
	s := r.newSession(roleResponder, c)
	var (
		req *InterestRequestMessage
		err error
	)
	if len(initReq) != 0 {
		req, err = DecodeInitialRequest(initReq)
		s.result.MessagesReceived++
	} else {
		req, err = s.receiveInterestRequest(ctx)
	}
	if err == nil {
		err = s.runResponder(ctx, req)
	}
	r.tracker.sessionDone(roleResponder, start, err)
	s.logResult(err)
	return s.result, err
}
