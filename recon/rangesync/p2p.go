package rangesync

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-recon/p2p/server"
	"github.com/spacemeshos/go-recon/recon/ahash"
)

// Requester opens streams to the peers.
type Requester interface {
	StreamRequest(context.Context, peer.ID, []byte, server.StreamRequestCallback, ...string) error
}

// PairwiseSyncer runs sessions of a single engine against remote peers.
type PairwiseSyncer[H ahash.AssociativeHash[H]] struct {
	r         *Recon[H]
	requester Requester
}

// NewPairwiseSyncer creates a PairwiseSyncer for the engine.
func NewPairwiseSyncer[H ahash.AssociativeHash[H]](r *Recon[H], requester Requester) *PairwiseSyncer[H] {
	return &PairwiseSyncer[H]{r: r, requester: requester}
}

// Topic returns the topic of the engine.
func (ps *PairwiseSyncer[H]) Topic() string {
	return ps.r.Topic()
}

// Sync reconciles the engine's keys with the peer. The interest request is
// passed as the initial request of the stream.
func (ps *PairwiseSyncer[H]) Sync(ctx context.Context, p peer.ID) (SyncResult, error) {
	req, err := ps.r.InterestRequest(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	initReq, err := EncodeInitialRequest(req)
	if err != nil {
		return SyncResult{}, fmt.Errorf("encode interest request: %w", err)
	}
	var res SyncResult
	if err := ps.requester.StreamRequest(
		ctx, p, initReq,
		func(ctx context.Context, stream io.ReadWriter) error {
			res, err = ps.r.syncWithRequest(ctx, newWireConduit(stream), req, 1)
			return err
		},
	); err != nil {
		return res, fmt.Errorf("sync %s with %s: %w", ps.r.Topic(), p, err)
	}
	return res, nil
}

// Responder serves the sessions of a single topic.
type Responder interface {
	Topic() string
	Serve(ctx context.Context, initReq []byte, rw io.ReadWriter) error
}

// Dispatcher routes the incoming sessions to the responders by the topic of
// their interest request.
type Dispatcher struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	responders map[string]Responder
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:     logger,
		responders: make(map[string]Responder),
	}
}

// Register adds the responder, replacing the one with the same topic.
func (d *Dispatcher) Register(r Responder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responders[r.Topic()] = r
}

// Handle serves the session. It has the signature of server.StreamHandler.
func (d *Dispatcher) Handle(ctx context.Context, initReq []byte, stream io.ReadWriter) error {
	req, err := DecodeInitialRequest(initReq)
	if err != nil {
		return err
	}
	d.mu.RLock()
	r, found := d.responders[req.Topic]
	d.mu.RUnlock()
	if found {
		return r.Serve(ctx, initReq, stream)
	}

	peerID, _ := server.ContextPeerID(ctx)
	d.logger.Debug("session for unknown topic",
		zap.String("topic", req.Topic),
		zap.Stringer("peer", peerID))
	c := newWireConduit(stream)
	for _, m := range []SyncMessage{&InterestResponseMessage{UnknownTopic: true}, &DoneMessage{}} {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	if err := c.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownTopic, req.Topic)
}
