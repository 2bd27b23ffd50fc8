// Package server runs request handlers on libp2p streams.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-varint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/go-recon/log"
	"github.com/spacemeshos/go-recon/metrics"
)

var (
	// ErrNotConnected is returned when peer is not connected.
	ErrNotConnected = errors.New("peer is not connected")
	// ErrRequestTooLarge is returned when the initial request exceeds the limit.
	ErrRequestTooLarge = errors.New("request too large")
)

// Opt is a type to configure a server.
type Opt func(s *Server)

// WithTimeout configures stream timeout.
// The requests are terminated when no data is received or sent for
// the specified duration.
func WithTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		s.timeout = timeout
	}
}

// WithHardTimeout configures the hard timeout for requests.
// Requests are terminated if they take longer than the specified
// duration.
func WithHardTimeout(timeout time.Duration) Opt {
	return func(s *Server) {
		s.hardTimeout = timeout
	}
}

// WithLog configures logger for the server.
func WithLog(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRequestSizeLimit limits the size of the initial request.
func WithRequestSizeLimit(limit int) Opt {
	return func(s *Server) {
		s.requestLimit = limit
	}
}

// WithMetrics will enable metrics collection in the server.
func WithMetrics() Opt {
	return func(s *Server) {
		s.metrics = newTracker(s.protocol)
	}
}

// WithQueueSize parametrize number of message that will be kept in queue
// and eventually processed by server. Otherwise stream is closed immediately.
//
// Defaults to 1000.
func WithQueueSize(size int) Opt {
	return func(s *Server) {
		s.queueSize = size
	}
}

// WithRequestsPerInterval parametrizes server rate limit to limit maximum amount of bandwidth
// that this handler can consume.
//
// Defaults to 100 requests per second.
func WithRequestsPerInterval(n int, interval time.Duration) Opt {
	return func(s *Server) {
		s.requestsPerInterval = n
		s.interval = interval
	}
}

// StreamHandler handles a request. The initial request is passed as a byte
// slice, the rest of the exchange happens over the stream.
type StreamHandler func(context.Context, []byte, io.ReadWriter) error

// StreamRequestCallback is a function that executes a streamed request.
type StreamRequestCallback func(context.Context, io.ReadWriter) error

// Host is a subset of libp2p Host interface that needs to be implemented to be usable with server.
type Host interface {
	SetStreamHandler(protocol.ID, network.StreamHandler)
	NewStream(context.Context, peer.ID, ...protocol.ID) (network.Stream, error)
	Network() network.Network
}

type peerIDKey struct{}

// WithPeerID returns a context carrying the ID of the peer being served.
func WithPeerID(ctx context.Context, peerID peer.ID) context.Context {
	return context.WithValue(ctx, peerIDKey{}, peerID)
}

// ContextPeerID retrieves the ID of the peer being served from the context and a boolean
// value indicating that the context contains peer ID. If there's no peer ID associated
// with the context, the function returns an empty peer ID and false.
func ContextPeerID(ctx context.Context) (peer.ID, bool) {
	if v := ctx.Value(peerIDKey{}); v != nil {
		return v.(peer.ID), true
	}
	return peer.ID(""), false
}

// Server for the Handler.
type Server struct {
	logger              *zap.Logger
	protocol            string
	handler             StreamHandler
	timeout             time.Duration
	hardTimeout         time.Duration
	requestLimit        int
	queueSize           int
	requestsPerInterval int
	interval            time.Duration

	metrics *tracker // metrics can be nil

	h Host
}

// New server for the handler.
func New(h Host, proto string, handler StreamHandler, opts ...Opt) *Server {
	srv := &Server{
		logger:              zap.NewNop(),
		protocol:            proto,
		handler:             handler,
		h:                   h,
		timeout:             25 * time.Second,
		hardTimeout:         5 * time.Minute,
		requestLimit:        10240,
		queueSize:           1000,
		requestsPerInterval: 100,
		interval:            time.Second,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

type request struct {
	stream   network.Stream
	received time.Time
}

// Run serves the incoming streams until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	limit := rate.NewLimiter(rate.Every(s.interval/time.Duration(s.requestsPerInterval)), s.requestsPerInterval)
	queue := make(chan request, s.queueSize)
	if s.metrics != nil {
		s.metrics.targetQueue.Set(float64(s.queueSize))
		s.metrics.targetRps.Set(float64(limit.Limit()))
	}
	s.h.SetStreamHandler(protocol.ID(s.protocol), func(stream network.Stream) {
		select {
		case queue <- request{stream: stream, received: time.Now()}:
			if s.metrics != nil {
				s.metrics.queue.Set(float64(len(queue)))
				s.metrics.accepted.Inc()
			}
		default:
			if s.metrics != nil {
				s.metrics.dropped.Inc()
			}
			stream.Close()
		}
	})

	var eg errgroup.Group
	eg.SetLimit(s.queueSize)
	for {
		select {
		case <-ctx.Done():
			eg.Wait()
			return nil
		case req := <-queue:
			if s.metrics != nil {
				s.metrics.inQueueLatency.Observe(time.Since(req.received).Seconds())
			}
			if err := limit.Wait(ctx); err != nil {
				req.stream.Close()
				eg.Wait()
				return nil
			}
			eg.Go(func() error {
				ok := s.queueHandler(ctx, req.stream)
				if s.metrics != nil {
					s.metrics.serverLatency.Observe(time.Since(req.received).Seconds())
					if ok {
						s.metrics.completed.Inc()
					} else {
						s.metrics.failed.Inc()
					}
				}
				return nil
			})
		}
	}
}

func (s *Server) queueHandler(ctx context.Context, stream network.Stream) bool {
	peerID := stream.Conn().RemotePeer()
	logger := s.logger.With(
		zap.String("protocol", s.protocol),
		zap.Stringer("remotePeer", peerID),
		zap.Stringer("remoteMultiaddr", stream.Conn().RemoteMultiaddr()),
	)
	dadj := newDeadlineAdjuster(stream, logger, s.timeout, s.hardTimeout)
	defer dadj.Close()
	rd := bufio.NewReader(dadj)
	buf, err := ReadRequest(rd, s.requestLimit)
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		logger.Warn("request limit overflow", zap.Int("limit", s.requestLimit), zap.Error(err))
		stream.Conn().Close()
		return false
	case err != nil:
		logger.Debug("initial read failed", zap.Error(err))
		return false
	}
	start := time.Now()
	ctx = log.WithNewRequestID(WithPeerID(ctx, peerID))
	// the handler must read from the buffered reader as it may hold the
	// beginning of the exchange
	if err = s.handler(ctx, buf, &bufferedStream{Reader: rd, Writer: dadj}); err != nil {
		logger.Debug("handler reported error", log.ZContext(ctx), zap.Error(err))
		return false
	}
	logger.Debug("protocol handler execution time",
		log.ZContext(ctx),
		zap.Duration("duration", time.Since(start)),
	)
	return true
}

type bufferedStream struct {
	io.Reader
	io.Writer
}

// StreamRequest sends a binary request to the peer. The response is read from the stream
// by the specified callback.
func (s *Server) StreamRequest(
	ctx context.Context,
	pid peer.ID,
	req []byte,
	callback StreamRequestCallback,
	extraProtocols ...string,
) error {
	start := time.Now()
	if len(req) > s.requestLimit {
		return fmt.Errorf("request length (%d) is longer than limit %d", len(req), s.requestLimit)
	}
	if s.h.Network().Connectedness(pid) != network.Connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, pid)
	}

	ctx, cancel := context.WithTimeout(ctx, s.hardTimeout)
	defer cancel()
	stream, err := s.streamRequest(ctx, pid, req, extraProtocols...)
	if err == nil {
		err = callback(ctx, stream)
		stream.Close()
		s.logger.Debug("request execution time",
			zap.String("protocol", s.protocol),
			zap.Stringer("peer", pid),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}

	took := time.Since(start).Seconds()
	switch {
	case s.metrics == nil:
	case err != nil:
		s.metrics.clientFailed.Inc()
		s.metrics.clientLatencyFailure.Observe(took)
	default:
		s.metrics.clientSucceeded.Inc()
		s.metrics.clientLatency.Observe(took)
	}
	return err
}

func (s *Server) streamRequest(
	ctx context.Context,
	pid peer.ID,
	req []byte,
	extraProtocols ...string,
) (stm io.ReadWriteCloser, err error) {
	protoIDs := make([]protocol.ID, len(extraProtocols)+1)
	for n, p := range extraProtocols {
		protoIDs[n] = protocol.ID(p)
	}
	protoIDs[len(extraProtocols)] = protocol.ID(s.protocol)
	stream, err := s.h.NewStream(
		network.WithNoDial(ctx, "existing connection"),
		pid,
		protoIDs...,
	)
	if err != nil {
		return nil, err
	}
	dadj := newDeadlineAdjuster(stream, s.logger.With(zap.Stringer("peer", pid)), s.timeout, s.hardTimeout)
	defer func() {
		if err != nil {
			dadj.Close()
		}
	}()
	if err := WriteRequest(dadj, req); err != nil {
		return nil, fmt.Errorf("peer %s address %s: %w",
			pid, stream.Conn().RemoteMultiaddr(), err)
	}
	return dadj, nil
}

// WriteRequest writes the length-prefixed initial request to the stream.
func WriteRequest(w io.Writer, req []byte) error {
	wr := bufio.NewWriter(w)
	if _, err := wr.Write(varint.ToUvarint(uint64(len(req)))); err != nil {
		return err
	}
	if _, err := wr.Write(req); err != nil {
		return err
	}
	return wr.Flush()
}

// ReadRequest reads the length-prefixed initial request from the stream.
func ReadRequest(rd *bufio.Reader, limit int) ([]byte, error) {
	size, err := varint.ReadUvarint(rd)
	if err != nil {
		return nil, err
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrRequestTooLarge, size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, fmt.Errorf("error reading request: %w", err)
	}
	return buf, nil
}

// NumAcceptedRequests returns the number of accepted requests for this server.
// It is used for testing.
func (s *Server) NumAcceptedRequests() int {
	if s.metrics == nil {
		return -1
	}
	return metrics.CounterValue(s.metrics.accepted)
}
