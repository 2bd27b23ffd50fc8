// Package muxnet connects peers over plain TCP, multiplexing the request
// streams of each connection with yamux. It is a lightweight alternative to
// the libp2p host for private deployments.
package muxnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/andydunstall/yamux"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/log"
	"github.com/spacemeshos/go-recon/p2p/server"
)

const (
	maxIDSize     = 256
	maxHeaderSize = 1024
)

// ErrClosed is returned when the network is closed.
var ErrClosed = errors.New("network closed")

// Opt configures a Network.
type Opt func(*Network)

// WithLog specifies the logger for the network.
func WithLog(logger *zap.Logger) Opt {
	return func(n *Network) {
		n.logger = logger
	}
}

// WithTimeout limits the duration of a single request, for both served and
// initiated requests.
func WithTimeout(d time.Duration) Opt {
	return func(n *Network) {
		n.timeout = d
	}
}

// WithRequestSizeLimit limits the size of the initial request.
func WithRequestSizeLimit(limit int) Opt {
	return func(n *Network) {
		n.requestLimit = limit
	}
}

// Network maintains yamux sessions with the peers it is connected to.
type Network struct {
	logger       *zap.Logger
	id           peer.ID
	timeout      time.Duration
	requestLimit int
	metrics      *tracker

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	sessions map[peer.ID]*yamux.Session
	handlers map[string]server.StreamHandler
}

// New creates a Network identified by the specified peer ID.
func New(id peer.ID, opts ...Opt) *Network {
	n := &Network{
		logger:       zap.NewNop(),
		id:           id,
		timeout:      5 * time.Minute,
		requestLimit: 10240,
		metrics:      newTracker(),
		sessions:     make(map[peer.ID]*yamux.Session),
		handlers:     make(map[string]server.StreamHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n
}

// ID returns the local peer ID.
func (n *Network) ID() peer.ID {
	return n.id
}

// SetStreamHandler registers the handler for the protocol.
func (n *Network) SetStreamHandler(proto string, handler server.StreamHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[proto] = handler
}

func (n *Network) handler(protos []string) (string, server.StreamHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range protos {
		if h, found := n.handlers[p]; found {
			return p, h
		}
	}
	return "", nil
}

// Listen starts listening on the TCP address.
func (n *Network) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		l.Close()
		return ErrClosed
	}
	n.listener = l
	return nil
}

// Addr returns the listening address, or nil if the network isn't listening.
func (n *Network) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Run accepts the incoming connections until the context is canceled, then
// closes the network.
func (n *Network) Run(ctx context.Context) error {
	n.mu.Lock()
	l := n.listener
	n.mu.Unlock()
	if l == nil {
		<-ctx.Done()
		return n.Close()
	}
	stop := context.AfterFunc(ctx, func() { n.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return n.Close()
			}
			n.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if !n.spawn(func() {
			if _, err := n.setupSession(conn, false); err != nil {
				n.logger.Debug("incoming connection failed",
					zap.Stringer("remoteAddr", conn.RemoteAddr()),
					zap.Error(err))
			}
		}) {
			conn.Close()
		}
	}
}

// Connect dials the peer at the TCP address and returns its ID.
func (n *Network) Connect(ctx context.Context, addr string) (peer.ID, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	return n.setupSession(conn, true)
}

// handshake exchanges the peer IDs over the raw connection.
func (n *Network) handshake(conn net.Conn) (peer.ID, error) {
	conn.SetDeadline(time.Now().Add(n.timeout))
	defer conn.SetDeadline(time.Time{})
	if err := server.WriteRequest(conn, []byte(n.id)); err != nil {
		return "", fmt.Errorf("send peer ID: %w", err)
	}
	// no buffering as the yamux session takes over the connection afterwards
	b, err := server.ReadRequest(bufio.NewReaderSize(&byteReader{conn}, 16), maxIDSize)
	if err != nil {
		return "", fmt.Errorf("receive peer ID: %w", err)
	}
	pid := peer.ID(b)
	if pid == "" || pid == n.id {
		return "", fmt.Errorf("bad peer ID %q", pid)
	}
	return pid, nil
}

func (n *Network) setupSession(conn net.Conn, client bool) (peer.ID, error) {
	pid, err := n.handshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	cfg := yamux.DefaultConfig()
	cfg.Logger = zap.NewStdLog(n.logger.Named("yamux"))
	cfg.LogOutput = nil
	var sess *yamux.Session
	if client {
		sess, err = yamux.Client(conn, cfg)
	} else {
		sess, err = yamux.Server(conn, cfg)
	}
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("yamux session: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.closed:
		sess.Close()
		return "", ErrClosed
	case n.sessions[pid] != nil && !n.sessions[pid].IsClosed():
		// keep the established session
		sess.Close()
		return pid, nil
	}
	n.sessions[pid] = sess
	n.metrics.peers.Set(float64(len(n.sessions)))
	n.logger.Debug("peer connected",
		zap.Stringer("peer", pid),
		zap.Stringer("remoteAddr", conn.RemoteAddr()),
		zap.Bool("outbound", client))
	n.eg.Go(func() error {
		n.serveSession(pid, sess)
		return nil
	})
	return pid, nil
}

func (n *Network) serveSession(pid peer.ID, sess *yamux.Session) {
	defer n.dropSession(pid, sess)
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			n.logger.Debug("session closed", zap.Stringer("peer", pid), zap.Error(err))
			return
		}
		if !n.spawn(func() { n.serveStream(pid, stream) }) {
			stream.Close()
			return
		}
	}
}

func (n *Network) dropSession(pid peer.ID, sess *yamux.Session) {
	sess.Close()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sessions[pid] == sess {
		delete(n.sessions, pid)
		n.metrics.peers.Set(float64(len(n.sessions)))
	}
}

type bufferedStream struct {
	io.Reader
	io.Writer
}

func (n *Network) serveStream(pid peer.ID, stream *yamux.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(n.timeout))
	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	logger := n.logger.With(zap.Stringer("remotePeer", pid))
	rd := bufio.NewReader(stream)
	hdr, err := server.ReadRequest(rd, maxHeaderSize)
	if err != nil {
		logger.Debug("error reading stream header", zap.Error(err))
		n.metrics.served(false)
		return
	}
	proto, handler := n.handler(strings.Split(string(hdr), "\n"))
	if handler == nil {
		logger.Debug("no handler for the stream", zap.String("protocols", string(hdr)))
		n.metrics.served(false)
		return
	}
	logger = logger.With(zap.String("protocol", proto))
	req, err := server.ReadRequest(rd, n.requestLimit)
	if err != nil {
		logger.Debug("initial read failed", zap.Error(err))
		n.metrics.served(false)
		return
	}
	ctx = log.WithNewRequestID(server.WithPeerID(ctx, pid))
	if err := handler(ctx, req, &bufferedStream{Reader: rd, Writer: stream}); err != nil {
		logger.Debug("handler reported error", log.ZContext(ctx), zap.Error(err))
		n.metrics.served(false)
		return
	}
	n.metrics.served(true)
}

// Peers returns the IDs of the connected peers.
func (n *Network) Peers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]peer.ID, 0, len(n.sessions))
	for pid, sess := range n.sessions {
		if !sess.IsClosed() {
			peers = append(peers, pid)
		}
	}
	return peers
}

func (n *Network) streamRequest(
	ctx context.Context,
	pid peer.ID,
	protos []string,
	req []byte,
	callback server.StreamRequestCallback,
) error {
	if len(req) > n.requestLimit {
		return fmt.Errorf("request length (%d) is longer than limit %d", len(req), n.requestLimit)
	}
	n.mu.Lock()
	sess := n.sessions[pid]
	n.mu.Unlock()
	if sess == nil || sess.IsClosed() {
		return fmt.Errorf("%w: %s", server.ErrNotConnected, pid)
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", pid, err)
	}
	defer stream.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(n.timeout)
	}
	stream.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := server.WriteRequest(stream, []byte(strings.Join(protos, "\n"))); err != nil {
		return fmt.Errorf("send stream header to %s: %w", pid, err)
	}
	if err := server.WriteRequest(stream, req); err != nil {
		return fmt.Errorf("send request to %s: %w", pid, err)
	}
	return callback(ctx, stream)
}

// spawn runs f in the background unless the network is closed.
func (n *Network) spawn(f func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.eg.Go(func() error {
		f()
		return nil
	})
	return true
}

// Close closes the listener and all the sessions and waits for the handlers
// to finish.
func (n *Network) Close() error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		n.cancel()
		if n.listener != nil {
			n.listener.Close()
		}
		for _, sess := range n.sessions {
			sess.Close()
		}
	}
	n.mu.Unlock()
	n.eg.Wait()
	return nil
}

// Client returns a requester for the protocol.
func (n *Network) Client(proto string) *Client {
	return &Client{n: n, proto: proto}
}

// Client sends requests of a single protocol.
type Client struct {
	n     *Network
	proto string
}

// StreamRequest opens a stream to the peer and sends the initial request.
// The rest of the exchange is done by the callback. The extra protocols are
// preferred over the client's one if the peer supports them.
func (c *Client) StreamRequest(
	ctx context.Context,
	pid peer.ID,
	req []byte,
	callback server.StreamRequestCallback,
	extraProtocols ...string,
) error {
	start := time.Now()
	err := c.n.streamRequest(ctx, pid, append(extraProtocols, c.proto), req, callback)
	c.n.metrics.requested(c.proto, time.Since(start), err)
	c.n.logger.Debug("request execution time",
		zap.String("protocol", c.proto),
		zap.Stringer("peer", pid),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

// byteReader reads the connection one byte at a time so that nothing
// beyond the handshake is consumed.
type byteReader struct {
	r io.Reader
}

func (br *byteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return br.r.Read(p)
}
