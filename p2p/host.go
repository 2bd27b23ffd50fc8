// Package p2p sets up the libp2p host of the node.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	tptu "github.com/libp2p/go-libp2p/p2p/net/upgrader"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"go.uber.org/zap"
)

const (
	// TransportLibp2p runs the sessions over a libp2p host.
	TransportLibp2p = "libp2p"
	// TransportMux runs the sessions over plain TCP with yamux.
	TransportMux = "muxnet"

	bootstrapTag = "bootstrap"
)

// DefaultConfig config.
func DefaultConfig() Config {
	return Config{
		Transport:          TransportLibp2p,
		Listen:             []string{"/ip4/0.0.0.0/tcp/0"},
		LowPeers:           40,
		HighPeers:          100,
		GracePeersShutdown: 30 * time.Second,
		RequestTimeout:     25 * time.Second,
		HardTimeout:        5 * time.Minute,
		QueueSize:          1000,
		RequestsPerSecond:  100,
		RequestSizeLimit:   10240,
	}
}

// Config for all things related to p2p layer.
type Config struct {
	Transport string `mapstructure:"transport"`
	// Listen is the list of multiaddrs to listen on. The muxnet transport
	// only uses the first one.
	Listen []string `mapstructure:"listen"`
	// Bootstrap is the list of multiaddrs of the peers to connect to on
	// startup. The libp2p ones must include the peer ID.
	Bootstrap          []string      `mapstructure:"bootstrap"`
	DisableReusePort   bool          `mapstructure:"disable-reuseport"`
	LowPeers           int           `mapstructure:"low-peers"`
	HighPeers          int           `mapstructure:"high-peers"`
	GracePeersShutdown time.Duration `mapstructure:"grace-peers-shutdown"`

	RequestTimeout    time.Duration `mapstructure:"request-timeout"`
	HardTimeout       time.Duration `mapstructure:"hard-timeout"`
	QueueSize         int           `mapstructure:"queue-size"`
	RequestsPerSecond int           `mapstructure:"requests-per-second"`
	RequestSizeLimit  int           `mapstructure:"request-size-limit"`
}

// New initializes libp2p host configured for recon.
// Only the hosts sharing the prologue can connect to each other.
func New(logger *zap.Logger, cfg Config, key crypto.PrivKey, prologue []byte) (host.Host, error) {
	logger.Info("starting libp2p host", zap.Strings("listen", cfg.Listen))
	cm, err := connmgr.NewConnManager(cfg.LowPeers, cfg.HighPeers, connmgr.WithGracePeriod(cfg.GracePeersShutdown))
	if err != nil {
		return nil, fmt.Errorf("p2p create conn mgr: %w", err)
	}
	ps, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("can't create peer store: %w", err)
	}
	var tcpOpts []interface{}
	if cfg.DisableReusePort {
		tcpOpts = append(tcpOpts, tcp.DisableReuseport())
	}
	lopts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.UserAgent("go-recon"),
		libp2p.Transport(tcp.NewTCPTransport, tcpOpts...),
		libp2p.Security(noise.ID, func(id protocol.ID, privkey crypto.PrivKey, muxers []tptu.StreamMuxer) (*noise.SessionTransport, error) {
			tp, err := noise.New(id, privkey, muxers)
			if err != nil {
				return nil, err
			}
			return tp.WithSessionOptions(noise.Prologue(prologue))
		}),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.Peerstore(ps),
	}
	h, err := libp2p.New(lopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize libp2p host: %w", err)
	}
	logger.Info("local node identity",
		zap.Stringer("identity", h.ID()),
		zap.Any("addrs", h.Addrs()))
	return h, nil
}

// Bootstrap connects the host to the peers. The connections are protected
// from trimming by the connection manager. It fails only if none of the peers
// could be reached.
func Bootstrap(ctx context.Context, logger *zap.Logger, h host.Host, addrs []string) error {
	var errs []error
	for _, addr := range addrs {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return fmt.Errorf("parse into peer.AddrInfo %s: %w", addr, err)
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("failed to connect to bootstrap peer",
				zap.Stringer("peer", info.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		h.ConnManager().Protect(info.ID, bootstrapTag)
	}
	if len(addrs) != 0 && len(errs) == len(addrs) {
		return fmt.Errorf("no bootstrap peers reachable: %w", errors.Join(errs...))
	}
	return nil
}

// Peers lists the peers connected to the host.
type Peers struct {
	h host.Host
}

// NewPeers creates a peer lister for the host.
func NewPeers(h host.Host) Peers {
	return Peers{h: h}
}

// Peers returns the IDs of the connected peers.
func (p Peers) Peers() []peer.ID {
	return p.h.Network().Peers()
}
