// Package node wires the reconciliation engines, the stores and the transport
// into a recon node.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/config"
	"github.com/spacemeshos/go-recon/p2p"
	"github.com/spacemeshos/go-recon/p2p/muxnet"
	"github.com/spacemeshos/go-recon/p2p/server"
	"github.com/spacemeshos/go-recon/recon/ahash"
	"github.com/spacemeshos/go-recon/recon/eventid"
	"github.com/spacemeshos/go-recon/recon/ingest"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/rangesync"
	"github.com/spacemeshos/go-recon/recon/types"
)

const (
	// InterestTopic is the topic of the interest declarations.
	InterestTopic = "interest"
	// ModelTopic is the topic of the event ids.
	ModelTopic = "model"
	// ProtocolID is the protocol of the reconciliation sessions.
	ProtocolID = "/recon/1"

	lockFile = "recon.lock"
)

// engine is a reconciliation engine regardless of its hash.
type engine interface {
	rangesync.Responder
	Insert(ctx context.Context, k types.KeyBytes) (bool, error)
	InsertMany(ctx context.Context, keys []types.KeyBytes) (int, error)
	Contains(ctx context.Context, k types.KeyBytes) (bool, error)
	RangeKeys(ctx context.Context, r types.Range, limit int) ([]types.KeyBytes, error)
	Len(ctx context.Context) (int, error)
}

// Option to modify an App instance.
type Option func(app *App)

// WithLog specifies the logger for the App.
func WithLog(logger *zap.Logger) Option {
	return func(app *App) {
		app.log = logger
	}
}

// WithConfig overwrites the default App config.
func WithConfig(conf *config.Config) Option {
	return func(app *App) {
		app.Config = conf
	}
}

// App is a recon node.
type App struct {
	Config *config.Config

	log      *zap.Logger
	dataDir  string
	fileLock *flock.Flock
	id       peer.ID
	closers  []io.Closer

	dispatcher *rangesync.Dispatcher
	requester  rangesync.Requester
	peers      rangesync.PeerLister
	host       host.Host
	srv        *server.Server
	mux        *muxnet.Network

	interests engine
	model     engine
	syncer    *rangesync.Syncer
	producer  *ingest.Producer
}

// New creates an instance of the recon node.
func New(opts ...Option) *App {
	defaultConfig := config.DefaultConfig()
	app := &App{
		Config: &defaultConfig,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// Lock locks the data directory for exclusive use. It returns an error if the
// directory is already locked.
func (app *App) Lock() error {
	if err := os.MkdirAll(app.dataDir, 0o700); err != nil {
		return fmt.Errorf("data-dir %s not found or could not be created: %w", app.dataDir, err)
	}
	fl := flock.New(filepath.Join(app.dataDir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", fl.Path(), err)
	} else if !locked {
		return fmt.Errorf("only one recon instance should be running (locking file %s)", fl.Path())
	}
	app.fileLock = fl
	return nil
}

// Unlock unlocks the data directory. It is a no-op if it's not locked.
func (app *App) Unlock() {
	if app.fileLock == nil {
		return
	}
	if err := app.fileLock.Unlock(); err != nil {
		app.log.Error("failed to unlock file",
			zap.String("path", app.fileLock.Path()),
			zap.Error(err),
		)
	}
	app.fileLock = nil
}

// Initialize validates the configuration and sets up the node components.
// Close must be called to release the resources even if it fails.
func (app *App) Initialize() error {
	if err := app.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	dataDir, err := app.Config.DataDir()
	if err != nil {
		return err
	}
	app.dataDir = dataDir
	if err := app.Lock(); err != nil {
		return err
	}
	key, err := p2p.EnsureIdentity(app.dataDir)
	if err != nil {
		return err
	}
	if app.id, err = peer.IDFromPrivateKey(key); err != nil {
		return fmt.Errorf("get peer ID: %w", err)
	}
	app.log.Info("starting recon node",
		zap.String("data-dir", app.dataDir),
		zap.Stringer("id", app.id),
		zap.String("network", app.Config.NetworkName),
		zap.String("transport", app.Config.P2P.Transport),
	)

	app.dispatcher = rangesync.NewDispatcher(app.log.Named("dispatcher"))
	switch app.Config.P2P.Transport {
	case p2p.TransportMux:
		err = app.setupMuxnet()
	default:
		err = app.setupLibp2p(key)
	}
	if err != nil {
		return err
	}

	switch app.Config.Hash {
	case config.HashBlake3:
		err = setupEngines[ahash.Blake3a](app)
	case config.HashBlake2b:
		err = setupEngines[ahash.Blake2ba](app)
	default:
		err = setupEngines[ahash.Sha256a](app)
	}
	if err != nil {
		return err
	}
	app.producer = ingest.New(app.model,
		ingest.WithLogger(app.log.Named("ingest")),
		ingest.WithConfig(app.Config.Ingest))
	return nil
}

func (app *App) setupLibp2p(key crypto.PrivKey) error {
	h, err := p2p.New(app.log.Named("p2p"), app.Config.P2P, key, []byte(app.Config.NetworkName))
	if err != nil {
		return err
	}
	app.host = h
	app.closers = append(app.closers, h)
	cfg := app.Config.P2P
	opts := []server.Opt{
		server.WithLog(app.log.Named("server")),
		server.WithTimeout(cfg.RequestTimeout),
		server.WithHardTimeout(cfg.HardTimeout),
		server.WithRequestSizeLimit(cfg.RequestSizeLimit),
		server.WithQueueSize(cfg.QueueSize),
		server.WithRequestsPerInterval(cfg.RequestsPerSecond, time.Second),
	}
	if app.Config.CollectMetrics {
		opts = append(opts, server.WithMetrics())
	}
	app.srv = server.New(h, ProtocolID, app.dispatcher.Handle, opts...)
	app.requester = app.srv
	app.peers = p2p.NewPeers(h)
	return nil
}

// tcpAddr converts a multiaddr, possibly carrying a peer ID, to a TCP address.
func tcpAddr(s string) (string, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr %s: %w", s, err)
	}
	transport, _ := peer.SplitAddr(m)
	if transport == nil {
		return "", fmt.Errorf("no transport in %s", s)
	}
	addr, err := manet.ToNetAddr(transport)
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", s, err)
	}
	if _, ok := addr.(*net.TCPAddr); !ok {
		return "", fmt.Errorf("not a tcp address: %s", s)
	}
	return addr.String(), nil
}

func (app *App) setupMuxnet() error {
	cfg := app.Config.P2P
	n := muxnet.New(app.id,
		muxnet.WithLog(app.log.Named("muxnet")),
		muxnet.WithTimeout(cfg.HardTimeout),
		muxnet.WithRequestSizeLimit(cfg.RequestSizeLimit))
	addr, err := tcpAddr(cfg.Listen[0])
	if err != nil {
		return err
	}
	if err := n.Listen(addr); err != nil {
		return err
	}
	n.SetStreamHandler(ProtocolID, app.dispatcher.Handle)
	app.mux = n
	app.closers = append(app.closers, n)
	app.requester = n.Client(ProtocolID)
	app.peers = n
	return nil
}

func setupEngines[H ahash.AssociativeHash[H]](app *App) error {
	stores, err := openStores[H](app, InterestTopic, ModelTopic)
	if err != nil {
		return err
	}
	opts := append(app.Config.Recon.Options(), rangesync.WithLogger(app.log.Named("recon")))
	interests := rangesync.New(InterestTopic, stores[0], interest.FullInterests{}, opts...)
	provider := interest.NewStoreProvider(interests, ModelTopic, app.id.String())
	model := rangesync.New(ModelTopic, stores[1], provider, opts...)
	app.interests = interests
	app.model = model
	app.dispatcher.Register(interests)
	app.dispatcher.Register(model)
	// interests are synced first as they select the model keys
	syncers := []rangesync.PeerSyncer{
		rangesync.NewPairwiseSyncer(interests, app.requester),
		rangesync.NewPairwiseSyncer(model, app.requester),
	}
	app.syncer = rangesync.NewSyncer(app.peers, syncers,
		append(app.Config.Recon.SyncerOptions(), rangesync.WithSyncerLogger(app.log.Named("syncer")))...)
	return nil
}

// ID returns the node's peer ID.
func (app *App) ID() peer.ID {
	return app.id
}

// Addrs returns the multiaddrs the node listens on, suitable for
// bootstrapping the other nodes.
func (app *App) Addrs() []string {
	var addrs []string
	switch {
	case app.host != nil:
		for _, a := range app.host.Addrs() {
			addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, app.id))
		}
	case app.mux != nil:
		if m, err := manet.FromNetAddr(app.mux.Addr()); err == nil {
			addrs = append(addrs, m.String())
		}
	}
	return addrs
}

// Connect connects to the peers at the multiaddrs.
func (app *App) Connect(ctx context.Context, addrs []string) error {
	if app.host != nil {
		return p2p.Bootstrap(ctx, app.log, app.host, addrs)
	}
	var errs []error
	for _, a := range addrs {
		addr, err := tcpAddr(a)
		if err == nil {
			_, err = app.mux.Connect(ctx, addr)
		}
		if err != nil {
			app.log.Warn("failed to connect to peer", zap.String("addr", a), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(addrs) != 0 && len(errs) == len(addrs) {
		return fmt.Errorf("no peers reachable: %w", errors.Join(errs...))
	}
	return nil
}

// Run serves and syncs until the context is canceled.
func (app *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	if app.srv != nil {
		eg.Go(func() error {
			return app.srv.Run(ctx)
		})
	} else {
		eg.Go(func() error {
			return app.mux.Run(ctx)
		})
	}
	eg.Go(func() error {
		return app.producer.Run(ctx)
	})
	eg.Go(func() error {
		if err := app.Connect(ctx, app.Config.P2P.Bootstrap); err != nil {
			app.log.Warn("bootstrap failed", zap.Error(err))
		}
		return app.syncer.Run(ctx)
	})
	return eg.Wait()
}

// SyncOnce syncs both topics with every connected peer, returning the number
// of successful sessions.
func (app *App) SyncOnce(ctx context.Context) int {
	return app.syncer.SyncOnce(ctx)
}

// AddInterest declares the local interest in the model keys in [low, high).
// A nil high means no upper bound. An empty range is rejected.
func (app *App) AddInterest(ctx context.Context, low, high types.KeyBytes) error {
	i := interest.Interest{Scope: ModelTopic, Peer: app.id.String(), Low: low, High: high}
	if err := i.Validate(); err != nil {
		return err
	}
	if _, err := app.interests.Insert(ctx, i.Key()); err != nil {
		return fmt.Errorf("add interest %s: %w", i, err)
	}
	return nil
}

// Subscribe declares the local interest in the events of the scope.
func (app *App) Subscribe(ctx context.Context, scope string) error {
	r := eventid.ScopeRange(scope)
	return app.AddInterest(ctx, r.Low, r.High)
}

// Interests returns the local interest ranges.
func (app *App) Interests(ctx context.Context) ([]types.Range, error) {
	return interest.NewStoreProvider(app.interests, ModelTopic, app.id.String()).Interests(ctx)
}

// AddEvent queues the event id for insertion and returns it.
func (app *App) AddEvent(ctx context.Context, scope string, content []byte) (types.KeyBytes, error) {
	id := eventid.New(scope, content)
	if err := app.producer.Add(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// HasEvent returns true if the node has the event id.
func (app *App) HasEvent(ctx context.Context, id types.KeyBytes) (bool, error) {
	return app.model.Contains(ctx, id)
}

// Events returns the event ids of the scope known to the node.
func (app *App) Events(ctx context.Context, scope string) ([]types.KeyBytes, error) {
	return app.model.RangeKeys(ctx, eventid.ScopeRange(scope), -1)
}

// Close releases the node resources.
func (app *App) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	app.Unlock()
	return errors.Join(errs...)
}
