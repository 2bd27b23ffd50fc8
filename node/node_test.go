package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/config"
	"github.com/spacemeshos/go-recon/log/logtest"
	"github.com/spacemeshos/go-recon/p2p"
	"github.com/spacemeshos/go-recon/recon/interest"
	"github.com/spacemeshos/go-recon/recon/types"
)

func testConfig(t *testing.T, transport, store string) *config.Config {
	conf := config.DefaultConfig()
	conf.DataDirParent = t.TempDir()
	conf.NetworkName = "recon-test"
	conf.Store = store
	conf.P2P.Transport = transport
	conf.P2P.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	conf.Recon.SyncInterval = time.Hour
	conf.Ingest.BatchSize = 4
	return &conf
}

func startApp(t *testing.T, conf *config.Config) *App {
	app := New(WithLog(logtest.New(t)), WithConfig(conf))
	t.Cleanup(func() { require.NoError(t, app.Close()) })
	require.NoError(t, app.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error {
		return app.Run(ctx)
	})
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return app
}

func requireEvent(t *testing.T, app *App, id types.KeyBytes) {
	require.Eventually(t, func() bool {
		found, err := app.HasEvent(context.Background(), id)
		require.NoError(t, err)
		return found
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeSync(t *testing.T) {
	for _, tc := range []struct {
		transport, store string
	}{
		{transport: p2p.TransportLibp2p, store: config.StoreSQLite},
		{transport: p2p.TransportMux, store: config.StoreMemory},
		{transport: p2p.TransportMux, store: config.StoreLevelDB},
		{transport: p2p.TransportLibp2p, store: config.StoreBolt},
	} {
		t.Run(tc.transport+"/"+tc.store, func(t *testing.T) {
			ctx := context.Background()
			a := startApp(t, testConfig(t, tc.transport, tc.store))
			require.NotEmpty(t, a.Addrs())
			confB := testConfig(t, tc.transport, tc.store)
			confB.P2P.Bootstrap = a.Addrs()
			b := startApp(t, confB)
			require.NotEqual(t, a.ID(), b.ID())

			require.NoError(t, a.Subscribe(ctx, "chat"))
			require.NoError(t, b.Subscribe(ctx, "chat"))
			rs, err := a.Interests(ctx)
			require.NoError(t, err)
			require.Len(t, rs, 1)

			idA, err := a.AddEvent(ctx, "chat", []byte("hello"))
			require.NoError(t, err)
			idOther, err := a.AddEvent(ctx, "other", []byte("not for b"))
			require.NoError(t, err)
			idB, err := b.AddEvent(ctx, "chat", []byte("hi"))
			require.NoError(t, err)
			requireEvent(t, a, idA)
			requireEvent(t, a, idOther)
			requireEvent(t, b, idB)

			require.Eventually(t, func() bool {
				b.SyncOnce(ctx)
				foundA, err := b.HasEvent(ctx, idA)
				require.NoError(t, err)
				foundB, err := a.HasEvent(ctx, idB)
				require.NoError(t, err)
				return foundA && foundB
			}, 10*time.Second, 50*time.Millisecond)

			found, err := b.HasEvent(ctx, idOther)
			require.NoError(t, err)
			require.False(t, found)

			for _, app := range []*App{a, b} {
				n, err := app.interests.Len(ctx)
				require.NoError(t, err)
				require.Equal(t, 2, n)
				events, err := app.Events(ctx, "chat")
				require.NoError(t, err)
				require.Len(t, events, 2)
			}
		})
	}
}

func TestNodeLock(t *testing.T) {
	conf := testConfig(t, p2p.TransportMux, config.StoreMemory)
	app := New(WithLog(logtest.New(t)), WithConfig(conf))
	t.Cleanup(func() { require.NoError(t, app.Close()) })
	require.NoError(t, app.Initialize())
	require.FileExists(t, filepath.Join(conf.DataDirParent, conf.NetworkName, lockFile))

	other := New(WithLog(logtest.New(t)), WithConfig(conf))
	t.Cleanup(func() { require.NoError(t, other.Close()) })
	require.ErrorContains(t, other.Initialize(), "only one recon instance")
}

func TestTCPAddr(t *testing.T) {
	addr, err := tcpAddr("/ip4/127.0.0.1/tcp/7513")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7513", addr)

	addr, err = tcpAddr("/ip4/10.0.0.1/tcp/7513/p2p/12D3KooWJsUoSmcMu5ZFLJcEoYqxCH5BBwrhMwMvtXsk6rT3FafL")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7513", addr)

	_, err = tcpAddr("not an addr")
	require.Error(t, err)
	_, err = tcpAddr("/ip4/127.0.0.1/udp/7513")
	require.Error(t, err)
}

func TestAddInterest(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t, p2p.TransportMux, config.StoreMemory)
	app := New(WithLog(logtest.New(t)), WithConfig(conf))
	t.Cleanup(func() { require.NoError(t, app.Close()) })
	require.NoError(t, app.Initialize())

	low := types.KeyBytes{0x10}
	for _, high := range []types.KeyBytes{{}, {0x10}, {0x05}} {
		require.ErrorIs(t, app.AddInterest(ctx, low, high), interest.ErrEmptyInterest)
	}
	rs, err := app.Interests(ctx)
	require.NoError(t, err)
	require.Empty(t, rs)

	require.NoError(t, app.AddInterest(ctx, low, nil))
	rs, err = app.Interests(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Range{types.NewRange(low, nil)}, rs)
}
