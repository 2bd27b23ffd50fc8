package muxnet

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/go-recon/log"
	"github.com/spacemeshos/go-recon/log/logtest"
	"github.com/spacemeshos/go-recon/p2p/server"
)

func echoHandler(ctx context.Context, req []byte, stream io.ReadWriter) error {
	peerID, found := server.ContextPeerID(ctx)
	if !found {
		return errors.New("no peer ID")
	}
	if _, found := log.ExtractRequestID(ctx); !found {
		return errors.New("no request ID")
	}
	_, err := stream.Write(append(req, []byte(peerID)...))
	return err
}

func newNetwork(t *testing.T, id string, opts ...Opt) *Network {
	opts = append([]Opt{WithLog(logtest.New(t)), WithTimeout(10 * time.Second)}, opts...)
	n := New(peer.ID(id), opts...)
	require.NoError(t, n.Listen("127.0.0.1:0"))
	n.SetStreamHandler("echo", echoHandler)
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	eg.Go(func() error {
		return n.Run(ctx)
	})
	t.Cleanup(func() {
		cancel()
		require.NoError(t, eg.Wait())
	})
	return n
}

func request(ctx context.Context, c *Client, pid peer.ID, req []byte, extra ...string) ([]byte, error) {
	var resp []byte
	err := c.StreamRequest(ctx, pid, req, func(ctx context.Context, stream io.ReadWriter) error {
		var err error
		resp, err = io.ReadAll(stream)
		return err
	}, extra...)
	return resp, err
}

func TestNetwork(t *testing.T) {
	ctx := context.Background()
	n1 := newNetwork(t, "peer1")
	n2 := newNetwork(t, "peer2", WithRequestSizeLimit(100))
	require.Equal(t, peer.ID("peer1"), n1.ID())

	pid, err := n1.Connect(ctx, n2.Addr().String())
	require.NoError(t, err)
	require.Equal(t, n2.ID(), pid)
	require.Equal(t, []peer.ID{n2.ID()}, n1.Peers())
	require.Eventually(t, func() bool {
		return len(n2.Peers()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []peer.ID{n1.ID()}, n2.Peers())

	t.Run("request", func(t *testing.T) {
		resp, err := request(ctx, n1.Client("echo"), n2.ID(), []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, "hellopeer1", string(resp))
	})

	t.Run("reverse direction", func(t *testing.T) {
		resp, err := request(ctx, n2.Client("echo"), n1.ID(), []byte("hi"))
		require.NoError(t, err)
		require.Equal(t, "hipeer2", string(resp))
	})

	t.Run("extra protocols", func(t *testing.T) {
		resp, err := request(ctx, n1.Client("echo"), n2.ID(), []byte("hello"), "unsupported")
		require.NoError(t, err)
		require.Equal(t, "hellopeer1", string(resp))
	})

	t.Run("unknown protocol", func(t *testing.T) {
		resp, err := request(ctx, n1.Client("unknown"), n2.ID(), []byte("hello"))
		require.NoError(t, err)
		require.Empty(t, resp)
	})

	t.Run("request too large", func(t *testing.T) {
		resp, err := request(ctx, n1.Client("echo"), n2.ID(), make([]byte, 101))
		require.NoError(t, err)
		require.Empty(t, resp)
	})

	t.Run("not connected", func(t *testing.T) {
		_, err := request(ctx, n1.Client("echo"), "peer3", []byte("hello"))
		require.ErrorIs(t, err, server.ErrNotConnected)
	})

	t.Run("duplicate connection", func(t *testing.T) {
		pid, err := n1.Connect(ctx, n2.Addr().String())
		require.NoError(t, err)
		require.Equal(t, n2.ID(), pid)
		require.Len(t, n1.Peers(), 1)
		resp, err := request(ctx, n1.Client("echo"), n2.ID(), []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, "hellopeer1", string(resp))
	})

	t.Run("self connection", func(t *testing.T) {
		_, err := n1.Connect(ctx, n1.Addr().String())
		require.Error(t, err)
	})

	require.NoError(t, n2.Close())
	require.Eventually(t, func() bool {
		return len(n1.Peers()) == 0
	}, time.Second, 10*time.Millisecond)
	_, err = request(ctx, n1.Client("echo"), n2.ID(), []byte("hello"))
	require.ErrorIs(t, err, server.ErrNotConnected)
}

func TestRequestCanceled(t *testing.T) {
	n1 := newNetwork(t, "peer1")
	n2 := newNetwork(t, "peer2")
	block := make(chan struct{})
	n2.SetStreamHandler("block", func(ctx context.Context, _ []byte, _ io.ReadWriter) error {
		select {
		case <-ctx.Done():
		case <-block:
		}
		return nil
	})
	t.Cleanup(func() { close(block) })
	_, err := n1.Connect(context.Background(), n2.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = request(ctx, n1.Client("block"), n2.ID(), []byte("hello"))
	require.Error(t, err)
}
