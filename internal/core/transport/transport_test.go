package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"p2p-network/internal/core/identity"
)

func newListeningHost(t *testing.T) host.Host {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	h, err := Build(id.Key, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.Empty(t, h.Network().ListenAddresses())
	require.NoError(t, h.Network().Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	require.Equal(t, id.ID, h.ID())
	return h
}

func TestHostsAuthenticateOverNoise(t *testing.T) {
	a := newListeningHost(t)
	b := newListeningHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Network().ListenAddresses()}))

	conns := a.Network().ConnsToPeer(b.ID())
	require.NotEmpty(t, conns)
	require.Equal(t, protocol.ID(noise.ID), conns[0].ConnState().Security)
	require.Equal(t, b.ID(), conns[0].RemotePeer())
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{LowWater: 10}.withDefaults()
	require.Equal(t, 40, o.HighWater)
	require.Equal(t, time.Minute, o.GracePeriod)
	require.NotNil(t, o.Resolver)
}

func TestDialOutlastsLocalDialDefault(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on a stalled handshake")
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		held []net.Conn
	)
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()

	silent, err := identity.Generate()
	require.NoError(t, err)
	id, err := identity.Generate()
	require.NoError(t, err)
	h, err := Build(id.Key, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	addr := ma.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", l.Addr().(*net.TCPAddr).Port))
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	started := time.Now()
	err = h.Connect(ctx, peer.AddrInfo{ID: silent.ID, Addrs: []ma.Multiaddr{addr}})
	require.Error(t, err)
	// go-libp2p gives up on local addresses after 5s by default.
	require.GreaterOrEqual(t, time.Since(started), 7*time.Second)
}
