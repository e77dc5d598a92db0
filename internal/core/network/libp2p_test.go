package network

import (
	"context"
	"errors"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mustP2P(t *testing.T, id peer.ID) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr("/p2p/" + id.String())
	require.NoError(t, err)
	return a
}

func newTestBundle(t *testing.T) (*Bundle, ma.Multiaddr) {
	t.Helper()
	b := newIdleBundle(t, BundleOptions{EnableReqRes: true, MaxRecords: 2})
	return b, listenLoopback(t, b)
}

func newIdleBundle(t *testing.T, opts BundleOptions) *Bundle {
	t.Helper()
	h, err := libp2p.New(libp2p.NoListenAddrs)
	require.NoError(t, err)
	b, err := NewBundle(context.Background(), h, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func listenLoopback(t *testing.T, b *Bundle) ma.Multiaddr {
	t.Helper()
	b.Listen(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	listen := nextOf[NewListenAddr](t, b.Events())
	return listen.Addr.Encapsulate(mustP2P(t, b.LocalPeer()))
}

type failingValues struct {
	routing.ValueStore
	err error
}

func (f failingValues) PutValue(context.Context, string, []byte, ...routing.Option) error {
	return f.err
}

func TestBundleSingleNodeRecords(t *testing.T) {
	b, _ := newTestBundle(t)

	qid, err := b.PutRecord([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	put := nextOf[QueryResult](t, b.Events())
	require.Equal(t, qid, put.ID)
	require.NoError(t, put.Outcome.(PutRecordOutcome).Err)

	qid = b.GetRecord([]byte("k1"))
	got := nextOf[QueryResult](t, b.Events())
	require.Equal(t, qid, got.ID)
	out := got.Outcome.(GetRecordOutcome)
	require.NoError(t, out.Err)
	require.Len(t, out.Records, 1)
	require.Equal(t, []byte("v1"), out.Records[0].Value)
	require.Equal(t, b.LocalPeer(), out.Records[0].Publisher)

	b.GetRecord([]byte("absent"))
	miss := nextOf[QueryResult](t, b.Events()).Outcome.(GetRecordOutcome)
	var nf NotFoundError
	require.True(t, errors.As(miss.Err, &nf), "got %v", miss.Err)

	_, err = b.PutRecord([]byte("k2"), []byte("v2"))
	require.NoError(t, err)
	_, err = b.PutRecord([]byte("k3"), []byte("v3"))
	require.ErrorIs(t, err, ErrStoreFull)
}

func TestBundlePublishWithoutPeers(t *testing.T) {
	b, _ := newTestBundle(t)

	ok, err := b.Subscribe("demo")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Subscribe("demo")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = b.Publish("demo", []byte("x"))
	require.ErrorIs(t, err, ErrInsufficientPeers)

	ok, err = b.Unsubscribe("demo")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Unsubscribe("demo")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBundleDialAndRequest(t *testing.T) {
	a, _ := newTestBundle(t)
	b, target := newTestBundle(t)

	require.NoError(t, a.Dial(target))
	est := nextOf[ConnectionEstablished](t, a.Events())
	require.True(t, est.Addr.Equal(target))
	require.Equal(t, b.LocalPeer(), est.Peer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := SendRequest(ctx, a.Host(), b.LocalPeer(), Request{Ping: true})
	require.NoError(t, err)
	require.True(t, res.Pong)

	got := nextOf[RequestReceived](t, b.Events())
	require.Equal(t, a.LocalPeer(), got.Peer)
}

func TestBundleGossipBetweenHosts(t *testing.T) {
	a, target := newTestBundle(t)
	b, _ := newTestBundle(t)

	ok, err := a.Subscribe("demo")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Dial(target))
	nextOf[ConnectionEstablished](t, b.Events())

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err = b.Publish("demo", []byte("hello"))
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrInsufficientPeers)
		require.True(t, time.Now().Before(deadline), "peer subscription never propagated")
		time.Sleep(50 * time.Millisecond)
	}

	msg := nextOf[GossipMessage](t, a.Events())
	require.Equal(t, "demo", msg.Topic)
	require.Equal(t, []byte("hello"), msg.Data)
	require.Equal(t, b.LocalPeer(), msg.Source)
}

func TestBundleStartsDiscoveryOnListen(t *testing.T) {
	b := newIdleBundle(t, BundleOptions{EnableMDNS: true, MDNSServiceName: "p2p-network-test"})
	running, err := b.discoveryState()
	require.False(t, running)
	require.NoError(t, err)

	listenLoopback(t, b)
	running, err = b.discoveryState()
	if err != nil {
		require.NotContains(t, err.Error(), "didn't find any IP addresses")
		t.Skipf("no multicast interface for mdns: %v", err)
	}
	require.True(t, running)
	require.NoError(t, b.Close())
}

func TestBundleWithoutDiscovery(t *testing.T) {
	b := newIdleBundle(t, BundleOptions{})
	listenLoopback(t, b)
	running, err := b.discoveryState()
	require.False(t, running)
	require.NoError(t, err)
}

func TestBundleFailedPutReleasesSlot(t *testing.T) {
	b := newIdleBundle(t, BundleOptions{MaxRecords: 1})
	listenLoopback(t, b)

	b.values = failingValues{ValueStore: b.kad, err: errors.New("replication refused")}
	qid, err := b.PutRecord([]byte("a"), []byte("1"))
	require.NoError(t, err)
	res := nextOf[QueryResult](t, b.Events())
	require.Equal(t, qid, res.ID)
	require.ErrorContains(t, res.Outcome.(PutRecordOutcome).Err, "replication refused")
	require.Zero(t, b.Stats().Records)

	b.values = b.kad
	_, err = b.PutRecord([]byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, nextOf[QueryResult](t, b.Events()).Outcome.(PutRecordOutcome).Err)
	require.Equal(t, 1, b.Stats().Records)
}

func TestBundleCloseReportsTopicErrors(t *testing.T) {
	b := newIdleBundle(t, BundleOptions{})

	_, err := b.Publish("demo", []byte("x"))
	require.ErrorIs(t, err, ErrInsufficientPeers)

	b.mu.Lock()
	stray, err := b.topics["demo"].Subscribe()
	b.mu.Unlock()
	require.NoError(t, err)
	defer stray.Cancel()

	require.ErrorContains(t, b.Close(), `close topic "demo"`)
}

func TestBundleCloseRetiresSubscriptions(t *testing.T) {
	b := newIdleBundle(t, BundleOptions{})

	ok, err := b.Subscribe("demo")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Close())
}
