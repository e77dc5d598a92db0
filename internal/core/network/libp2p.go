package network

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-base32"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DHTProtocolPrefix keeps this network's DHT apart from the public IPFS one.
const DHTProtocolPrefix = "/p2p-node"

// BundleOptions configures the overlay protocols mounted on a host.
type BundleOptions struct {
	MDNSServiceName string
	EnableMDNS      bool
	EnableReqRes    bool
	MaxRecords      int
}

// Bundle runs mDNS discovery, a Kademlia DHT and GossipSub on one libp2p
// host and merges their notifications into a single event stream.
type Bundle struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host   host.Host
	ps     *pubsub.PubSub
	kad    *dht.IpfsDHT
	values routing.ValueStore
	store  ds.Batching

	mdnsName string
	mdns     mdns.Service
	mdnsErr  error

	events     *eventQueue
	notifiee   *lpnet.NotifyBundle
	maxRecords int

	nextQuery atomic.Uint64
	published atomic.Uint64

	mu            sync.Mutex
	topics        map[string]*pubsub.Topic
	subs          map[string]*subscription
	records       map[string]struct{}
	bootstrapped  bool
	bootstrapping bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type subscription struct {
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

var _ Overlay = (*Bundle)(nil)

func NewBundle(parent context.Context, h host.Host, opts BundleOptions, log *zap.Logger) (*Bundle, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 1024
	}
	ctx, cancel := context.WithCancel(parent)

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	store := dssync.MutexWrap(ds.NewMapDatastore())
	kad, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(DHTProtocolPrefix),
		dht.Datastore(store),
		dht.Validator(record.NamespacedValidator{RecordNamespace: recordValidator{}}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create dht: %w", err)
	}

	b := &Bundle{
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
		host:       h,
		ps:         ps,
		kad:        kad,
		values:     kad,
		store:      store,
		events:     newEventQueue(),
		maxRecords: opts.MaxRecords,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*subscription),
		records:    make(map[string]struct{}),
	}

	b.notifiee = &lpnet.NotifyBundle{
		ConnectedF:    b.connected,
		DisconnectedF: b.disconnected,
	}
	h.Network().Notify(b.notifiee)

	if opts.EnableReqRes {
		h.SetStreamHandler(MessageProtocolID, b.handleMessageStream)
	}

	if opts.EnableMDNS {
		b.mdnsName = opts.MDNSServiceName
		if b.mdnsName == "" {
			b.mdnsName = mdns.ServiceName
		}
	}
	return b, nil
}

// Host exposes the underlying libp2p host.
func (b *Bundle) Host() host.Host {
	return b.host
}

func (b *Bundle) LocalPeer() peer.ID {
	return b.host.ID()
}

func (b *Bundle) Events() <-chan Event {
	return b.events.events()
}

func (b *Bundle) Listen(addr ma.Multiaddr) {
	if err := b.host.Network().Listen(addr); err != nil {
		b.events.push(ListenerError{Addr: addr, Err: err})
		return
	}
	addrs, err := b.host.Network().InterfaceListenAddresses()
	if err != nil || len(addrs) == 0 {
		addrs = b.host.Network().ListenAddresses()
	}
	b.startDiscovery()
	for _, a := range addrs {
		b.events.push(NewListenAddr{Addr: a})
	}
}

// startDiscovery starts mDNS once the host has a listen address to
// advertise. A failed start is retried on the next successful Listen.
func (b *Bundle) startDiscovery() {
	if b.mdnsName == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mdns != nil {
		return
	}
	svc := mdns.NewMdnsService(b.host, b.mdnsName, &discoveryNotifee{self: b.host.ID(), events: b.events})
	if err := svc.Start(); err != nil {
		b.log.Warn("mdns start failed", zap.Error(err))
		b.mdnsErr = err
		_ = svc.Close()
		return
	}
	b.mdns = svc
	b.mdnsErr = nil
}

// discoveryState reports whether mDNS runs and why the last start failed.
func (b *Bundle) discoveryState() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mdns != nil, b.mdnsErr
}

func (b *Bundle) Dial(addr ma.Multiaddr) error {
	transportAddr, id := peer.SplitAddr(addr)
	if id == "" {
		return ErrMissingPeerID
	}
	var addrs []ma.Multiaddr
	if transportAddr != nil {
		addrs = append(addrs, transportAddr)
	}
	b.dial(peer.AddrInfo{ID: id, Addrs: addrs}, addr)
	return nil
}

// dial connects in the background and reports the outcome against the
// address the caller asked for.
func (b *Bundle) dial(info peer.AddrInfo, reported ma.Multiaddr) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.host.Connect(b.ctx, info); err != nil {
			b.events.push(UnreachableAddr{Peer: info.ID, Addr: reported, Err: err})
			return
		}
		b.events.push(ConnectionEstablished{Peer: info.ID, Addr: reported, Dialer: true})
	}()
}

func (b *Bundle) connected(_ lpnet.Network, c lpnet.Conn) {
	if c.Stat().Direction != lpnet.DirInbound {
		return
	}
	b.events.push(ConnectionEstablished{Peer: c.RemotePeer(), Addr: c.RemoteMultiaddr()})
}

func (b *Bundle) disconnected(_ lpnet.Network, c lpnet.Conn) {
	b.events.push(ConnectionClosed{Peer: c.RemotePeer(), Addr: c.RemoteMultiaddr()})
}

func (b *Bundle) Subscribe(topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; ok {
		return false, nil
	}
	t, err := b.joinLocked(topic)
	if err != nil {
		return false, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return false, fmt.Errorf("subscribe %q: %w", topic, err)
	}
	handler, err := t.EventHandler()
	if err != nil {
		sub.Cancel()
		return false, fmt.Errorf("topic events %q: %w", topic, err)
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.subs[topic] = &subscription{sub: sub, handler: handler, cancel: cancel}

	b.wg.Add(2)
	go b.readSubscription(ctx, topic, sub)
	go b.readPeerEvents(ctx, topic, handler)
	return true, nil
}

func (b *Bundle) Unsubscribe(topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[topic]
	if !ok {
		return false, nil
	}
	delete(b.subs, topic)
	s.cancel()
	s.sub.Cancel()
	s.handler.Cancel()
	return true, nil
}

func (b *Bundle) Publish(topic string, data []byte) (MessageID, error) {
	b.mu.Lock()
	t, err := b.joinLocked(topic)
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	if len(t.ListPeers()) == 0 {
		return "", ErrInsufficientPeers
	}
	n := b.published.Add(1)
	if err := t.Publish(b.ctx, data); err != nil {
		return "", fmt.Errorf("publish %q: %w", topic, err)
	}
	return publicationID(b.host.ID(), n, data), nil
}

func (b *Bundle) joinLocked(name string) (*pubsub.Topic, error) {
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %q: %w", name, err)
	}
	b.topics[name] = t
	return t, nil
}

func (b *Bundle) readSubscription(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer b.wg.Done()
	self := b.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		b.events.push(GossipMessage{
			Topic:  topic,
			Data:   append([]byte(nil), msg.Data...),
			Source: msg.GetFrom(),
			ID:     MessageID(msg.ID),
		})
	}
}

func (b *Bundle) readPeerEvents(ctx context.Context, topic string, h *pubsub.TopicEventHandler) {
	defer b.wg.Done()
	for {
		ev, err := h.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			b.events.push(GossipPeerJoined{Topic: topic, Peer: ev.Peer})
		case pubsub.PeerLeave:
			b.events.push(GossipPeerLeft{Topic: topic, Peer: ev.Peer})
		}
	}
}

func (b *Bundle) GetRecord(key []byte) QueryID {
	id := QueryID(b.nextQuery.Add(1))
	key = append([]byte(nil), key...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		raw, err := b.values.GetValue(b.ctx, dhtKey(key))
		b.events.push(QueryResult{ID: id, Outcome: getOutcome(key, raw, err)})
	}()
	return id
}

func getOutcome(key, raw []byte, err error) GetRecordOutcome {
	if errors.Is(err, routing.ErrNotFound) {
		return GetRecordOutcome{Err: NotFoundError{Key: key}}
	}
	if err != nil {
		return GetRecordOutcome{Err: fmt.Errorf("get record: %w", err)}
	}
	rec, err := decodeRecord(dhtKey(key), raw)
	if err != nil {
		return GetRecordOutcome{Err: err}
	}
	return GetRecordOutcome{Records: []Record{rec}}
}

func (b *Bundle) PutRecord(key, value []byte) (QueryID, error) {
	b.mu.Lock()
	_, held := b.records[string(key)]
	if !held && len(b.records) >= b.maxRecords {
		b.mu.Unlock()
		return 0, ErrStoreFull
	}
	b.records[string(key)] = struct{}{}
	b.mu.Unlock()

	raw, err := encodeRecord(value, b.host.ID())
	if err != nil {
		if !held {
			b.releaseRecord(key)
		}
		return 0, fmt.Errorf("encode record: %w", err)
	}
	id := QueryID(b.nextQuery.Add(1))
	key = append([]byte(nil), key...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.values.PutValue(b.ctx, dhtKey(key), raw)
		// An empty routing table fails the replication lookup after the
		// record was already stored locally.
		if errors.Is(err, kb.ErrLookupFailure) {
			err = nil
		}
		if err != nil {
			if !held {
				b.RemoveRecord(key)
			}
			err = fmt.Errorf("put record: %w", err)
		}
		b.events.push(QueryResult{ID: id, Outcome: PutRecordOutcome{Key: key, Err: err}})
	}()
	return id, nil
}

// RemoveRecord drops key from the local record store only. Copies held by
// other peers expire on their own.
func (b *Bundle) RemoveRecord(key []byte) {
	b.releaseRecord(key)
	dsKey := ds.NewKey(base32.RawStdEncoding.EncodeToString([]byte(dhtKey(key))))
	if err := b.store.Delete(b.ctx, dsKey); err != nil {
		b.log.Debug("remove record", zap.String("key", KeyString(key)), zap.Error(err))
	}
}

func (b *Bundle) releaseRecord(key []byte) {
	b.mu.Lock()
	delete(b.records, string(key))
	b.mu.Unlock()
}

func (b *Bundle) AddDiscoveredPeers(peers []peer.AddrInfo) {
	self := b.host.ID()
	for _, info := range peers {
		if info.ID == self || len(info.Addrs) == 0 {
			continue
		}
		b.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.AddressTTL)
		if _, err := b.kad.RoutingTable().TryAddPeer(info.ID, true, false); err != nil {
			b.log.Debug("routing table rejected peer", zap.Stringer("peer", info.ID), zap.Error(err))
		}
		if b.host.Network().Connectedness(info.ID) == lpnet.Connected {
			continue
		}
		full, err := peer.AddrInfoToP2pAddrs(&info)
		if err != nil || len(full) == 0 {
			continue
		}
		b.dial(info, full[0])
	}
	b.maybeBootstrap()
}

// maybeBootstrap starts the one-shot DHT bootstrap once the routing table
// holds a peer. A failed attempt is retried on the next discovery.
func (b *Bundle) maybeBootstrap() {
	b.mu.Lock()
	if b.bootstrapped || b.bootstrapping || b.kad.RoutingTable().Size() == 0 {
		b.mu.Unlock()
		return
	}
	b.bootstrapping = true
	b.mu.Unlock()

	id := QueryID(b.nextQuery.Add(1))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.kad.Bootstrap(b.ctx)
		b.mu.Lock()
		b.bootstrapping = false
		b.bootstrapped = err == nil
		b.mu.Unlock()
		b.events.push(QueryResult{ID: id, Outcome: BootstrapOutcome{Err: err}})
	}()
}

func (b *Bundle) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]string, 0, len(b.subs))
	for t := range b.subs {
		subs = append(subs, t)
	}
	sort.Strings(subs)
	return Stats{
		PeerID:         b.host.ID(),
		ListenAddrs:    b.host.Addrs(),
		Subscriptions:  subs,
		ConnectedPeers: len(b.host.Network().Peers()),
		Records:        len(b.records),
		Bootstrapped:   b.bootstrapped,
	}
}

func (b *Bundle) Close() error {
	b.closeOnce.Do(func() {
		var err error
		b.mu.Lock()
		svc := b.mdns
		b.mu.Unlock()
		if svc != nil {
			err = multierr.Append(err, svc.Close())
		}
		b.host.Network().StopNotify(b.notifiee)

		b.mu.Lock()
		for topic, s := range b.subs {
			s.cancel()
			s.sub.Cancel()
			s.handler.Cancel()
			delete(b.subs, topic)
		}
		for name, t := range b.topics {
			if cerr := closeTopic(t); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("close topic %q: %w", name, cerr))
			}
		}
		b.mu.Unlock()

		err = multierr.Append(err, b.kad.Close())
		b.cancel()
		err = multierr.Append(err, b.host.Close())
		b.wg.Wait()
		b.events.close()
		b.closeErr = err
	})
	return b.closeErr
}

// closeTopic closes t, allowing the pubsub loop a moment to retire
// subscriptions and handlers that were cancelled just before.
func closeTopic(t *pubsub.Topic) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = t.Close(); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

// publicationID derives a stable identifier for a locally published message.
func publicationID(self peer.ID, n uint64, data []byte) MessageID {
	h := sha256.New()
	h.Write([]byte(self))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
	h.Write(data)
	return MessageID(hex.EncodeToString(h.Sum(nil)))
}
