package network

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// MemoryNet is a process-local network of MemoryOverlay nodes. Gossip is
// delivered synchronously and every node's record store is reachable from
// every other node, so event order is deterministic.
type MemoryNet struct {
	mu       sync.RWMutex
	nodes    map[peer.ID]*MemoryOverlay
	order    []peer.ID
	nextPort int
}

func NewMemoryNet() *MemoryNet {
	return &MemoryNet{nodes: make(map[peer.ID]*MemoryOverlay), nextPort: 4000}
}

// NewNode joins a fresh node with its own Ed25519 identity.
func (n *MemoryNet) NewNode(maxRecords int) (*MemoryOverlay, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	if maxRecords <= 0 {
		maxRecords = 1024
	}
	o := &MemoryOverlay{
		net:        n,
		id:         id,
		events:     newEventQueue(),
		maxRecords: maxRecords,
		subs:       make(map[string]bool),
		records:    make(map[string]Record),
		known:      make(map[peer.ID]struct{}),
	}
	n.mu.Lock()
	n.nodes[id] = o
	n.order = append(n.order, id)
	n.mu.Unlock()
	return o, nil
}

// Discover announces every node to every other node, as one mDNS round would.
func (n *MemoryNet) Discover() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, id := range n.order {
		node, ok := n.nodes[id]
		if !ok {
			continue
		}
		var batch []peer.AddrInfo
		for _, other := range n.order {
			o, ok := n.nodes[other]
			if !ok || other == id {
				continue
			}
			batch = append(batch, peer.AddrInfo{ID: other, Addrs: o.listenAddrs()})
		}
		if len(batch) > 0 {
			node.events.push(Discovered{Peers: batch})
		}
	}
}

func (n *MemoryNet) node(id peer.ID) (*MemoryOverlay, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	o, ok := n.nodes[id]
	return o, ok
}

func (n *MemoryNet) others(self peer.ID) []*MemoryOverlay {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryOverlay, 0, len(n.order))
	for _, id := range n.order {
		if o, ok := n.nodes[id]; ok && id != self {
			out = append(out, o)
		}
	}
	return out
}

func (n *MemoryNet) allocPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextPort++
	return n.nextPort
}

func (n *MemoryNet) remove(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// MemoryOverlay implements Overlay on a MemoryNet.
type MemoryOverlay struct {
	net        *MemoryNet
	id         peer.ID
	events     *eventQueue
	maxRecords int

	mu           sync.Mutex
	subs         map[string]bool
	records      map[string]Record
	known        map[peer.ID]struct{}
	listen       []ma.Multiaddr
	listenErr    error
	bootstrapped bool
	nextQuery    uint64
	published    uint64
	holding      bool
	held         []QueryResult
	closed       bool
}

var _ Overlay = (*MemoryOverlay)(nil)

func (o *MemoryOverlay) LocalPeer() peer.ID {
	return o.id
}

func (o *MemoryOverlay) Events() <-chan Event {
	return o.events.events()
}

// FailListen makes the next Listen report err as a ListenerError.
func (o *MemoryOverlay) FailListen(err error) {
	o.mu.Lock()
	o.listenErr = err
	o.mu.Unlock()
}

// HoldQueries parks DHT results until ReleaseQueries is called.
func (o *MemoryOverlay) HoldQueries() {
	o.mu.Lock()
	o.holding = true
	o.mu.Unlock()
}

// ReleaseQueries emits every parked DHT result and stops holding.
func (o *MemoryOverlay) ReleaseQueries() {
	o.mu.Lock()
	held := o.held
	o.held = nil
	o.holding = false
	o.mu.Unlock()
	for _, r := range held {
		o.events.push(r)
	}
}

// PendingQueries reports how many DHT results are parked.
func (o *MemoryOverlay) PendingQueries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.held)
}

// Inject pushes ev onto the node's event stream.
func (o *MemoryOverlay) Inject(ev Event) {
	o.events.push(ev)
}

func (o *MemoryOverlay) listenAddrs() []ma.Multiaddr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ma.Multiaddr(nil), o.listen...)
}

func (o *MemoryOverlay) Listen(addr ma.Multiaddr) {
	o.mu.Lock()
	err := o.listenErr
	o.mu.Unlock()
	if err != nil {
		o.events.push(ListenerError{Addr: addr, Err: err})
		return
	}
	a, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", o.net.allocPort()))
	if err != nil {
		o.events.push(ListenerError{Addr: addr, Err: err})
		return
	}
	o.mu.Lock()
	o.listen = append(o.listen, a)
	o.mu.Unlock()
	o.events.push(NewListenAddr{Addr: a})
}

func (o *MemoryOverlay) Dial(addr ma.Multiaddr) error {
	transportAddr, id := peer.SplitAddr(addr)
	if id == "" {
		return ErrMissingPeerID
	}
	target, ok := o.net.node(id)
	if !ok || id == o.id || !target.listensOn(transportAddr) {
		o.events.push(UnreachableAddr{Peer: id, Addr: addr, Err: fmt.Errorf("no route to %s", id)})
		return nil
	}
	o.mu.Lock()
	o.known[id] = struct{}{}
	o.mu.Unlock()
	o.events.push(ConnectionEstablished{Peer: id, Addr: addr, Dialer: true})
	target.events.push(ConnectionEstablished{Peer: o.id, Addr: transportAddr})
	return nil
}

func (o *MemoryOverlay) listensOn(addr ma.Multiaddr) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if addr == nil {
		return len(o.listen) > 0
	}
	for _, a := range o.listen {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

func (o *MemoryOverlay) subscribed(topic string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs[topic]
}

func (o *MemoryOverlay) Subscribe(topic string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs[topic] {
		return false, nil
	}
	o.subs[topic] = true
	return true, nil
}

func (o *MemoryOverlay) Unsubscribe(topic string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.subs[topic] {
		return false, nil
	}
	delete(o.subs, topic)
	return true, nil
}

func (o *MemoryOverlay) Publish(topic string, data []byte) (MessageID, error) {
	var targets []*MemoryOverlay
	for _, other := range o.net.others(o.id) {
		if other.subscribed(topic) {
			targets = append(targets, other)
		}
	}
	if len(targets) == 0 {
		return "", ErrInsufficientPeers
	}
	o.mu.Lock()
	o.published++
	n := o.published
	o.mu.Unlock()
	id := publicationID(o.id, n, data)
	for _, t := range targets {
		t.events.push(GossipMessage{
			Topic:  topic,
			Data:   append([]byte(nil), data...),
			Source: o.id,
			ID:     id,
		})
	}
	return id, nil
}

func (o *MemoryOverlay) lookup(key []byte) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[string(key)]
	return r, ok
}

func (o *MemoryOverlay) emitQuery(r QueryResult) {
	o.mu.Lock()
	if o.holding {
		o.held = append(o.held, r)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.events.push(r)
}

func (o *MemoryOverlay) newQueryID() QueryID {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextQuery++
	return QueryID(o.nextQuery)
}

func (o *MemoryOverlay) GetRecord(key []byte) QueryID {
	id := o.newQueryID()
	var found []Record
	if r, ok := o.lookup(key); ok {
		found = append(found, r)
	} else {
		for _, other := range o.net.others(o.id) {
			if r, ok := other.lookup(key); ok {
				found = append(found, r)
				break
			}
		}
	}
	out := GetRecordOutcome{Records: found}
	if len(found) == 0 {
		out.Err = NotFoundError{Key: append([]byte(nil), key...)}
	}
	o.emitQuery(QueryResult{ID: id, Outcome: out})
	return id
}

func (o *MemoryOverlay) PutRecord(key, value []byte) (QueryID, error) {
	o.mu.Lock()
	if _, ok := o.records[string(key)]; !ok && len(o.records) >= o.maxRecords {
		o.mu.Unlock()
		return 0, ErrStoreFull
	}
	o.records[string(key)] = Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Publisher: o.id,
	}
	o.mu.Unlock()
	id := o.newQueryID()
	o.emitQuery(QueryResult{ID: id, Outcome: PutRecordOutcome{Key: append([]byte(nil), key...)}})
	return id, nil
}

func (o *MemoryOverlay) RemoveRecord(key []byte) {
	o.mu.Lock()
	delete(o.records, string(key))
	o.mu.Unlock()
}

func (o *MemoryOverlay) AddDiscoveredPeers(peers []peer.AddrInfo) {
	o.mu.Lock()
	for _, p := range peers {
		if p.ID != o.id {
			o.known[p.ID] = struct{}{}
		}
	}
	start := !o.bootstrapped && len(o.known) > 0
	if start {
		o.bootstrapped = true
		o.nextQuery++
	}
	id := QueryID(o.nextQuery)
	o.mu.Unlock()
	if start {
		o.events.push(QueryResult{ID: id, Outcome: BootstrapOutcome{}})
	}
}

func (o *MemoryOverlay) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	subs := make([]string, 0, len(o.subs))
	for t := range o.subs {
		subs = append(subs, t)
	}
	sort.Strings(subs)
	return Stats{
		PeerID:         o.id,
		ListenAddrs:    append([]ma.Multiaddr(nil), o.listen...),
		Subscriptions:  subs,
		ConnectedPeers: len(o.known),
		Records:        len(o.records),
		Bootstrapped:   o.bootstrapped,
	}
}

func (o *MemoryOverlay) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.closed = true
	o.mu.Unlock()
	o.net.remove(o.id)
	o.events.close()
	return nil
}
