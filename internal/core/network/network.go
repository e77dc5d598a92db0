package network

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var (
	ErrInsufficientPeers = errors.New("insufficient peers")
	ErrStoreFull         = errors.New("local record store is full")
	ErrMissingPeerID     = errors.New("address does not name a peer (missing /p2p component)")
	ErrClosed            = errors.New("overlay closed")
)

// NotFoundError reports a DHT lookup that finished without any record for Key.
type NotFoundError struct {
	Key []byte
}

func (e NotFoundError) Error() string {
	return "NotFound(" + KeyString(e.Key) + ")"
}

// KeyString renders a record key as text, falling back to a quoted form for
// keys that are not valid UTF-8.
func KeyString(key []byte) string {
	if utf8.Valid(key) {
		return string(key)
	}
	return strconv.Quote(string(key))
}

// QueryID identifies an outstanding DHT operation until its QueryResult event.
type QueryID uint64

func (id QueryID) String() string {
	return "query-" + strconv.FormatUint(uint64(id), 10)
}

// MessageID identifies a published gossip message.
type MessageID string

// Record is a DHT entry. Publisher is empty when unknown.
type Record struct {
	Key       []byte
	Value     []byte
	Publisher peer.ID
}

func (r Record) String() string {
	pub := "None"
	if r.Publisher != "" {
		pub = r.Publisher.String()
	}
	return fmt.Sprintf("{key: %q, value: %q, publisher: %s}", r.Key, r.Value, pub)
}

// Stats is a point-in-time view of overlay state for diagnostics.
type Stats struct {
	PeerID         peer.ID
	ListenAddrs    []ma.Multiaddr
	Subscriptions  []string
	ConnectedPeers int
	Records        int
	Bootstrapped   bool
}

// Overlay is the facade over discovery, the DHT and gossip pub/sub. Methods
// never block on the network; asynchronous outcomes arrive on Events.
type Overlay interface {
	LocalPeer() peer.ID
	Events() <-chan Event

	Listen(addr ma.Multiaddr)
	Dial(addr ma.Multiaddr) error

	Subscribe(topic string) (bool, error)
	Unsubscribe(topic string) (bool, error)
	Publish(topic string, data []byte) (MessageID, error)

	GetRecord(key []byte) QueryID
	PutRecord(key, value []byte) (QueryID, error)
	RemoveRecord(key []byte)

	AddDiscoveredPeers(peers []peer.AddrInfo)
	Stats() Stats

	Close() error
}
