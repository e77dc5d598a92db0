package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Protocol tags the overlay component that produced an event.
type Protocol int

const (
	ProtocolSwarm Protocol = iota
	ProtocolKademlia
	ProtocolGossip
	ProtocolDiscovery
	ProtocolRequestResponse
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSwarm:
		return "swarm"
	case ProtocolKademlia:
		return "kademlia"
	case ProtocolGossip:
		return "gossip"
	case ProtocolDiscovery:
		return "discovery"
	case ProtocolRequestResponse:
		return "request-response"
	default:
		return "unknown"
	}
}

// Event is one item of the merged overlay event stream.
type Event interface {
	Protocol() Protocol
}

type NewListenAddr struct {
	Addr ma.Multiaddr
}

type ListenerError struct {
	Addr ma.Multiaddr
	Err  error
}

// ConnectionEstablished is emitted for inbound connections and for every
// successful outbound dial. For dials Addr is the address that was dialed.
type ConnectionEstablished struct {
	Peer   peer.ID
	Addr   ma.Multiaddr
	Dialer bool
}

type ConnectionClosed struct {
	Peer peer.ID
	Addr ma.Multiaddr
}

// UnreachableAddr reports a failed dial of Addr. Peer is empty when the
// remote identity was not known up front.
type UnreachableAddr struct {
	Peer peer.ID
	Addr ma.Multiaddr
	Err  error
}

// Discovered carries a batch of peers found by mDNS.
type Discovered struct {
	Peers []peer.AddrInfo
}

// QueryResult completes the DHT operation identified by ID.
type QueryResult struct {
	ID      QueryID
	Outcome QueryOutcome
}

// QueryOutcome is one of GetRecordOutcome, PutRecordOutcome or BootstrapOutcome.
type QueryOutcome interface {
	queryKind() string
}

type GetRecordOutcome struct {
	Records []Record
	Err     error
}

type PutRecordOutcome struct {
	Key []byte
	Err error
}

type BootstrapOutcome struct {
	Err error
}

func (GetRecordOutcome) queryKind() string { return "get_record" }
func (PutRecordOutcome) queryKind() string { return "put_record" }
func (BootstrapOutcome) queryKind() string { return "bootstrap" }

// GossipMessage is an accepted pub/sub message from a remote peer.
type GossipMessage struct {
	Topic  string
	Data   []byte
	Source peer.ID
	ID     MessageID
}

type GossipPeerJoined struct {
	Topic string
	Peer  peer.ID
}

type GossipPeerLeft struct {
	Topic string
	Peer  peer.ID
}

// RequestReceived reports an answered inbound /p2p/1 request.
type RequestReceived struct {
	Peer     peer.ID
	Request  Request
	Response Response
}

func (NewListenAddr) Protocol() Protocol         { return ProtocolSwarm }
func (ListenerError) Protocol() Protocol         { return ProtocolSwarm }
func (ConnectionEstablished) Protocol() Protocol { return ProtocolSwarm }
func (ConnectionClosed) Protocol() Protocol      { return ProtocolSwarm }
func (UnreachableAddr) Protocol() Protocol       { return ProtocolSwarm }
func (Discovered) Protocol() Protocol            { return ProtocolDiscovery }
func (QueryResult) Protocol() Protocol           { return ProtocolKademlia }
func (GossipMessage) Protocol() Protocol         { return ProtocolGossip }
func (GossipPeerJoined) Protocol() Protocol      { return ProtocolGossip }
func (GossipPeerLeft) Protocol() Protocol        { return ProtocolGossip }
func (RequestReceived) Protocol() Protocol       { return ProtocolRequestResponse }
