package node

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"p2p-network/internal/core/network"
	"p2p-network/internal/message"
)

// Command is an operator request for the network task. Every command is
// answered by exactly one Result of the matching type.
type Command interface {
	Name() string
}

type Connect struct {
	Addr ma.Multiaddr
}

type Subscribe struct {
	Topic string
}

type Unsubscribe struct {
	Topic string
}

type Publish struct {
	Topic   string
	Payload message.Payload
}

type GetRecord struct {
	Key []byte
}

type PutRecord struct {
	Key   []byte
	Value []byte
}

// RemoveRecord drops a record from the local store only.
type RemoveRecord struct {
	Key []byte
}

type Shutdown struct{}

func (Connect) Name() string      { return "connect" }
func (Subscribe) Name() string    { return "subscribe" }
func (Unsubscribe) Name() string  { return "unsubscribe" }
func (Publish) Name() string      { return "publish" }
func (GetRecord) Name() string    { return "get_record" }
func (PutRecord) Name() string    { return "put_record" }
func (RemoveRecord) Name() string { return "remove_record" }
func (Shutdown) Name() string     { return "shutdown" }

// Result answers a Command. Err carries the failure, if any.
type Result interface {
	Failure() error
}

type ConnectResult struct {
	Peer peer.ID
	Err  error
}

// SubscribeResult reports false when the topic was already subscribed.
type SubscribeResult struct {
	Subscribed bool
	Err        error
}

// UnsubscribeResult reports false when there was no subscription.
type UnsubscribeResult struct {
	Unsubscribed bool
	Err          error
}

type PublishResult struct {
	ID  network.MessageID
	Err error
}

type GetRecordResult struct {
	Records []network.Record
	Err     error
}

type PutRecordResult struct {
	Err error
}

type RemoveRecordAck struct{}

type ShutdownAck struct{}

func (r ConnectResult) Failure() error     { return r.Err }
func (r SubscribeResult) Failure() error   { return r.Err }
func (r UnsubscribeResult) Failure() error { return r.Err }
func (r PublishResult) Failure() error     { return r.Err }
func (r GetRecordResult) Failure() error   { return r.Err }
func (r PutRecordResult) Failure() error   { return r.Err }
func (RemoveRecordAck) Failure() error     { return nil }
func (ShutdownAck) Failure() error         { return nil }

// Incoming is a decoded pub/sub message delivered to the operator.
type Incoming struct {
	Topic   string
	Payload message.Payload
	Source  peer.ID
}
