package node

import (
	"sync/atomic"

	"p2p-network/internal/core/network"
)

// Status is a snapshot of the node published by the network task.
type Status struct {
	PeerID         string   `json:"peer_id"`
	ListenAddrs    []string `json:"listen_addrs"`
	Subscriptions  []string `json:"subscriptions"`
	Bootstrapped   bool     `json:"bootstrapped"`
	ConnectedPeers int      `json:"connected_peers"`
	Records        int      `json:"records"`
}

// StatusBoard holds the latest Status. Readers never touch the overlay.
type StatusBoard struct {
	cur atomic.Pointer[Status]
}

func NewStatusBoard() *StatusBoard {
	b := &StatusBoard{}
	b.cur.Store(&Status{})
	return b
}

func (b *StatusBoard) Load() Status {
	return *b.cur.Load()
}

func (b *StatusBoard) store(s network.Stats) {
	st := &Status{
		PeerID:         s.PeerID.String(),
		ListenAddrs:    make([]string, 0, len(s.ListenAddrs)),
		Subscriptions:  append([]string{}, s.Subscriptions...),
		Bootstrapped:   s.Bootstrapped,
		ConnectedPeers: s.ConnectedPeers,
		Records:        s.Records,
	}
	for _, a := range s.ListenAddrs {
		st.ListenAddrs = append(st.ListenAddrs, a.String())
	}
	b.cur.Store(st)
}
