package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// discoveryNotifee turns mDNS callbacks into Discovered events. Routing
// table updates and bootstrap happen when the owner of the overlay hands the
// batch back through AddDiscoveredPeers.
type discoveryNotifee struct {
	self   peer.ID
	events *eventQueue
}

func (n *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.self {
		return
	}
	n.events.push(Discovered{Peers: []peer.AddrInfo{info}})
}
