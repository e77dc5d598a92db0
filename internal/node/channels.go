package node

// Channels connects the operator task to the network task. The operator
// owns Commands as sender; the network task owns Replies and Incoming.
type Channels struct {
	Commands chan Command
	Replies  chan Result
	Incoming chan Incoming
}

// NewChannels allocates the three channels with the given buffer size.
// Senders block while a channel is full.
func NewChannels(capacity int) Channels {
	if capacity < 1 {
		capacity = 1
	}
	return Channels{
		Commands: make(chan Command, capacity),
		Replies:  make(chan Result, capacity),
		Incoming: make(chan Incoming, capacity),
	}
}
