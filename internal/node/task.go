package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"p2p-network/internal/core/network"
	"p2p-network/internal/message"
)

var (
	ErrPeerGone      = errors.New("peer task gone")
	ErrOverlayClosed = errors.New("overlay event stream closed")
	ErrListen        = errors.New("listen failed")
	ErrUnknownCmd    = errors.New("unknown command")

	// ErrNoSubscribers replaces the overlay's insufficient-peers error in
	// publish replies.
	ErrNoSubscribers = errors.New("No known peers are subscribing to that topic.")
)

type TaskOptions struct {
	ListenAddr ma.Multiaddr
	Logger     *zap.Logger
	Metrics    *Metrics
	Status     *StatusBoard
}

// Task is the network task. It is the only user of its overlay: commands
// are executed one at a time and overlay events are consumed in order.
type Task struct {
	overlay  network.Overlay
	commands <-chan Command
	replies  chan<- Result
	incoming chan<- Incoming

	listen  ma.Multiaddr
	log     *zap.Logger
	metrics *Metrics
	status  *StatusBoard
}

func NewTask(overlay network.Overlay, ch Channels, opts TaskOptions) *Task {
	t := &Task{
		overlay:  overlay,
		commands: ch.Commands,
		replies:  ch.Replies,
		incoming: ch.Incoming,
		listen:   opts.ListenAddr,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		status:   opts.Status,
	}
	if t.listen == nil {
		t.listen = ma.StringCast("/ip4/0.0.0.0/tcp/0")
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if t.status == nil {
		t.status = NewStatusBoard()
	}
	return t
}

// Run listens, then serves commands and overlay events until Shutdown, the
// command channel closing, ctx ending or a fatal failure. On return
// the reply and incoming channels are closed and the overlay is shut down.
func (t *Task) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil && ctx.Err() != nil {
			t.log.Debug("network task cancelled", zap.Error(err))
			err = nil
		}
		close(t.replies)
		close(t.incoming)
		if cerr := t.overlay.Close(); cerr != nil {
			t.log.Debug("close overlay", zap.Error(cerr))
		}
	}()

	addr, err := t.startListening(ctx)
	if err != nil {
		return err
	}
	t.log.Info("listening", zap.Stringer("addr", addr), zap.Stringer("peer", t.overlay.LocalPeer()))
	t.refreshStatus()

	events := t.overlay.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-t.commands:
			if !ok {
				t.log.Debug("command channel closed")
				return nil
			}
			res, err := t.dispatch(ctx, cmd)
			if err != nil {
				return err
			}
			t.metrics.command(cmd, res)
			t.refreshStatus()
			if err := send(ctx, t.replies, res); err != nil {
				return fmt.Errorf("reply to %s: %w", cmd.Name(), err)
			}
			if _, ok := cmd.(Shutdown); ok {
				t.log.Debug("shutdown acknowledged")
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return ErrOverlayClosed
			}
			if err := t.observe(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (t *Task) startListening(ctx context.Context) (ma.Multiaddr, error) {
	t.overlay.Listen(t.listen)
	events := t.overlay.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrOverlayClosed
			}
			switch e := ev.(type) {
			case network.NewListenAddr:
				return e.Addr, nil
			case network.ListenerError:
				return nil, fmt.Errorf("%w on %s: %v", ErrListen, t.listen, e.Err)
			}
		}
	}
}

func (t *Task) dispatch(ctx context.Context, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case Subscribe:
		ok, err := t.overlay.Subscribe(c.Topic)
		return SubscribeResult{Subscribed: ok, Err: err}, nil

	case Unsubscribe:
		ok, err := t.overlay.Unsubscribe(c.Topic)
		return UnsubscribeResult{Unsubscribed: ok, Err: err}, nil

	case Publish:
		data, err := message.Encode(c.Payload)
		if err != nil {
			return PublishResult{Err: err}, nil
		}
		id, err := t.overlay.Publish(c.Topic, data)
		if errors.Is(err, network.ErrInsufficientPeers) {
			err = ErrNoSubscribers
		}
		return PublishResult{ID: id, Err: err}, nil

	case GetRecord:
		started := time.Now()
		qid := t.overlay.GetRecord(c.Key)
		out, err := awaitQuery(ctx, t, qid, func(o network.QueryOutcome) (network.GetRecordOutcome, bool) {
			g, ok := o.(network.GetRecordOutcome)
			return g, ok
		})
		if err != nil {
			return nil, err
		}
		t.metrics.query(c, started)
		return GetRecordResult{Records: out.Records, Err: out.Err}, nil

	case PutRecord:
		started := time.Now()
		qid, err := t.overlay.PutRecord(c.Key, c.Value)
		if err != nil {
			return PutRecordResult{Err: err}, nil
		}
		out, err := awaitQuery(ctx, t, qid, func(o network.QueryOutcome) (network.PutRecordOutcome, bool) {
			p, ok := o.(network.PutRecordOutcome)
			return p, ok
		})
		if err != nil {
			return nil, err
		}
		t.metrics.query(c, started)
		return PutRecordResult{Err: out.Err}, nil

	case RemoveRecord:
		t.overlay.RemoveRecord(c.Key)
		return RemoveRecordAck{}, nil

	case Connect:
		return t.connect(ctx, c)

	case Shutdown:
		return ShutdownAck{}, nil

	default:
		return nil, fmt.Errorf("%w %T", ErrUnknownCmd, cmd)
	}
}

func (t *Task) connect(ctx context.Context, c Connect) (Result, error) {
	if c.Addr == nil {
		return ConnectResult{Err: errors.New("no address given")}, nil
	}
	if err := t.overlay.Dial(c.Addr); err != nil {
		return ConnectResult{Err: err}, nil
	}
	res, err := awaitEvent(ctx, t, func(ev network.Event) (ConnectResult, bool) {
		switch e := ev.(type) {
		case network.ConnectionEstablished:
			if e.Dialer && e.Addr.Equal(c.Addr) {
				return ConnectResult{Peer: e.Peer}, true
			}
		case network.UnreachableAddr:
			if e.Addr.Equal(c.Addr) {
				return ConnectResult{Peer: e.Peer, Err: e.Err}, true
			}
		}
		return ConnectResult{}, false
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// observe handles an event that is not the answer to an outstanding
// command. Gossip is forwarded to the operator, discoveries feed the DHT.
func (t *Task) observe(ctx context.Context, ev network.Event) error {
	t.metrics.event(ev)
	switch e := ev.(type) {
	case network.GossipMessage:
		return t.forward(ctx, e)
	case network.Discovered:
		t.log.Debug("discovered peers", zap.Int("count", len(e.Peers)))
		t.overlay.AddDiscoveredPeers(e.Peers)
		t.refreshStatus()
	case network.QueryResult:
		if b, ok := e.Outcome.(network.BootstrapOutcome); ok {
			if b.Err != nil {
				t.log.Warn("dht bootstrap failed", zap.Error(b.Err))
			} else {
				t.log.Info("dht bootstrapped")
			}
			t.refreshStatus()
			return nil
		}
		t.log.Debug("unclaimed query result", zap.Stringer("query", e.ID))
	case network.ConnectionEstablished:
		t.log.Debug("connection established", zap.Stringer("peer", e.Peer), zap.Bool("dialer", e.Dialer))
		t.refreshStatus()
	case network.ConnectionClosed:
		t.log.Debug("connection closed", zap.Stringer("peer", e.Peer))
		t.refreshStatus()
	case network.UnreachableAddr:
		t.log.Debug("unreachable address", zap.Stringer("addr", e.Addr), zap.Error(e.Err))
	case network.GossipPeerJoined:
		t.log.Debug("peer joined topic", zap.String("topic", e.Topic), zap.Stringer("peer", e.Peer))
	case network.GossipPeerLeft:
		t.log.Debug("peer left topic", zap.String("topic", e.Topic), zap.Stringer("peer", e.Peer))
	case network.RequestReceived:
		t.log.Debug("answered request", zap.Stringer("peer", e.Peer))
	case network.NewListenAddr:
		t.log.Info("listening", zap.Stringer("addr", e.Addr))
		t.refreshStatus()
	default:
		t.log.Debug("overlay event", zap.Stringer("protocol", ev.Protocol()), zap.String("type", fmt.Sprintf("%T", ev)))
	}
	return nil
}

// forward decodes a gossip payload and hands it to the operator. Payloads
// that do not decode are dropped.
func (t *Task) forward(ctx context.Context, m network.GossipMessage) error {
	p, err := message.Decode(m.Data)
	if err != nil {
		t.metrics.dropped.Inc()
		t.log.Debug("dropping undecodable payload", zap.String("topic", m.Topic), zap.Stringer("source", m.Source), zap.Error(err))
		return nil
	}
	if err := send(ctx, t.incoming, Incoming{Topic: m.Topic, Payload: p, Source: m.Source}); err != nil {
		return fmt.Errorf("forward message: %w", err)
	}
	t.metrics.incoming.Inc()
	return nil
}

func (t *Task) refreshStatus() {
	t.status.store(t.overlay.Stats())
}

// LocalPeer returns the identity the task's overlay runs under.
func (t *Task) LocalPeer() peer.ID {
	return t.overlay.LocalPeer()
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ErrPeerGone
	}
}
