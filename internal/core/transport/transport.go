package transport

import (
	"fmt"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	madns "github.com/multiformats/go-multiaddr-dns"
)

// UpgradeTimeout bounds an outbound dial, from TCP connect through the
// security and multiplexer negotiation, for local and remote addresses
// alike. Inbound negotiation keeps the upgrader's own accept timeout.
const UpgradeTimeout = 30 * time.Second

// Options tunes the connection manager watermarks.
type Options struct {
	LowWater    int
	HighWater   int
	GracePeriod time.Duration
	Resolver    *madns.Resolver
}

func (o Options) withDefaults() Options {
	if o.LowWater <= 0 {
		o.LowWater = 32
	}
	if o.HighWater <= o.LowWater {
		o.HighWater = o.LowWater * 4
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = time.Minute
	}
	if o.Resolver == nil {
		o.Resolver = madns.DefaultResolver
	}
	return o
}

// Config returns the libp2p options for a TCP transport with DNS address
// resolution, Noise XX authentication and yamux multiplexing. The host is
// created without listeners; the caller listens explicitly.
func Config(key crypto.PrivKey, opts Options) ([]libp2p.Option, error) {
	opts = opts.withDefaults()
	cm, err := connmgr.NewConnManager(opts.LowWater, opts.HighWater, connmgr.WithGracePeriod(opts.GracePeriod))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	return []libp2p.Option{
		libp2p.Identity(key),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport, tcp.WithConnectionTimeout(UpgradeTimeout)),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.MultiaddrResolver(swarm.ResolverFromMaDNS{Resolver: opts.Resolver}),
		libp2p.ConnectionManager(cm),
		libp2p.WithDialTimeout(UpgradeTimeout),
		libp2p.SwarmOpts(swarm.WithDialTimeoutLocal(UpgradeTimeout)),
	}, nil
}

// Build creates a host bound to key using the pipeline from Config.
func Build(key crypto.PrivKey, opts Options) (host.Host, error) {
	cfg, err := Config(key, opts)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(cfg...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return h, nil
}
