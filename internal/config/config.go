package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	ma "github.com/multiformats/go-multiaddr"

	"p2p-network/internal/core/identity"
)

// EnvKeyDir names the directory holding the identity key.
const EnvKeyDir = "P2P_NET_PATH"

const (
	DefaultKeyDir          = ".p2p"
	DefaultListenAddr      = "/ip4/0.0.0.0/tcp/0"
	DefaultMDNSServiceName = "p2p-network"
	DefaultChannelCapacity = 64
	DefaultMaxRecords      = 1024
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	KeyPath         string
	ListenAddr      ma.Multiaddr
	MDNSServiceName string
	EnableMDNS      bool
	HTTPAddr        string
	ChannelCapacity int
	MaxRecords      int
	EnableReqRes    bool
	Debug           bool
}

// Load parses command line flags and consults getenv for the key directory.
func Load(args []string, getenv func(string) string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("p2p-node", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	listen := fs.String("listen", DefaultListenAddr, "multiaddress to listen on")
	service := fs.String("mdns-service", DefaultMDNSServiceName, "mDNS service name peers must share")
	enableMDNS := fs.Bool("mdns", true, "discover peers on the local network with mDNS")
	httpAddr := fs.String("http", "", "status and metrics listen address (disabled when empty)")
	capacity := fs.Int("channel-capacity", DefaultChannelCapacity, "buffer size of the command, reply and incoming channels")
	maxRecords := fs.Int("max-records", DefaultMaxRecords, "maximum number of records this node publishes")
	reqres := fs.Bool("reqres", true, "serve the /p2p/1 request-response protocol")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("%w: unexpected argument %q", ErrInvalid, fs.Arg(0))
	}

	addr, err := ma.NewMultiaddr(*listen)
	if err != nil {
		return Config{}, fmt.Errorf("%w: listen address %q: %v", ErrInvalid, *listen, err)
	}
	if *capacity < 1 {
		return Config{}, fmt.Errorf("%w: channel capacity must be at least 1", ErrInvalid)
	}
	if *maxRecords < 1 {
		return Config{}, fmt.Errorf("%w: max records must be at least 1", ErrInvalid)
	}

	dir := DefaultKeyDir
	if getenv != nil {
		if v := getenv(EnvKeyDir); v != "" {
			dir = v
		}
	}
	return Config{
		KeyPath:         filepath.Join(dir, identity.KeyFileName),
		ListenAddr:      addr,
		MDNSServiceName: *service,
		EnableMDNS:      *enableMDNS,
		HTTPAddr:        *httpAddr,
		ChannelCapacity: *capacity,
		MaxRecords:      *maxRecords,
		EnableReqRes:    *reqres,
		Debug:           *debug,
	}, nil
}
