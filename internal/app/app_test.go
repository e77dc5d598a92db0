package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"p2p-network/internal/config"
	"p2p-network/internal/core/network"
	"p2p-network/internal/node"
)

func testConfig(t *testing.T, args ...string) config.Config {
	t.Helper()
	cfg, err := config.Load(args, func(k string) string {
		if k == config.EnvKeyDir {
			return t.TempDir()
		}
		return ""
	}, io.Discard)
	require.NoError(t, err)
	return cfg
}

func serve(t *testing.T, overlay network.Overlay, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(context.Background(), overlay, testConfig(t), strings.NewReader(input), &out, zaptest.NewLogger(t))
	}()
	select {
	case err := <-errc:
		return out.String(), err
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop")
		return "", nil
	}
}

func TestServeRecordsAndShutdown(t *testing.T) {
	o, err := network.NewMemoryNet().NewNode(0)
	require.NoError(t, err)

	out, err := serve(t, o, strings.Join([]string{
		`put-record -k "k1" -v "v1"`,
		`get-record -k "k1"`,
		`get-record -k "absent"`,
		`publish -t nobody message -v "x"`,
		"shutdown",
	}, "\n"))
	require.NoError(t, err)
	require.Contains(t, out, "Successfully published record.")
	require.Contains(t, out, `Received record {key: "k1", value: "v1", publisher: `+o.LocalPeer().String()+`}.`)
	require.Contains(t, out, "Failed to get record: NotFound(absent).")
	require.Contains(t, out, "Failed to publish: No known peers are subscribing to that topic.")
	require.True(t, strings.HasSuffix(out, "Shutting down.\n"), out)
}

func TestServeListenFailure(t *testing.T) {
	o, err := network.NewMemoryNet().NewNode(0)
	require.NoError(t, err)
	o.FailListen(errors.New("address in use"))

	pr, pw := io.Pipe()
	defer pw.Close()
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(context.Background(), o, testConfig(t), pr, io.Discard, zaptest.NewLogger(t))
	}()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, node.ErrListen)
	case <-time.After(10 * time.Second):
		t.Fatal("listen failure did not stop the node")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	o, err := network.NewMemoryNet().NewNode(0)
	require.NoError(t, err)

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(ctx, o, testConfig(t), pr, io.Discard, zaptest.NewLogger(t))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not stop the node")
	}
}

func TestRunSingleLibp2pNode(t *testing.T) {
	cfg := testConfig(t, "-listen", "/ip4/127.0.0.1/tcp/0", "-mdns=false")
	require.Equal(t, "private.pk8", filepath.Base(cfg.KeyPath))

	var out bytes.Buffer
	input := "put-record -k k1 -v v1\nget-record -k k1\nsubscribe -t demo\nsubscribe -t demo\nshutdown\n"
	errc := make(chan error, 1)
	go func() {
		errc <- Run(context.Background(), cfg, strings.NewReader(input), &out, zaptest.NewLogger(t))
	}()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("node did not stop")
	}
	s := out.String()
	require.Contains(t, s, "Successfully published record.")
	require.Contains(t, s, `Received record {key: "k1", value: "v1"`)
	require.Contains(t, s, "Successfully subscribed.")
	require.Contains(t, s, "Already subscribed.")
}
