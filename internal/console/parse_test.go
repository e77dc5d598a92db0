package console

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2p-network/internal/message"
	"p2p-network/internal/node"
)

func TestParseCommands(t *testing.T) {
	cases := []struct {
		line string
		want node.Command
	}{
		{"subscribe -t demo", node.Subscribe{Topic: "demo"}},
		{"subscribe --topic=demo", node.Subscribe{Topic: "demo"}},
		{"p2p unsubscribe --topic demo", node.Unsubscribe{Topic: "demo"}},
		{`publish -t demo message -v "hello there"`, node.Publish{Topic: "demo", Payload: message.Text{Text: "hello there"}}},
		{"publish --topic demo message --value=hi", node.Publish{Topic: "demo", Payload: message.Text{Text: "hi"}}},
		{"publish -t lights led on", node.Publish{Topic: "lights", Payload: message.Led{Mode: message.LedOn}}},
		{"publish -t lights led off", node.Publish{Topic: "lights", Payload: message.Led{Mode: message.LedOff}}},
		{"publish -t lights led blink -f 1.5", node.Publish{Topic: "lights", Payload: message.Led{Mode: message.LedBlink, Period: 1500 * time.Millisecond}}},
		{`get-record -k "k 1"`, node.GetRecord{Key: []byte("k 1")}},
		{"put-record -k k1 -v v1", node.PutRecord{Key: []byte("k1"), Value: []byte("v1")}},
		{"remove-record --key k1", node.RemoveRecord{Key: []byte("k1")}},
		{"shutdown", node.Shutdown{}},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := Parse(tc.line)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseConnect(t *testing.T) {
	cmd, err := Parse("connect -a /ip4/127.0.0.1/tcp/4001/p2p/12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA")
	require.NoError(t, err)
	c, ok := cmd.(node.Connect)
	require.True(t, ok)
	require.Equal(t, "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA", c.Addr.String())

	_, err = Parse("connect -a nonsense")
	require.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]error{
		"":                           ErrEmpty,
		"dance":                      ErrUnknownCommand,
		"subscribe":                  ErrMissingArg,
		"publish -t demo":            ErrMissingArg,
		"publish -t demo message":    ErrMissingArg,
		"publish -t demo shout -v x": ErrUnknownCommand,
		"publish -t demo led":        ErrMissingArg,
		"publish -t demo led strobe": ErrUnknownCommand,
		"publish -t demo led blink":  ErrMissingArg,
		"put-record -k k":            ErrMissingArg,
		"get-record":                 ErrMissingArg,
		"connect":                    ErrMissingArg,
	}
	for line, want := range cases {
		_, err := Parse(line)
		require.True(t, errors.Is(err, want), "%q: got %v", line, err)
	}

	for _, line := range []string{
		"publish -t demo led blink -f zero",
		"publish -t demo led blink -f -1",
		"subscribe -t a extra",
		"subscribe -x a",
		"shutdown now",
		`publish -t demo message -v "unterminated`,
	} {
		_, err := Parse(line)
		require.Error(t, err, line)
	}
}
