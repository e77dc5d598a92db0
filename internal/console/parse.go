package console

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	ma "github.com/multiformats/go-multiaddr"

	"p2p-network/internal/message"
	"p2p-network/internal/node"
)

var (
	ErrEmpty          = errors.New("empty input")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingArg     = errors.New("missing required argument")
)

// Parse turns one input line into a command.
func Parse(line string) (node.Command, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(args) > 0 && args[0] == "p2p" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, ErrEmpty
	}

	name, rest := args[0], args[1:]
	switch name {
	case "subscribe":
		topic, err := parseTopicOnly(name, rest)
		if err != nil {
			return nil, err
		}
		return node.Subscribe{Topic: topic}, nil
	case "unsubscribe":
		topic, err := parseTopicOnly(name, rest)
		if err != nil {
			return nil, err
		}
		return node.Unsubscribe{Topic: topic}, nil
	case "publish":
		return parsePublish(rest)
	case "get-record":
		fs, key, _ := keyValueFlags(name)
		if err := parseAll(fs, rest); err != nil {
			return nil, err
		}
		if !isSet(fs, "k", "key") {
			return nil, fmt.Errorf("%s: %w --key", name, ErrMissingArg)
		}
		return node.GetRecord{Key: []byte(*key)}, nil
	case "put-record":
		fs, key, value := keyValueFlags(name)
		if err := parseAll(fs, rest); err != nil {
			return nil, err
		}
		if !isSet(fs, "k", "key") {
			return nil, fmt.Errorf("%s: %w --key", name, ErrMissingArg)
		}
		if !isSet(fs, "v", "value") {
			return nil, fmt.Errorf("%s: %w --value", name, ErrMissingArg)
		}
		return node.PutRecord{Key: []byte(*key), Value: []byte(*value)}, nil
	case "remove-record":
		fs, key, _ := keyValueFlags(name)
		if err := parseAll(fs, rest); err != nil {
			return nil, err
		}
		if !isSet(fs, "k", "key") {
			return nil, fmt.Errorf("%s: %w --key", name, ErrMissingArg)
		}
		return node.RemoveRecord{Key: []byte(*key)}, nil
	case "connect":
		fs := newFlagSet(name)
		var addr string
		fs.StringVar(&addr, "a", "", "peer multiaddress")
		fs.StringVar(&addr, "address", "", "peer multiaddress")
		if err := parseAll(fs, rest); err != nil {
			return nil, err
		}
		if !isSet(fs, "a", "address") {
			return nil, fmt.Errorf("%s: %w --address", name, ErrMissingArg)
		}
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("connect: invalid address %q: %w", addr, err)
		}
		return node.Connect{Addr: a}, nil
	case "shutdown":
		if len(rest) != 0 {
			return nil, fmt.Errorf("shutdown takes no arguments")
		}
		return node.Shutdown{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseAll(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), err)
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("%s: unexpected argument %q", fs.Name(), fs.Arg(0))
	}
	return nil
}

func isSet(fs *flag.FlagSet, names ...string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		for _, n := range names {
			if f.Name == n {
				set = true
			}
		}
	})
	return set
}

func parseTopicOnly(name string, args []string) (string, error) {
	fs := newFlagSet(name)
	topic := topicFlag(fs)
	if err := parseAll(fs, args); err != nil {
		return "", err
	}
	if !isSet(fs, "t", "topic") {
		return "", fmt.Errorf("%s: %w --topic", name, ErrMissingArg)
	}
	return *topic, nil
}

func topicFlag(fs *flag.FlagSet) *string {
	var topic string
	fs.StringVar(&topic, "t", "", "gossip topic")
	fs.StringVar(&topic, "topic", "", "gossip topic")
	return &topic
}

func keyValueFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := newFlagSet(name)
	var key, value string
	fs.StringVar(&key, "k", "", "record key")
	fs.StringVar(&key, "key", "", "record key")
	fs.StringVar(&value, "v", "", "record value")
	fs.StringVar(&value, "value", "", "record value")
	return fs, &key, &value
}

func parsePublish(args []string) (node.Command, error) {
	fs := newFlagSet("publish")
	topic := topicFlag(fs)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	if !isSet(fs, "t", "topic") {
		return nil, fmt.Errorf("publish: %w --topic", ErrMissingArg)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("publish: %w (message|led)", ErrMissingArg)
	}

	var payload message.Payload
	switch rest[0] {
	case "message":
		mfs := newFlagSet("publish message")
		var value string
		mfs.StringVar(&value, "v", "", "message text")
		mfs.StringVar(&value, "value", "", "message text")
		if err := parseAll(mfs, rest[1:]); err != nil {
			return nil, err
		}
		if !isSet(mfs, "v", "value") {
			return nil, fmt.Errorf("publish message: %w --value", ErrMissingArg)
		}
		payload = message.Text{Text: value}
	case "led":
		led, err := parseLed(rest[1:])
		if err != nil {
			return nil, err
		}
		payload = led
	default:
		return nil, fmt.Errorf("publish: %w %q", ErrUnknownCommand, rest[0])
	}
	return node.Publish{Topic: *topic, Payload: payload}, nil
}

func parseLed(args []string) (message.Led, error) {
	if len(args) == 0 {
		return message.Led{}, fmt.Errorf("publish led: %w (on|off|blink)", ErrMissingArg)
	}
	switch strings.ToLower(args[0]) {
	case "on":
		if len(args) > 1 {
			return message.Led{}, fmt.Errorf("publish led on: unexpected argument %q", args[1])
		}
		return message.Led{Mode: message.LedOn}, nil
	case "off":
		if len(args) > 1 {
			return message.Led{}, fmt.Errorf("publish led off: unexpected argument %q", args[1])
		}
		return message.Led{Mode: message.LedOff}, nil
	case "blink":
		fs := newFlagSet("publish led blink")
		var freq string
		fs.StringVar(&freq, "f", "", "blink period in seconds")
		fs.StringVar(&freq, "freq", "", "blink period in seconds")
		if err := parseAll(fs, args[1:]); err != nil {
			return message.Led{}, err
		}
		if !isSet(fs, "f", "freq") {
			return message.Led{}, fmt.Errorf("publish led blink: %w --freq", ErrMissingArg)
		}
		secs, err := strconv.ParseFloat(freq, 64)
		if err != nil || secs <= 0 {
			return message.Led{}, fmt.Errorf("publish led blink: invalid period %q", freq)
		}
		return message.Led{Mode: message.LedBlink, Period: time.Duration(secs * float64(time.Second))}, nil
	default:
		return message.Led{}, fmt.Errorf("publish led: %w %q", ErrUnknownCommand, args[0])
	}
}
