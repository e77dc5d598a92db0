package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p-network/internal/message"
	"p2p-network/internal/node"
)

var ErrNetworkGone = errors.New("network task gone")

// Operator is the interactive task: it reads command lines, sends them to
// the network task one at a time and prints replies and incoming messages.
type Operator struct {
	in       io.Reader
	out      Printer
	log      *zap.Logger
	peerID   peer.ID
	commands chan<- node.Command
	replies  <-chan node.Result
	incoming <-chan node.Incoming
}

func NewOperator(in io.Reader, out Printer, ch node.Channels, peerID peer.ID, log *zap.Logger) *Operator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Operator{
		in:       in,
		out:      out,
		log:      log,
		peerID:   peerID,
		commands: ch.Commands,
		replies:  ch.Replies,
		incoming: ch.Incoming,
	}
}

// Run serves input until shutdown is acknowledged, input ends, ctx is done
// or the network task goes away. The command channel is closed on return.
func (o *Operator) Run(ctx context.Context) error {
	defer close(o.commands)

	PrintBanner(o.out, o.peerID.String())

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go o.readLines(lines, stop)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// End of input stops the node like an explicit shutdown.
				lines = nil
				line = "shutdown"
			}
			done, err := o.handleLine(ctx, line)
			if err != nil || done {
				return err
			}
		case in, ok := <-o.incoming:
			if !ok {
				return ErrNetworkGone
			}
			o.printIncoming(in)
		}
	}
}

func (o *Operator) readLines(lines chan<- string, stop <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(o.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		o.log.Warn("read input", zap.Error(err))
	}
}

// handleLine reports true once shutdown has been acknowledged.
func (o *Operator) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if line == "help" {
		PrintCommands(o.out)
		return false, nil
	}
	cmd, err := Parse(line)
	if err != nil {
		PrintUsage(o.out, err)
		return false, nil
	}

	select {
	case o.commands <- cmd:
	case <-ctx.Done():
		return true, nil
	}
	res, err := o.awaitReply(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return true, err
	}
	o.printResult(cmd, res)
	_, isShutdown := cmd.(node.Shutdown)
	return isShutdown, nil
}

// awaitReply keeps printing incoming messages while a command is in flight.
func (o *Operator) awaitReply(ctx context.Context) (node.Result, error) {
	incoming := o.incoming
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-o.replies:
			if !ok {
				return nil, ErrNetworkGone
			}
			o.drainIncoming(incoming)
			return res, nil
		case in, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			o.printIncoming(in)
		}
	}
}

// drainIncoming prints messages the network task forwarded before its
// reply, so they appear ahead of the reply line.
func (o *Operator) drainIncoming(incoming <-chan node.Incoming) {
	for {
		select {
		case in, ok := <-incoming:
			if !ok {
				return
			}
			o.printIncoming(in)
		default:
			return
		}
	}
}

func (o *Operator) printIncoming(in node.Incoming) {
	o.out.Printf("[%s] %s from %s\n", in.Topic, message.Describe(in.Payload), in.Source)
}

func (o *Operator) printResult(cmd node.Command, res node.Result) {
	switch r := res.(type) {
	case node.SubscribeResult:
		switch {
		case r.Err != nil:
			o.out.Printf("Failed to subscribe: %v.\n", r.Err)
		case r.Subscribed:
			o.out.Println("Successfully subscribed.")
		default:
			o.out.Println("Already subscribed.")
		}
	case node.UnsubscribeResult:
		switch {
		case r.Err != nil:
			o.out.Printf("Failed to unsubscribe: %v.\n", r.Err)
		case r.Unsubscribed:
			o.out.Println("Successfully unsubscribed.")
		default:
			o.out.Println("No active subscription to that topic.")
		}
	case node.PublishResult:
		if r.Err != nil {
			o.out.Printf("Failed to publish: %v\n", r.Err)
			return
		}
		o.out.Printf("Successfully published message with id %s.\n", r.ID)
	case node.GetRecordResult:
		if r.Err != nil {
			o.out.Printf("Failed to get record: %v.\n", r.Err)
			return
		}
		for _, rec := range r.Records {
			o.out.Printf("Received record %s.\n", rec)
		}
	case node.PutRecordResult:
		if r.Err != nil {
			o.out.Printf("Failed to put record: %v.\n", r.Err)
			return
		}
		o.out.Println("Successfully published record.")
	case node.RemoveRecordAck:
		o.out.Println("Removed record.")
	case node.ConnectResult:
		if r.Err != nil {
			o.out.Printf("Failed to connect: %v.\n", r.Err)
			return
		}
		o.out.Printf("Connected to %s.\n", r.Peer)
	case node.ShutdownAck:
		o.out.Println("Shutting down.")
	default:
		o.log.Error("reply does not match command", zap.String("command", cmd.Name()), zap.String("reply", fmt.Sprintf("%T", res)))
	}
}
