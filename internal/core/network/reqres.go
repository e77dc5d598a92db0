package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"
)

// MessageProtocolID is the request/response protocol spoken between nodes.
const MessageProtocolID protocol.ID = "/p2p/1"

const maxFrameSize = 1 << 20

var errUnknownVariant = errors.New("unknown variant")

// Request is sent over MessageProtocolID. Exactly one of Ping or Message is
// meaningful; the JSON form is "Ping" or {"Message":"..."}.
type Request struct {
	Ping    bool
	Message string
}

// Response answers a Request: "Pong" or {"Message":"..."}.
type Response struct {
	Pong    bool
	Message string
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Ping {
		return json.Marshal("Ping")
	}
	return json.Marshal(map[string]string{"Message": r.Message})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	unit, text, err := decodeUnion(b, "Ping")
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	*r = Request{Ping: unit, Message: text}
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Pong {
		return json.Marshal("Pong")
	}
	return json.Marshal(map[string]string{"Message": r.Message})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	unit, text, err := decodeUnion(b, "Pong")
	if err != nil {
		return fmt.Errorf("response: %w", err)
	}
	*r = Response{Pong: unit, Message: text}
	return nil
}

func decodeUnion(b []byte, unitName string) (bool, string, error) {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		if name != unitName {
			return false, "", fmt.Errorf("%w %q", errUnknownVariant, name)
		}
		return true, "", nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return false, "", err
	}
	raw, ok := obj["Message"]
	if !ok || len(obj) != 1 {
		return false, "", errUnknownVariant
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return false, "", err
	}
	return false, text, nil
}

// Respond computes the answer a node gives to req.
func Respond(req Request) Response {
	if req.Ping {
		return Response{Pong: true}
	}
	return Response{Message: req.Message}
}

func writeFrame(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(w).WriteMsg(buf)
}

func readFrame(r io.Reader, v any) error {
	mr := msgio.NewVarintReaderSize(r, maxFrameSize)
	buf, err := mr.ReadMsg()
	if err != nil {
		return err
	}
	defer mr.ReleaseMsg(buf)
	return json.Unmarshal(buf, v)
}

func WriteRequest(w io.Writer, req Request) error {
	return writeFrame(w, req)
}

func WriteResponse(w io.Writer, res Response) error {
	return writeFrame(w, res)
}

func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := readFrame(r, &req)
	return req, err
}

func ReadResponse(r io.Reader) (Response, error) {
	var res Response
	err := readFrame(r, &res)
	return res, err
}

// SendRequest opens a MessageProtocolID stream to p and waits for the answer.
func SendRequest(ctx context.Context, h host.Host, p peer.ID, req Request) (Response, error) {
	s, err := h.NewStream(ctx, p, MessageProtocolID)
	if err != nil {
		return Response{}, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if err := WriteRequest(s, req); err != nil {
		_ = s.Reset()
		return Response{}, fmt.Errorf("write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return Response{}, fmt.Errorf("close write: %w", err)
	}
	res, err := ReadResponse(s)
	if err != nil {
		_ = s.Reset()
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return res, nil
}

func (b *Bundle) handleMessageStream(s lpnet.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	req, err := ReadRequest(s)
	if err != nil {
		b.log.Debug("read /p2p/1 request", zap.Stringer("peer", remote), zap.Error(err))
		_ = s.Reset()
		return
	}
	res := Respond(req)
	if err := WriteResponse(s, res); err != nil {
		b.log.Debug("write /p2p/1 response", zap.Stringer("peer", remote), zap.Error(err))
		_ = s.Reset()
		return
	}
	b.events.push(RequestReceived{Peer: remote, Request: req, Response: res})
}
