// Package message encodes the application payloads carried over gossip.
//
// The wire form is an externally tagged JSON union:
//
//	{"Message":"text"}
//	{"SetLed":"On"} | {"SetLed":"Off"} | {"SetLed":{"Blink":{"secs":1,"nanos":500000000}}}
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnknownPayload = errors.New("unknown payload variant")
	ErrUnknownLedMode = errors.New("unknown led mode")
	ErrPeriodRange    = errors.New("blink period out of range")
)

// Payload is either Text or Led.
type Payload interface {
	isPayload()
}

type Text struct {
	Text string
}

type LedMode int

const (
	LedOn LedMode = iota
	LedOff
	LedBlink
)

// Led switches an LED; Period is only meaningful for LedBlink.
type Led struct {
	Mode   LedMode
	Period time.Duration
}

func (Text) isPayload() {}
func (Led) isPayload()  {}

type wireDuration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func toWire(d time.Duration) wireDuration {
	if d < 0 {
		d = 0
	}
	return wireDuration{Secs: uint64(d / time.Second), Nanos: uint32(d % time.Second)}
}

func (w wireDuration) duration() (time.Duration, error) {
	const maxSecs = uint64(math.MaxInt64 / int64(time.Second))
	if w.Secs > maxSecs {
		return 0, fmt.Errorf("%w: %d seconds", ErrPeriodRange, w.Secs)
	}
	d := time.Duration(w.Secs) * time.Second
	if time.Duration(w.Nanos) > time.Duration(math.MaxInt64)-d {
		return 0, fmt.Errorf("%w: %d seconds %d nanoseconds", ErrPeriodRange, w.Secs, w.Nanos)
	}
	return d + time.Duration(w.Nanos), nil
}

func Encode(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case Text:
		return json.Marshal(map[string]string{"Message": v.Text})
	case Led:
		var led any
		switch v.Mode {
		case LedOn:
			led = "On"
		case LedOff:
			led = "Off"
		case LedBlink:
			led = map[string]wireDuration{"Blink": toWire(v.Period)}
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownLedMode, v.Mode)
		}
		return json.Marshal(map[string]any{"SetLed": led})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
}

func Decode(b []byte) (Payload, error) {
	name, body, err := single(b)
	if err != nil {
		return nil, err
	}
	switch name {
	case "Message":
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return Text{Text: text}, nil
	case "SetLed":
		return decodeLed(body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, name)
	}
}

func decodeLed(body json.RawMessage) (Payload, error) {
	var unit string
	if err := json.Unmarshal(body, &unit); err == nil {
		switch unit {
		case "On":
			return Led{Mode: LedOn}, nil
		case "Off":
			return Led{Mode: LedOff}, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownLedMode, unit)
		}
	}
	name, inner, err := single(body)
	if err != nil {
		return nil, fmt.Errorf("decode led: %w", err)
	}
	if name != "Blink" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLedMode, name)
	}
	var d wireDuration
	if err := json.Unmarshal(inner, &d); err != nil {
		return nil, fmt.Errorf("decode blink period: %w", err)
	}
	period, err := d.duration()
	if err != nil {
		return nil, err
	}
	return Led{Mode: LedBlink, Period: period}, nil
}

// single unpacks a JSON object holding exactly one member.
func single(b []byte) (string, json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("%w: expected one member, got %d", ErrUnknownPayload, len(obj))
	}
	for k, v := range obj {
		return k, v, nil
	}
	return "", nil, ErrUnknownPayload
}

// Describe renders a payload for the console.
func Describe(p Payload) string {
	switch v := p.(type) {
	case Text:
		return fmt.Sprintf("message %q", v.Text)
	case Led:
		switch v.Mode {
		case LedOn:
			return "led on"
		case LedOff:
			return "led off"
		case LedBlink:
			return fmt.Sprintf("led blinking every %gs", v.Period.Seconds())
		}
	}
	return fmt.Sprintf("%v", p)
}
