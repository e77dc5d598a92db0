package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWireFormat(t *testing.T) {
	cases := []struct {
		name string
		in   Payload
		want string
	}{
		{"text", Text{Text: "hello"}, `{"Message":"hello"}`},
		{"on", Led{Mode: LedOn}, `{"SetLed":"On"}`},
		{"off", Led{Mode: LedOff}, `{"SetLed":"Off"}`},
		{"blink", Led{Mode: LedBlink, Period: 1500 * time.Millisecond}, `{"SetLed":{"Blink":{"secs":1,"nanos":500000000}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.in)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(b))

			back, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, tc.in, back)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`"Message"`,
		`{}`,
		`{"Message":"a","SetLed":"On"}`,
		`{"Ping":null}`,
		`{"SetLed":"Dim"}`,
		`{"SetLed":{"Pulse":{"secs":1,"nanos":0}}}`,
		`{"Message":3}`,
		`not json`,
	} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, raw)
	}
}

func TestDecodeRejectsOverflowingPeriod(t *testing.T) {
	for _, raw := range []string{
		`{"SetLed":{"Blink":{"secs":9300000000,"nanos":0}}}`,
		`{"SetLed":{"Blink":{"secs":18446744073709551615,"nanos":0}}}`,
		`{"SetLed":{"Blink":{"secs":9223372036,"nanos":999999999}}}`,
	} {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrPeriodRange, raw)
	}

	p, err := Decode([]byte(`{"SetLed":{"Blink":{"secs":9223372036,"nanos":0}}}`))
	require.NoError(t, err)
	require.Equal(t, 9223372036*time.Second, p.(Led).Period)
}

func TestDescribe(t *testing.T) {
	require.Equal(t, `message "hi"`, Describe(Text{Text: "hi"}))
	require.Equal(t, "led on", Describe(Led{Mode: LedOn}))
	require.Equal(t, "led blinking every 0.25s", Describe(Led{Mode: LedBlink, Period: 250 * time.Millisecond}))
}
