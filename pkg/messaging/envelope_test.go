package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope(payload []byte) *Envelope {
	return &Envelope{
		Sender: Sender{ID: 1, Name: "node-a", PID: 4242, Type: "manager"},
		Host:   Host{ID: 2, Name: "node-b", Type: "worker", IsLocal: false},
		Class:  "fencing",
		ID:     99,
		Payload: payload,
	}
}

func TestEncodeDecodeRoundTripSmallPayload(t *testing.T) {
	e := sampleEnvelope([]byte("short payload"))

	wire, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, e.Sender, got.Sender)
	assert.Equal(t, e.Host, got.Host)
	assert.Equal(t, e.Class, got.Class)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestEncodeDecodeRoundTripLargeCompressiblePayload(t *testing.T) {
	payload := []byte(strings.Repeat("a", 4096))
	e := sampleEnvelope(payload)

	wire, err := Encode(e)
	require.NoError(t, err)
	assert.Less(t, len(wire), len(payload), "a highly compressible payload should shrink the wire form")

	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestEncodeSkipsCompressionUnderThreshold(t *testing.T) {
	payload := []byte("x")
	e := sampleEnvelope(payload)

	wire, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestEncodeSkipsCompressionWhenItWouldNotShrink(t *testing.T) {
	// Random-looking bytes above the threshold that zlib can't usefully
	// shrink; Encode must fall back to storing them uncompressed rather
	// than keeping a larger "compressed" form.
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}
	e := sampleEnvelope(payload)

	wire, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	e := sampleEnvelope([]byte("hello"))
	wire, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(wire[:len(wire)-2])
	assert.Error(t, err)
}

func TestForLocalHost(t *testing.T) {
	tests := []struct {
		name    string
		hostID  uint32
		localID uint32
		want    bool
	}{
		{"broadcast matches any local id", 0, 7, true},
		{"matching host id", 7, 7, true},
		{"foreign host id", 7, 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Envelope{Host: Host{ID: tt.hostID}}
			assert.Equal(t, tt.want, ForLocalHost(e, tt.localID))
		})
	}
}
