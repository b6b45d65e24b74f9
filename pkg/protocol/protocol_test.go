package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func dataPacket(payload []byte) *Packet {
	return &Packet{
		Version:   Version,
		Type:      TypeData,
		Flags:     FlagACK | FlagPSH,
		SessionID: 0x1122334455667788,
		Seq:       42,
		Ack:       7,
		Timestamp: 12_345_678,
		Window:    128,
		SACK:      0b1011,
		Counter:   99,
		Payload:   payload,
	}
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()
	p := dataPacket([]byte("hello"))
	data, err := p.Marshal(testKey)
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+5)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, got.Verify(testKey))
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.Flags, got.Flags)
	assert.Equal(t, p.SessionID, got.SessionID)
	assert.Equal(t, p.Seq, got.Seq)
	assert.Equal(t, p.Ack, got.Ack)
	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, p.Window, got.Window)
	assert.Equal(t, p.SACK, got.SACK)
	assert.Equal(t, p.Counter, got.Counter)
	assert.Equal(t, p.Payload, got.Payload)
	assert.Equal(t, p.MAC, got.MAC)
}

func TestParseCopiesPayload(t *testing.T) {
	t.Parallel()
	data, err := dataPacket([]byte("abc")).Marshal(testKey)
	require.NoError(t, err)
	got, err := Parse(data)
	require.NoError(t, err)
	data[HeaderSize] = 'X'
	assert.Equal(t, []byte("abc"), got.Payload)
	assert.True(t, got.Verify(testKey))
}

func TestVerifyRejectsAnyFlippedBit(t *testing.T) {
	t.Parallel()
	data, err := dataPacket([]byte("payload")).Marshal(testKey)
	require.NoError(t, err)

	for i := range data {
		if i == 3 || i == 46 || i == 47 || (i >= 36 && i < 38) {
			continue // reserved or length bytes fail Parse instead
		}
		mut := append([]byte(nil), data...)
		mut[i] ^= 0x01
		p, err := Parse(mut)
		if err != nil {
			continue
		}
		assert.False(t, p.Verify(testKey), "byte %d", i)
	}

	p, err := Parse(data)
	require.NoError(t, err)
	assert.False(t, p.Verify([]byte("fedcba9876543210fedcba9876543210")))
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	good, err := dataPacket([]byte("x")).Marshal(testKey)
	require.NoError(t, err)
	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}

	tests := []struct {
		name string
		data []byte
		code Code
	}{
		{"short", good[:HeaderSize-1], CodeMalformedPacket},
		{"version", mutate(func(b []byte) []byte { b[0] = 9; return b }), CodeMalformedPacket},
		{"type", mutate(func(b []byte) []byte { b[1] = 0x7f; return b }), CodeMalformedPacket},
		{"reserved", mutate(func(b []byte) []byte { b[3] = 1; return b }), CodeMalformedPacket},
		{"trailing", append(append([]byte(nil), good...), 0), CodeMalformedPacket},
		{"truncated", good[:len(good)-1], CodeMalformedPacket},
		{"ack body", mutate(func(b []byte) []byte { b[1] = byte(TypeACK); return b }), CodeMalformedPacket},
		{"fragment range", mutate(func(b []byte) []byte {
			b[1] = byte(TypeFragment)
			b[29], b[31] = 5, 4 // index 5 of 4
			return b
		}), CodeInvalidFragment},
	}
	for _, tt := range tests {
		_, err := Parse(tt.data)
		assert.True(t, IsCode(err, tt.code), "%s: %v", tt.name, err)
	}
}

func TestMarshalEnforcesBodySize(t *testing.T) {
	t.Parallel()
	_, err := (&Packet{Version: Version, Type: TypeSYN, Payload: make([]byte, 3)}).Marshal(testKey)
	assert.True(t, IsCode(err, CodeMalformedPacket))

	_, err = dataPacket(make([]byte, MaxSegmentPayload+1)).Marshal(testKey)
	assert.True(t, IsCode(err, CodeMalformedPacket))

	syn := &SynBody{MaxSegment: MaxSegmentPayload, Capabilities: 3}
	syn.Nonce[0] = 0xaa
	data, err := (&Packet{Version: Version, Type: TypeSYN, Flags: FlagSYN, Payload: syn.Marshal()}).Marshal(testKey)
	require.NoError(t, err)
	p, err := Parse(data)
	require.NoError(t, err)
	got, err := DecodeSyn(p.Payload)
	require.NoError(t, err)
	assert.Equal(t, syn, got)
}

func TestFragmentRequestCodec(t *testing.T) {
	t.Parallel()
	missing := []uint16{0, 3, 63}
	got, err := DecodeFragmentRequest(EncodeFragmentRequest(missing))
	require.NoError(t, err)
	assert.Equal(t, missing, got)

	_, err = DecodeFragmentRequest([]byte{0, 0})
	assert.True(t, IsCode(err, CodeInvalidFragment))
	_, err = DecodeFragmentRequest([]byte{0, 2, 0, 1})
	assert.True(t, IsCode(err, CodeInvalidFragment))
}

func TestTimestampsWrapAtMidnight(t *testing.T) {
	t.Parallel()
	before := time.Date(2026, 1, 1, 23, 59, 59, 900_000_000, time.UTC)
	after := before.Add(200 * time.Millisecond)

	assert.Equal(t, uint32(DayMS-100), DayTimestamp(before))
	assert.Equal(t, uint32(100), DayTimestamp(after))
	assert.Equal(t, int64(-200), TimestampDelta(DayTimestamp(before), DayTimestamp(after)))
	assert.Equal(t, int64(200), TimestampDelta(DayTimestamp(after), DayTimestamp(before)))

	assert.Equal(t, uint32(WindowsPerDay-1), TimeWindow(before))
	assert.Equal(t, uint32(0), TimeWindow(after))
	assert.Equal(t, uint32(0), WindowAdd(WindowsPerDay-1, 1))
	assert.Equal(t, uint32(WindowsPerDay-2), WindowAdd(0, -2))
}

func TestCodePolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code      Code
		policy    Policy
		retryable bool
	}{
		{CodeMalformedPacket, PolicyDrop, false},
		{CodeAuthFailed, PolicyDrop, false},
		{CodeReplayDetected, PolicyBlock, false},
		{CodeInvalidState, PolicyRespond, false},
		{CodeFragmentViolation, PolicyRespond, false},
		{CodeEnumerationAttempt, PolicyBlock, false},
		{CodeProofFailed, PolicyBlock, false},
		{CodeTimeout, PolicyLocal, true},
		{CodeSyncFailed, PolicyLocal, true},
		{CodeDiscoveryTimeout, PolicyLocal, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.policy, tt.code.Policy(), tt.code.String())
		assert.Equal(t, tt.retryable, tt.code.Retryable(), tt.code.String())
	}
	assert.Equal(t, "code(999)", Code(999).String())
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()
	inner := errors.New("socket gone")
	err := fmt.Errorf("send: %w", WrapError(CodeTimeout, "heartbeat", inner))

	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.True(t, IsCode(err, CodeTimeout))
	assert.False(t, IsCode(nil, CodeNone))
	assert.ErrorIs(t, err, inner)
	assert.ErrorIs(t, err, &Error{Code: CodeTimeout})
	assert.NotErrorIs(t, err, &Error{Code: CodeAuthFailed})
	assert.Equal(t, "send: heartbeat: socket gone", err.Error())
	assert.Equal(t, "replay detected", NewError(CodeReplayDetected, "").Error())
}
