package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/TeoSlayer/hopwire/internal/crypto"
)

// Wire layout (64 bytes, big-endian):
//
//	Byte  0:     Version
//	Byte  1:     Type
//	Byte  2:     Flags
//	Byte  3:     Reserved
//	Byte  4-11:  Session ID
//	Byte  12-15: Sequence Number
//	Byte  16-19: Acknowledgment Number
//	Byte  20-23: Timestamp (ms since UTC midnight)
//	Byte  24-25: Window (receive window in segments)
//	Byte  26-27: Fragment ID
//	Byte  28-29: Fragment Index
//	Byte  30-31: Fragment Total
//	Byte  32-35: SACK bitmap
//	Byte  36-37: Payload Length
//	Byte  38-45: Packet Counter
//	Byte  46-47: Reserved
//	Byte  48-63: MAC (truncated HMAC-SHA256 over bytes 0-47 and the body)
const (
	HeaderSize = 64
	macOffset  = 48
)

type Packet struct {
	Version   uint8
	Type      Type
	Flags     uint8
	SessionID uint64
	Seq       uint32
	Ack       uint32
	Timestamp uint32
	Window    uint16
	FragID    uint16
	FragIndex uint16
	FragTotal uint16
	SACK      uint32
	Counter   uint64

	Payload []byte
	MAC     [crypto.MACSize]byte

	// authenticated region (header without MAC, then body), set by Parse
	signed []byte
}

func (p *Packet) HasFlag(f uint8) bool { return p.Flags&f != 0 }
func (p *Packet) SetFlag(f uint8)      { p.Flags |= f }
func (p *Packet) ClearFlag(f uint8)    { p.Flags &^= f }

func (p *Packet) String() string {
	return fmt.Sprintf("%s sid=%016x seq=%d ack=%d len=%d", p.Type, p.SessionID, p.Seq, p.Ack, len(p.Payload))
}

// Marshal serializes the packet and seals it with a MAC under key.
func (p *Packet) Marshal(key []byte) ([]byte, error) {
	if err := p.checkBody(); err != nil {
		return nil, err
	}
	payloadLen := len(p.Payload)
	buf := make([]byte, HeaderSize+payloadLen)

	buf[0] = p.Version
	buf[1] = byte(p.Type)
	buf[2] = p.Flags
	binary.BigEndian.PutUint64(buf[4:12], p.SessionID)
	binary.BigEndian.PutUint32(buf[12:16], p.Seq)
	binary.BigEndian.PutUint32(buf[16:20], p.Ack)
	binary.BigEndian.PutUint32(buf[20:24], p.Timestamp)
	binary.BigEndian.PutUint16(buf[24:26], p.Window)
	binary.BigEndian.PutUint16(buf[26:28], p.FragID)
	binary.BigEndian.PutUint16(buf[28:30], p.FragIndex)
	binary.BigEndian.PutUint16(buf[30:32], p.FragTotal)
	binary.BigEndian.PutUint32(buf[32:36], p.SACK)
	binary.BigEndian.PutUint16(buf[36:38], uint16(payloadLen))
	binary.BigEndian.PutUint64(buf[38:46], p.Counter)
	copy(buf[HeaderSize:], p.Payload)

	mac := crypto.MAC(key, buf[:macOffset], buf[HeaderSize:])
	copy(buf[macOffset:HeaderSize], mac[:])
	p.MAC = mac
	return buf, nil
}

// Parse validates the structure of a datagram and decodes its header.
// It does not authenticate the packet: callers must call Verify before
// interpreting the payload.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, Errorf(CodeMalformedPacket, "packet too short: %d bytes (min %d)", len(data), HeaderSize)
	}
	if data[0] != Version {
		return nil, Errorf(CodeMalformedPacket, "unsupported version %d", data[0])
	}
	t := Type(data[1])
	if !t.Valid() {
		return nil, Errorf(CodeMalformedPacket, "unknown packet type 0x%02x", data[1])
	}
	if data[3] != 0 || data[46] != 0 || data[47] != 0 {
		return nil, Errorf(CodeMalformedPacket, "reserved bits set")
	}
	payloadLen := int(binary.BigEndian.Uint16(data[36:38]))
	if len(data) != HeaderSize+payloadLen {
		return nil, Errorf(CodeMalformedPacket, "length mismatch: have %d bytes, header declares %d", len(data), HeaderSize+payloadLen)
	}

	p := &Packet{
		Version:   data[0],
		Type:      t,
		Flags:     data[2],
		SessionID: binary.BigEndian.Uint64(data[4:12]),
		Seq:       binary.BigEndian.Uint32(data[12:16]),
		Ack:       binary.BigEndian.Uint32(data[16:20]),
		Timestamp: binary.BigEndian.Uint32(data[20:24]),
		Window:    binary.BigEndian.Uint16(data[24:26]),
		FragID:    binary.BigEndian.Uint16(data[26:28]),
		FragIndex: binary.BigEndian.Uint16(data[28:30]),
		FragTotal: binary.BigEndian.Uint16(data[30:32]),
		SACK:      binary.BigEndian.Uint32(data[32:36]),
		Counter:   binary.BigEndian.Uint64(data[38:46]),
	}
	copy(p.MAC[:], data[macOffset:HeaderSize])
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, data[HeaderSize:])
	}
	if err := p.checkBody(); err != nil {
		return nil, err
	}

	p.signed = make([]byte, 0, macOffset+payloadLen)
	p.signed = append(p.signed, data[:macOffset]...)
	p.signed = append(p.signed, data[HeaderSize:]...)
	return p, nil
}

// Verify reports whether the packet MAC matches key. The comparison is
// constant-time.
func (p *Packet) Verify(key []byte) bool {
	if p.signed == nil || len(p.signed) < macOffset {
		return false
	}
	return crypto.Verify(key, p.MAC[:], p.signed[:macOffset], p.signed[macOffset:])
}

// checkBody enforces the per-type body size rules.
func (p *Packet) checkBody() error {
	n := len(p.Payload)
	if n > MaxSegmentPayload {
		return Errorf(CodeMalformedPacket, "payload too large: %d bytes (max %d)", n, MaxSegmentPayload)
	}
	if want := BodySize(p.Type); want >= 0 {
		if n != want {
			return Errorf(CodeMalformedPacket, "%s body is %d bytes, want %d", p.Type, n, want)
		}
		return nil
	}
	if p.Type == TypeFragment {
		if p.HasFlag(FlagACK) {
			return checkFragmentRequest(p.Payload)
		}
		if n == 0 {
			return Errorf(CodeInvalidFragment, "empty fragment")
		}
		if p.FragTotal < 2 || p.FragTotal > MaxFragments || p.FragIndex >= p.FragTotal {
			return Errorf(CodeInvalidFragment, "fragment %d/%d out of range", p.FragIndex, p.FragTotal)
		}
	}
	return nil
}
