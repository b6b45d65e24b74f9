package protocol

import (
	"encoding/binary"

	"github.com/TeoSlayer/hopwire/internal/crypto"
)

// Fixed body sizes.
const (
	SynBodySize               = 20
	HeartbeatBodySize         = 16
	RecoveryBodySize          = 8
	ErrorBodySize             = 8
	WindowUpdateBodySize      = 4
	DiscoveryBodySize         = 16 + 4 + MaxDiscoveryPSKs*ElementSize
	DiscoveryResponseBodySize = 16 + 4 + 2*MaxDiscoveryPSKs*ElementSize
	DiscoveryConfirmBodySize  = 4 + 32
	TimeSyncRequestBodySize   = 16
	TimeSyncResponseBodySize  = 32
	RekeyBodySize             = 8 + NonceSize + 32
	RepairBodySize            = 16
	EmergencyBodySize         = 4 + NonceSize + crypto.SealedBackupSize + 32
)

const (
	NonceSize        = 16
	ElementSize      = 32
	MaxDiscoveryPSKs = 8
)

func bodyLen(t Type, b []byte) error {
	if want := BodySize(t); len(b) != want {
		return Errorf(CodeMalformedPacket, "%s body is %d bytes, want %d", t, len(b), want)
	}
	return nil
}

// SynBody opens a session (SYN) or answers one (SYN_ACK).
//
//	Byte 0-15:  Nonce
//	Byte 16-17: Max segment size
//	Byte 18-19: Capabilities
type SynBody struct {
	Nonce        [NonceSize]byte
	MaxSegment   uint16
	Capabilities uint16
}

func (b *SynBody) Marshal() []byte {
	buf := make([]byte, SynBodySize)
	copy(buf[0:16], b.Nonce[:])
	binary.BigEndian.PutUint16(buf[16:18], b.MaxSegment)
	binary.BigEndian.PutUint16(buf[18:20], b.Capabilities)
	return buf
}

func DecodeSyn(data []byte) (*SynBody, error) {
	if err := bodyLen(TypeSYN, data); err != nil {
		return nil, err
	}
	b := &SynBody{
		MaxSegment:   binary.BigEndian.Uint16(data[16:18]),
		Capabilities: binary.BigEndian.Uint16(data[18:20]),
	}
	copy(b.Nonce[:], data[0:16])
	return b, nil
}

// Heartbeat flags.
const HeartbeatReply uint8 = 0x01

// HeartbeatBody keeps a session alive and piggy-backs delay statistics used
// to negotiate the port-schedule delay margin.
//
//	Byte 0-3:  Echoed timestamp (0 on requests)
//	Byte 4-5:  95th percentile one-way delay, ms
//	Byte 6-7:  Jitter, ms
//	Byte 8:    Proposed delay margin (windows)
//	Byte 9:    Flags
//	Byte 10-15: Reserved
type HeartbeatBody struct {
	EchoTimestamp uint32
	DelayP95MS    uint16
	JitterMS      uint16
	Margin        uint8
	Flags         uint8
}

func (b *HeartbeatBody) Marshal() []byte {
	buf := make([]byte, HeartbeatBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.EchoTimestamp)
	binary.BigEndian.PutUint16(buf[4:6], b.DelayP95MS)
	binary.BigEndian.PutUint16(buf[6:8], b.JitterMS)
	buf[8] = b.Margin
	buf[9] = b.Flags
	return buf
}

func DecodeHeartbeat(data []byte) (*HeartbeatBody, error) {
	if err := bodyLen(TypeHeartbeat, data); err != nil {
		return nil, err
	}
	return &HeartbeatBody{
		EchoTimestamp: binary.BigEndian.Uint32(data[0:4]),
		DelayP95MS:    binary.BigEndian.Uint16(data[4:6]),
		JitterMS:      binary.BigEndian.Uint16(data[6:8]),
		Margin:        data[8],
		Flags:         data[9],
	}, nil
}

// RecoveryBody announces or concludes a recovery episode.
//
//	Byte 0:   Strategy
//	Byte 1:   Phase (0 start, 1 success, 2 abort)
//	Byte 2:   Attempt
//	Byte 3:   Trigger
//	Byte 4-7: Episode
type RecoveryBody struct {
	Strategy uint8
	Phase    uint8
	Attempt  uint8
	Trigger  uint8
	Episode  uint32
}

const (
	RecoveryPhaseStart   uint8 = 0
	RecoveryPhaseSuccess uint8 = 1
	RecoveryPhaseAbort   uint8 = 2
)

func (b *RecoveryBody) Marshal() []byte {
	buf := make([]byte, RecoveryBodySize)
	buf[0] = b.Strategy
	buf[1] = b.Phase
	buf[2] = b.Attempt
	buf[3] = b.Trigger
	binary.BigEndian.PutUint32(buf[4:8], b.Episode)
	return buf
}

func DecodeRecovery(data []byte) (*RecoveryBody, error) {
	if err := bodyLen(TypeRecovery, data); err != nil {
		return nil, err
	}
	return &RecoveryBody{
		Strategy: data[0],
		Phase:    data[1],
		Attempt:  data[2],
		Trigger:  data[3],
		Episode:  binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// ErrorBody reports a semantic failure to an authenticated peer.
//
//	Byte 0-1: Code
//	Byte 2:   Type of the offending packet
//	Byte 3:   Reserved
//	Byte 4-7: Detail
type ErrorBody struct {
	Code    Code
	Related Type
	Detail  uint32
}

func (b *ErrorBody) Marshal() []byte {
	buf := make([]byte, ErrorBodySize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(b.Code))
	buf[2] = byte(b.Related)
	binary.BigEndian.PutUint32(buf[4:8], b.Detail)
	return buf
}

func DecodeError(data []byte) (*ErrorBody, error) {
	if err := bodyLen(TypeError, data); err != nil {
		return nil, err
	}
	return &ErrorBody{
		Code:    Code(binary.BigEndian.Uint16(data[0:2])),
		Related: Type(data[2]),
		Detail:  binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// WindowUpdateBody advertises the receive buffer in bytes, for windows that
// exceed the 16-bit segment count in the header.
type WindowUpdateBody struct {
	WindowBytes uint32
}

func (b *WindowUpdateBody) Marshal() []byte {
	buf := make([]byte, WindowUpdateBodySize)
	binary.BigEndian.PutUint32(buf, b.WindowBytes)
	return buf
}

func DecodeWindowUpdate(data []byte) (*WindowUpdateBody, error) {
	if err := bodyLen(TypeWindowUpdate, data); err != nil {
		return nil, err
	}
	return &WindowUpdateBody{WindowBytes: binary.BigEndian.Uint32(data)}, nil
}

// DiscoveryBody is the initiator's commitment to its blinded PSK set.
//
//	Byte 0-15:  Initiator nonce
//	Byte 16:    Element count
//	Byte 17-19: Reserved
//	Byte 20-:   MaxDiscoveryPSKs elements of 32 bytes (unused slots zero)
type DiscoveryBody struct {
	Nonce    [NonceSize]byte
	Elements [][ElementSize]byte
}

func (b *DiscoveryBody) Marshal() []byte {
	buf := make([]byte, DiscoveryBodySize)
	copy(buf[0:16], b.Nonce[:])
	buf[16] = byte(len(b.Elements))
	putElements(buf[20:], b.Elements)
	return buf
}

func DecodeDiscovery(data []byte) (*DiscoveryBody, error) {
	if err := bodyLen(TypeDiscovery, data); err != nil {
		return nil, err
	}
	n := int(data[16])
	if n == 0 || n > MaxDiscoveryPSKs {
		return nil, Errorf(CodeEnumerationAttempt, "discovery offers %d elements", n)
	}
	b := &DiscoveryBody{Elements: getElements(data[20:], n)}
	copy(b.Nonce[:], data[0:16])
	return b, nil
}

// DiscoveryResponseBody returns the initiator's elements re-blinded by the
// responder, plus the responder's own blinded set.
//
//	Byte 0-15:  Responder nonce
//	Byte 16:    Echoed element count
//	Byte 17:    Responder element count
//	Byte 18-19: Reserved
//	Byte 20-:   Echoed elements, then responder elements (8 slots each)
type DiscoveryResponseBody struct {
	Nonce    [NonceSize]byte
	Echoed   [][ElementSize]byte
	Elements [][ElementSize]byte
}

func (b *DiscoveryResponseBody) Marshal() []byte {
	buf := make([]byte, DiscoveryResponseBodySize)
	copy(buf[0:16], b.Nonce[:])
	buf[16] = byte(len(b.Echoed))
	buf[17] = byte(len(b.Elements))
	putElements(buf[20:], b.Echoed)
	putElements(buf[20+MaxDiscoveryPSKs*ElementSize:], b.Elements)
	return buf
}

func DecodeDiscoveryResponse(data []byte) (*DiscoveryResponseBody, error) {
	if err := bodyLen(TypeDiscoveryResponse, data); err != nil {
		return nil, err
	}
	ne, nr := int(data[16]), int(data[17])
	if ne > MaxDiscoveryPSKs || nr > MaxDiscoveryPSKs {
		return nil, Errorf(CodeMalformedPacket, "discovery response counts %d/%d out of range", ne, nr)
	}
	b := &DiscoveryResponseBody{
		Echoed:   getElements(data[20:], ne),
		Elements: getElements(data[20+MaxDiscoveryPSKs*ElementSize:], nr),
	}
	copy(b.Nonce[:], data[0:16])
	return b, nil
}

// Discovery confirm status values.
const (
	DiscoveryStatusSelected uint8 = 1
	DiscoveryStatusNoMatch  uint8 = 2
)

// DiscoveryConfirmBody names the selected responder element and proves
// possession of the matching PSK.
//
//	Byte 0:    Status
//	Byte 1:    Responder element index
//	Byte 2-3:  Reserved
//	Byte 4-35: Proof
type DiscoveryConfirmBody struct {
	Status uint8
	Index  uint8
	Proof  [32]byte
}

func (b *DiscoveryConfirmBody) Marshal() []byte {
	buf := make([]byte, DiscoveryConfirmBodySize)
	buf[0] = b.Status
	buf[1] = b.Index
	copy(buf[4:36], b.Proof[:])
	return buf
}

func DecodeDiscoveryConfirm(data []byte) (*DiscoveryConfirmBody, error) {
	if err := bodyLen(TypeDiscoveryConfirm, data); err != nil {
		return nil, err
	}
	b := &DiscoveryConfirmBody{Status: data[0], Index: data[1]}
	copy(b.Proof[:], data[4:36])
	return b, nil
}

// TimeSyncRequestBody starts an offset measurement round trip.
type TimeSyncRequestBody struct {
	Challenge uint64
	Origin    uint64 // sender clock, unix ms
}

func (b *TimeSyncRequestBody) Marshal() []byte {
	buf := make([]byte, TimeSyncRequestBodySize)
	binary.BigEndian.PutUint64(buf[0:8], b.Challenge)
	binary.BigEndian.PutUint64(buf[8:16], b.Origin)
	return buf
}

func DecodeTimeSyncRequest(data []byte) (*TimeSyncRequestBody, error) {
	if err := bodyLen(TypeTimeSyncRequest, data); err != nil {
		return nil, err
	}
	return &TimeSyncRequestBody{
		Challenge: binary.BigEndian.Uint64(data[0:8]),
		Origin:    binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// TimeSyncResponseBody echoes the challenge with the responder's receive
// and transmit times.
type TimeSyncResponseBody struct {
	Challenge uint64
	Origin    uint64
	Receive   uint64
	Transmit  uint64
}

func (b *TimeSyncResponseBody) Marshal() []byte {
	buf := make([]byte, TimeSyncResponseBodySize)
	binary.BigEndian.PutUint64(buf[0:8], b.Challenge)
	binary.BigEndian.PutUint64(buf[8:16], b.Origin)
	binary.BigEndian.PutUint64(buf[16:24], b.Receive)
	binary.BigEndian.PutUint64(buf[24:32], b.Transmit)
	return buf
}

func DecodeTimeSyncResponse(data []byte) (*TimeSyncResponseBody, error) {
	if err := bodyLen(TypeTimeSyncResponse, data); err != nil {
		return nil, err
	}
	return &TimeSyncResponseBody{
		Challenge: binary.BigEndian.Uint64(data[0:8]),
		Origin:    binary.BigEndian.Uint64(data[8:16]),
		Receive:   binary.BigEndian.Uint64(data[16:24]),
		Transmit:  binary.BigEndian.Uint64(data[24:32]),
	}, nil
}

// Rekey status values (responses only).
const (
	RekeyAccepted uint8 = 1
	RekeyRejected uint8 = 2
)

// RekeyBody carries a fresh key contribution. On requests Proof is a
// commitment to the nonce, on responses it confirms the derived key.
//
//	Byte 0-3:   Generation
//	Byte 4:     Status
//	Byte 5-7:   Reserved
//	Byte 8-23:  Nonce
//	Byte 24-55: Proof
type RekeyBody struct {
	Generation uint32
	Status     uint8
	Nonce      [NonceSize]byte
	Proof      [32]byte
}

func (b *RekeyBody) Marshal() []byte {
	buf := make([]byte, RekeyBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.Generation)
	buf[4] = b.Status
	copy(buf[8:24], b.Nonce[:])
	copy(buf[24:56], b.Proof[:])
	return buf
}

func DecodeRekey(data []byte) (*RekeyBody, error) {
	if len(data) != RekeyBodySize {
		return nil, Errorf(CodeMalformedPacket, "rekey body is %d bytes, want %d", len(data), RekeyBodySize)
	}
	b := &RekeyBody{
		Generation: binary.BigEndian.Uint32(data[0:4]),
		Status:     data[4],
	}
	copy(b.Nonce[:], data[8:24])
	copy(b.Proof[:], data[24:56])
	return b, nil
}

// RepairBody exchanges the last known-good sequence state.
//
//	Byte 0-3:   Next expected receive sequence
//	Byte 4-7:   Highest cumulative ACK received from the peer
//	Byte 8-11:  Next sequence this side will send
//	Byte 12-15: Reserved
type RepairBody struct {
	NextExpected uint32
	LastAcked    uint32
	NextSend     uint32
}

func (b *RepairBody) Marshal() []byte {
	buf := make([]byte, RepairBodySize)
	binary.BigEndian.PutUint32(buf[0:4], b.NextExpected)
	binary.BigEndian.PutUint32(buf[4:8], b.LastAcked)
	binary.BigEndian.PutUint32(buf[8:12], b.NextSend)
	return buf
}

func DecodeRepair(data []byte) (*RepairBody, error) {
	if len(data) != RepairBodySize {
		return nil, Errorf(CodeMalformedPacket, "repair body is %d bytes, want %d", len(data), RepairBodySize)
	}
	return &RepairBody{
		NextExpected: binary.BigEndian.Uint32(data[0:4]),
		LastAcked:    binary.BigEndian.Uint32(data[4:8]),
		NextSend:     binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// Emergency status values (responses only).
const (
	EmergencyOK       uint8 = 1
	EmergencyRejected uint8 = 2
)

// EmergencyBody is one round of the full state restore exchange.
//
//	Byte 0:      Round
//	Byte 1:      Status
//	Byte 2-3:    Reserved
//	Byte 4-19:   Nonce
//	Byte 20-79:  Sealed state backup
//	Byte 80-111: Proof
type EmergencyBody struct {
	Round  uint8
	Status uint8
	Nonce  [NonceSize]byte
	Sealed [crypto.SealedBackupSize]byte
	Proof  [32]byte
}

func (b *EmergencyBody) Marshal() []byte {
	buf := make([]byte, EmergencyBodySize)
	buf[0] = b.Round
	buf[1] = b.Status
	copy(buf[4:20], b.Nonce[:])
	copy(buf[20:20+crypto.SealedBackupSize], b.Sealed[:])
	copy(buf[20+crypto.SealedBackupSize:], b.Proof[:])
	return buf
}

func DecodeEmergency(data []byte) (*EmergencyBody, error) {
	if len(data) != EmergencyBodySize {
		return nil, Errorf(CodeMalformedPacket, "emergency body is %d bytes, want %d", len(data), EmergencyBodySize)
	}
	b := &EmergencyBody{Round: data[0], Status: data[1]}
	copy(b.Nonce[:], data[4:20])
	copy(b.Sealed[:], data[20:20+crypto.SealedBackupSize])
	copy(b.Proof[:], data[20+crypto.SealedBackupSize:])
	return b, nil
}

// EncodeFragmentRequest lists the fragment indices a receiver is missing.
// Format: count (2 bytes) + count * index (2 bytes each).
func EncodeFragmentRequest(missing []uint16) []byte {
	buf := make([]byte, 2+2*len(missing))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(missing)))
	for i, idx := range missing {
		binary.BigEndian.PutUint16(buf[2+2*i:], idx)
	}
	return buf
}

// DecodeFragmentRequest parses a fragment retransmission request.
func DecodeFragmentRequest(data []byte) ([]uint16, error) {
	if err := checkFragmentRequest(data); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2+2*i:])
	}
	return out, nil
}

func checkFragmentRequest(data []byte) error {
	if len(data) < 2 {
		return Errorf(CodeInvalidFragment, "fragment request too short")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if n == 0 || n > MaxFragments || len(data) != 2+2*n {
		return Errorf(CodeInvalidFragment, "fragment request lists %d indices in %d bytes", n, len(data))
	}
	return nil
}

func putElements(buf []byte, elems [][ElementSize]byte) {
	for i, e := range elems {
		if i >= MaxDiscoveryPSKs {
			return
		}
		copy(buf[i*ElementSize:], e[:])
	}
}

func getElements(buf []byte, n int) [][ElementSize]byte {
	out := make([][ElementSize]byte, n)
	for i := range out {
		copy(out[i][:], buf[i*ElementSize:(i+1)*ElementSize])
	}
	return out
}
