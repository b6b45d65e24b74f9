package protocol

import (
	"errors"
	"time"
)

// Protocol version
const Version uint8 = 1

// Sentinel errors shared across packages.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrConnRefused   = errors.New("connection refused")
	ErrConnReset     = errors.New("connection reset by peer")
	ErrDialTimeout   = errors.New("dial timeout")
	ErrNoPSK         = errors.New("no pre-shared key configured")
)

// Flags (one byte)
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// Type identifies the body carried after the common header.
type Type uint8

const (
	TypeSYN               Type = 0x01
	TypeSYNACK            Type = 0x02
	TypeACK               Type = 0x03
	TypeData              Type = 0x04
	TypeFIN               Type = 0x05
	TypeHeartbeat         Type = 0x06
	TypeRecovery          Type = 0x07
	TypeFragment          Type = 0x08
	TypeError             Type = 0x09
	TypeWindowUpdate      Type = 0x0A
	TypeRST               Type = 0x0B
	TypeDiscovery         Type = 0x0C
	TypeDiscoveryResponse Type = 0x0D
	TypeDiscoveryConfirm  Type = 0x0E
	TypeTimeSyncRequest   Type = 0x10
	TypeTimeSyncResponse  Type = 0x11
	TypeRekeyRequest      Type = 0x12
	TypeRekeyResponse     Type = 0x13
	TypeRepairRequest     Type = 0x14
	TypeRepairResponse    Type = 0x15
	TypeEmergencyRequest  Type = 0x16
	TypeEmergencyResponse Type = 0x17
)

var typeNames = map[Type]string{
	TypeSYN:               "SYN",
	TypeSYNACK:            "SYN_ACK",
	TypeACK:               "ACK",
	TypeData:              "DATA",
	TypeFIN:               "FIN",
	TypeHeartbeat:         "HEARTBEAT",
	TypeRecovery:          "RECOVERY",
	TypeFragment:          "FRAGMENT",
	TypeError:             "ERROR",
	TypeWindowUpdate:      "WINDOW_UPDATE",
	TypeRST:               "RST",
	TypeDiscovery:         "DISCOVERY",
	TypeDiscoveryResponse: "DISCOVERY_RESPONSE",
	TypeDiscoveryConfirm:  "DISCOVERY_CONFIRM",
	TypeTimeSyncRequest:   "TIME_SYNC_REQUEST",
	TypeTimeSyncResponse:  "TIME_SYNC_RESPONSE",
	TypeRekeyRequest:      "REKEY_REQUEST",
	TypeRekeyResponse:     "REKEY_RESPONSE",
	TypeRepairRequest:     "REPAIR_REQUEST",
	TypeRepairResponse:    "REPAIR_RESPONSE",
	TypeEmergencyRequest:  "EMERGENCY_REQUEST",
	TypeEmergencyResponse: "EMERGENCY_RESPONSE",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsDiscovery reports whether t belongs to the PSK discovery exchange.
// Discovery packets are not bound to a session key.
func (t Type) IsDiscovery() bool {
	return t == TypeDiscovery || t == TypeDiscoveryResponse || t == TypeDiscoveryConfirm
}

// IsRecovery reports whether t is one of the recovery-auxiliary types.
func (t Type) IsRecovery() bool {
	return t == TypeRecovery || (t >= TypeTimeSyncRequest && t <= TypeEmergencyResponse)
}

// Body sizes for fixed-size packet types. Variable types (DATA, FRAGMENT)
// are bounded by MaxSegmentPayload instead.
var fixedBodySize = map[Type]int{
	TypeSYN:               SynBodySize,
	TypeSYNACK:            SynBodySize,
	TypeACK:               0,
	TypeFIN:               0,
	TypeRST:               0,
	TypeHeartbeat:         HeartbeatBodySize,
	TypeRecovery:          RecoveryBodySize,
	TypeError:             ErrorBodySize,
	TypeWindowUpdate:      WindowUpdateBodySize,
	TypeDiscovery:         DiscoveryBodySize,
	TypeDiscoveryResponse: DiscoveryResponseBodySize,
	TypeDiscoveryConfirm:  DiscoveryConfirmBodySize,
	TypeTimeSyncRequest:   TimeSyncRequestBodySize,
	TypeTimeSyncResponse:  TimeSyncResponseBodySize,
	TypeRekeyRequest:      RekeyBodySize,
	TypeRekeyResponse:     RekeyBodySize,
	TypeRepairRequest:     RepairBodySize,
	TypeRepairResponse:    RepairBodySize,
	TypeEmergencyRequest:  EmergencyBodySize,
	TypeEmergencyResponse: EmergencyBodySize,
}

// BodySize returns the fixed body size for t, or -1 if the type carries a
// variable-length body.
func BodySize(t Type) int {
	if n, ok := fixedBodySize[t]; ok {
		return n
	}
	return -1
}

// Datagram sizing. A 1500-byte link MTU minus IPv4 and UDP headers leaves
// 1472 bytes of UDP payload, 64 of which are the common header.
const (
	MaxDatagramSize   = 1472
	MaxSegmentPayload = MaxDatagramSize - HeaderSize // 1408
	MaxFragments      = 64
	MaxMessageSize    = MaxSegmentPayload * MaxFragments
)

// Port schedule and timing constants.
const (
	HopInterval     = 250 * time.Millisecond
	HopIntervalMS   = 250
	DayMS           = 24 * 60 * 60 * 1000
	PortRangeMin    = 1024
	PortRangeMax    = 65535
	ConnOffsetBits  = 12
	ConnOffsetSpace = 1 << ConnOffsetBits
)
