// Package hopping computes the time-windowed port schedule shared by two
// peers. Ports are derived from the daily key and never sent on the wire.
package hopping

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// ListenerSessionID is the schedule new sessions dial before they have a
// schedule of their own.
const ListenerSessionID uint64 = 0

const (
	portSpan   = protocol.PortRangeMax - protocol.PortRangeMin + 1 // 64512
	usableSpan = portSpan / protocol.ConnOffsetSpace * protocol.ConnOffsetSpace
	offsetMask = protocol.ConnOffsetSpace - 1
)

// PortFor maps a schedule position to a UDP port. The connection offset
// occupies the low 12 bits, so schedules with distinct offsets never share a
// port.
func PortFor(daily crypto.Key, sessionID uint64, window uint32, offset uint16) uint16 {
	var msg [14]byte
	binary.BigEndian.PutUint32(msg[0:4], window)
	binary.BigEndian.PutUint64(msg[4:12], sessionID)
	binary.BigEndian.PutUint16(msg[12:14], offset)
	h := crypto.Sum32(daily[:], msg[:]) % usableSpan
	return uint16(protocol.PortRangeMin + (h&^offsetMask | uint32(offset&offsetMask)))
}

// Candidates returns the ports for windows W-margin..W+margin in window
// order. Entries may repeat when two windows map to the same port.
func Candidates(daily crypto.Key, sessionID uint64, window uint32, offset uint16, margin int) []uint16 {
	out := make([]uint16, 0, 2*margin+1)
	for d := -margin; d <= margin; d++ {
		out = append(out, PortFor(daily, sessionID, protocol.WindowAdd(window, d), offset))
	}
	return out
}

// Set returns the distinct ports of ps, sorted.
func Set(ps []uint16) []uint16 {
	out := slices.Clone(ps)
	slices.Sort(out)
	return slices.Compact(out)
}

// Schedule binds the inputs of PortFor for one session.
type Schedule struct {
	Daily     crypto.Key
	SessionID uint64
	Offset    uint16
	// DailyAt, when set, supplies the daily key for the date of t so
	// windows on the far side of midnight use the right day.
	DailyAt func(t time.Time) crypto.Key
}

func (s *Schedule) daily(t time.Time) crypto.Key {
	if s.DailyAt != nil {
		return s.DailyAt(t)
	}
	return s.Daily
}

// Port returns the port for the window containing t.
func (s *Schedule) Port(t time.Time) uint16 {
	return PortFor(s.daily(t), s.SessionID, protocol.TimeWindow(t), s.Offset)
}

// Candidates returns the ports valid at t with the given delay margin, in
// window order.
func (s *Schedule) Candidates(t time.Time, margin int) []uint16 {
	if s.DailyAt == nil {
		return Candidates(s.Daily, s.SessionID, protocol.TimeWindow(t), s.Offset, margin)
	}
	out := make([]uint16, 0, 2*margin+1)
	for d := -margin; d <= margin; d++ {
		out = append(out, s.Port(t.Add(time.Duration(d)*protocol.HopInterval)))
	}
	return out
}

// Wipe clears the daily key copy.
func (s *Schedule) Wipe() { s.Daily.Wipe() }

// OffsetFor derives the connection offset for a connection id.
func OffsetFor(daily crypto.Key, connID uint64) uint16 {
	return uint16(crypto.ConnectionOffsetSeed(daily, connID) % protocol.ConnOffsetSpace)
}
