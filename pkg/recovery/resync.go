package recovery

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// MaxSlewPerHop bounds how far the session clock moves in one hop while a
// measured offset is applied.
const MaxSlewPerHop = 25 * time.Millisecond

// timeResync measures the clock offset to the peer with one NTP-style
// round trip: offset = ((t2-t1) + (t3-t4)) / 2.
type timeResync struct {
	challenge uint64
	pending   bool
}

func (r *timeResync) Kind() Kind                  { return TimeResync }
func (r *timeResync) RequestType() protocol.Type  { return protocol.TypeTimeSyncRequest }
func (r *timeResync) ResponseType() protocol.Type { return protocol.TypeTimeSyncResponse }
func (r *timeResync) Reset()                      { r.pending = false }

func (r *timeResync) Begin(env Env, _ int) error {
	r.challenge = randomUint64()
	r.pending = true
	body := protocol.TimeSyncRequestBody{Challenge: r.challenge, Origin: unixMS(env.Now())}
	return env.Send(protocol.TypeTimeSyncRequest, body.Marshal())
}

func (r *timeResync) HandleRequest(env Env, p *protocol.Packet) error {
	req, err := protocol.DecodeTimeSyncRequest(p.Payload)
	if err != nil {
		return err
	}
	received := unixMS(env.Now())
	resp := protocol.TimeSyncResponseBody{
		Challenge: req.Challenge,
		Origin:    req.Origin,
		Receive:   received,
		Transmit:  unixMS(env.Now()),
	}
	return env.Send(protocol.TypeTimeSyncResponse, resp.Marshal())
}

func (r *timeResync) HandleResponse(env Env, p *protocol.Packet) (bool, error) {
	resp, err := protocol.DecodeTimeSyncResponse(p.Payload)
	if err != nil {
		return false, err
	}
	if !r.pending || resp.Challenge != r.challenge {
		return false, protocol.Errorf(protocol.CodeSyncFailed, "time sync challenge mismatch")
	}
	r.pending = false
	t4 := int64(unixMS(env.Now()))
	env.Slew(ClockOffset(int64(resp.Origin), int64(resp.Receive), int64(resp.Transmit), t4))
	return true, nil
}

// ClockOffset returns the peer clock minus the local clock from the four
// timestamps of one exchange, in unix milliseconds.
func ClockOffset(t1, t2, t3, t4 int64) time.Duration {
	return time.Duration(((t2-t1)+(t3-t4))/2) * time.Millisecond
}

// SlewStep returns the part of remaining to apply in one hop.
func SlewStep(remaining time.Duration) time.Duration {
	return max(min(remaining, MaxSlewPerHop), -MaxSlewPerHop)
}

func unixMS(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
