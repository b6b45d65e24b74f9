// Package discovery lets two peers that hold overlapping PSK sets agree on
// one shared PSK without revealing the others.
//
// The exchange is a Diffie-Hellman private set intersection over the
// ristretto255 group. Each PSK is hashed to a group element bound to the
// initiator nonce. The initiator blinds its elements with secret a; the
// responder re-blinds them with secret b and returns them together with
// its own elements blinded by b. The initiator blinds those with a and
// compares: equal double-blinded elements mean equal PSKs. Neither side
// learns anything about PSKs outside the intersection, and the initiator
// then proves possession of the selected one in DISCOVERY_CONFIRM.
package discovery

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"github.com/gtank/ristretto255"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

const (
	// Timeout bounds each discovery round trip.
	Timeout = 3 * time.Second
	// MaxAttempts is how many times the initiator sends DISCOVERY.
	MaxAttempts = 3
	// MaxPSKs is the largest set either side may offer.
	MaxPSKs = protocol.MaxDiscoveryPSKs
)

const hashDomain = "hopwire/v1 psi"

// State is the discovery session state.
type State uint8

const (
	StateIdle State = iota
	StateInitiated
	StateResponded
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitiated:
		return "INITIATED"
	case StateResponded:
		return "RESPONDED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Initiator runs the initiating side of one discovery. Not safe for
// concurrent use.
type Initiator struct {
	id       uint64
	psks     []*crypto.PSK
	state    State
	nonce    [protocol.NonceSize]byte
	secret   *ristretto255.Scalar
	request  *protocol.DiscoveryBody
	attempts int
	selected *crypto.PSK
}

// NewInitiator prepares a discovery offering psks in preference order.
func NewInitiator(id uint64, psks []*crypto.PSK) (*Initiator, error) {
	if err := checkSet(psks); err != nil {
		return nil, err
	}
	return &Initiator{id: id, psks: psks}, nil
}

func (in *Initiator) ID() uint64            { return in.id }
func (in *Initiator) State() State          { return in.state }
func (in *Initiator) Selected() *crypto.PSK { return in.selected }

// Start moves IDLE to INITIATED and returns the DISCOVERY body.
func (in *Initiator) Start() (*protocol.DiscoveryBody, error) {
	if in.state != StateIdle {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "discovery start in %s", in.state)
	}
	if _, err := rand.Read(in.nonce[:]); err != nil {
		return nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "discovery nonce", err)
	}
	secret, err := randomScalar()
	if err != nil {
		return nil, err
	}
	in.secret = secret

	body := &protocol.DiscoveryBody{Nonce: in.nonce}
	for _, p := range in.psks {
		e := ristretto255.NewElement().ScalarMult(secret, hashToElement(in.nonce[:], p.Key))
		body.Elements = append(body.Elements, encode(e))
	}
	in.request = body
	in.attempts = 1
	in.state = StateInitiated
	return body, nil
}

// Retry returns the request to resend after a timeout, or false once
// MaxAttempts are used up, in which case the discovery has failed.
func (in *Initiator) Retry() (*protocol.DiscoveryBody, bool) {
	if in.state != StateInitiated {
		return nil, false
	}
	if in.attempts >= MaxAttempts {
		in.fail()
		return nil, false
	}
	in.attempts++
	return in.request, true
}

func (in *Initiator) Attempts() int { return in.attempts }

// HandleResponse computes the intersection. It returns the confirm body to
// send; the state is COMPLETED if a shared PSK was found and FAILED
// otherwise.
func (in *Initiator) HandleResponse(resp *protocol.DiscoveryResponseBody) (*protocol.DiscoveryConfirmBody, error) {
	if in.state != StateInitiated {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "discovery response in %s", in.state)
	}
	if len(resp.Echoed) != len(in.psks) {
		in.fail()
		return nil, protocol.Errorf(protocol.CodeDiscoveryFailed, "responder echoed %d elements, sent %d", len(resp.Echoed), len(in.psks))
	}

	echoed := make([]*ristretto255.Element, len(resp.Echoed))
	for i, b := range resp.Echoed {
		e, err := decode(b)
		if err != nil {
			in.fail()
			return nil, err
		}
		echoed[i] = e
	}

	matchI, matchJ := -1, -1
	for j, b := range resp.Elements {
		z, err := decode(b)
		if err != nil {
			in.fail()
			return nil, err
		}
		z = ristretto255.NewElement().ScalarMult(in.secret, z)
		for i, y := range echoed {
			if y.Equal(z) == 1 && (matchI < 0 || i < matchI) {
				matchI, matchJ = i, j
			}
		}
	}
	in.secret = nil

	if matchI < 0 {
		in.fail()
		return &protocol.DiscoveryConfirmBody{Status: protocol.DiscoveryStatusNoMatch}, nil
	}
	in.selected = in.psks[matchI]
	in.state = StateCompleted
	return &protocol.DiscoveryConfirmBody{
		Status: protocol.DiscoveryStatusSelected,
		Index:  uint8(matchJ),
		Proof:  confirmProof(in.selected.Key, in.id, in.nonce, resp.Nonce),
	}, nil
}

func (in *Initiator) fail() {
	in.state = StateFailed
	in.secret = nil
}

// Responder answers one DISCOVERY. Not safe for concurrent use.
type Responder struct {
	id       uint64
	state    State
	nonceI   [protocol.NonceSize]byte
	nonceR   [protocol.NonceSize]byte
	order    []*crypto.PSK // PSKs in the order their elements were sent
	response *protocol.DiscoveryResponseBody
	started  time.Time
	selected *crypto.PSK
}

// Respond handles a DISCOVERY against the local set and moves to
// RESPONDED. The returned response is cached; resend it if the same
// request arrives again.
func Respond(id uint64, psks []*crypto.PSK, req *protocol.DiscoveryBody, now time.Time) (*Responder, *protocol.DiscoveryResponseBody, error) {
	if err := checkSet(psks); err != nil {
		return nil, nil, err
	}
	if len(req.Elements) == 0 || len(req.Elements) > MaxPSKs {
		return nil, nil, protocol.Errorf(protocol.CodeEnumerationAttempt, "discovery offers %d elements", len(req.Elements))
	}
	secret, err := randomScalar()
	if err != nil {
		return nil, nil, err
	}

	r := &Responder{id: id, nonceI: req.Nonce, started: now, state: StateResponded}
	if _, err := rand.Read(r.nonceR[:]); err != nil {
		return nil, nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "discovery nonce", err)
	}

	resp := &protocol.DiscoveryResponseBody{Nonce: r.nonceR}
	for _, b := range req.Elements {
		x, err := decode(b)
		if err != nil {
			return nil, nil, err
		}
		resp.Echoed = append(resp.Echoed, encode(ristretto255.NewElement().ScalarMult(secret, x)))
	}

	// Shuffled so element positions say nothing about the local set order.
	r.order = append([]*crypto.PSK(nil), psks...)
	mrand.Shuffle(len(r.order), func(i, j int) { r.order[i], r.order[j] = r.order[j], r.order[i] })
	for _, p := range r.order {
		e := ristretto255.NewElement().ScalarMult(secret, hashToElement(req.Nonce[:], p.Key))
		resp.Elements = append(resp.Elements, encode(e))
	}
	r.response = resp
	return r, resp, nil
}

func (r *Responder) ID() uint64                                { return r.id }
func (r *Responder) State() State                              { return r.state }
func (r *Responder) Selected() *crypto.PSK                     { return r.selected }
func (r *Responder) Response() *protocol.DiscoveryResponseBody { return r.response }

// Matches reports whether req is a retransmission of the request this
// responder answered.
func (r *Responder) Matches(req *protocol.DiscoveryBody) bool {
	return req.Nonce == r.nonceI
}

// Expired reports whether the initiator has run out of time to confirm.
func (r *Responder) Expired(now time.Time) bool {
	return now.Sub(r.started) > Timeout*MaxAttempts
}

// HandleConfirm checks the initiator's selection and possession proof.
func (r *Responder) HandleConfirm(c *protocol.DiscoveryConfirmBody) (*crypto.PSK, error) {
	if r.state != StateResponded {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "discovery confirm in %s", r.state)
	}
	r.state = StateFailed
	r.response = nil
	switch c.Status {
	case protocol.DiscoveryStatusNoMatch:
		return nil, protocol.Errorf(protocol.CodeDiscoveryFailed, "no shared psk")
	case protocol.DiscoveryStatusSelected:
	default:
		return nil, protocol.Errorf(protocol.CodeMalformedPacket, "discovery confirm status %d", c.Status)
	}
	if int(c.Index) >= len(r.order) {
		return nil, protocol.Errorf(protocol.CodeEnumerationAttempt, "discovery confirm index %d of %d", c.Index, len(r.order))
	}
	p := r.order[c.Index]
	want := confirmProof(p.Key, r.id, r.nonceI, r.nonceR)
	if !crypto.Equal(want[:], c.Proof[:]) {
		return nil, protocol.Errorf(protocol.CodeProofFailed, "discovery possession proof mismatch")
	}
	r.state = StateCompleted
	r.selected = p
	return p, nil
}

func checkSet(psks []*crypto.PSK) error {
	if len(psks) == 0 {
		return protocol.NewError(protocol.CodePSKNotFound, "no psks to offer")
	}
	if len(psks) > MaxPSKs {
		return protocol.Errorf(protocol.CodeInvalidParameter, "%d psks offered (max %d)", len(psks), MaxPSKs)
	}
	return nil
}

func hashToElement(nonce, psk []byte) *ristretto255.Element {
	h := sha512.New()
	h.Write([]byte(hashDomain))
	h.Write(nonce)
	h.Write(psk)
	return ristretto255.NewElement().FromUniformBytes(h.Sum(nil))
}

func randomScalar() (*ristretto255.Scalar, error) {
	var b [64]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "discovery scalar", err)
	}
	s := ristretto255.NewScalar().FromUniformBytes(b[:])
	crypto.Wipe(b[:])
	return s, nil
}

func encode(e *ristretto255.Element) [protocol.ElementSize]byte {
	var out [protocol.ElementSize]byte
	copy(out[:], e.Encode(nil))
	return out
}

var identity = ristretto255.NewElement()

func decode(b [protocol.ElementSize]byte) (*ristretto255.Element, error) {
	e := ristretto255.NewElement()
	if err := e.Decode(b[:]); err != nil {
		return nil, protocol.WrapError(protocol.CodeDiscoveryFailed, "decode group element", err)
	}
	if e.Equal(identity) == 1 {
		return nil, protocol.Errorf(protocol.CodeDiscoveryFailed, "identity group element")
	}
	return e, nil
}

func confirmProof(psk []byte, id uint64, nonceI, nonceR [protocol.NonceSize]byte) [32]byte {
	key := crypto.ConfirmKey(psk)
	defer key.Wipe()
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return crypto.Sum256(key[:], idb[:], nonceI[:], nonceR[:])
}

// String is for logs.
func (in *Initiator) String() string {
	return fmt.Sprintf("discovery %016x initiator %s", in.id, in.state)
}
