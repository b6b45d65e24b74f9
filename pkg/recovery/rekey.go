package recovery

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// rekey moves both peers to a fresh key generation. The initiator commits
// to its nonce under the current base; the responder contributes its own
// nonce and proves it derived the same new base. Each side installs the
// new generation atomically, which wipes the superseded base.
type rekey struct {
	nonce      [protocol.NonceSize]byte
	generation uint32
	pending    bool

	// responder side: last answered request, replayed if the response was
	// lost and the initiator retries
	lastNonce    [protocol.NonceSize]byte
	lastGen      uint32
	lastResponse []byte
}

func (r *rekey) Kind() Kind                  { return Rekey }
func (r *rekey) RequestType() protocol.Type  { return protocol.TypeRekeyRequest }
func (r *rekey) ResponseType() protocol.Type { return protocol.TypeRekeyResponse }

// Reset keeps the nonce so retries within an episode stay idempotent for
// a responder that already switched.
func (r *rekey) Reset() { r.pending = false }

func (r *rekey) Begin(env Env, attempt int) error {
	kr := env.Keys()
	gen := kr.Generation() + 1
	if attempt == 1 || gen != r.generation {
		if _, err := rand.Read(r.nonce[:]); err != nil {
			return protocol.WrapError(protocol.CodeRecoveryFailed, "rekey nonce", err)
		}
	}
	r.generation = gen
	r.pending = true
	base := kr.Base()
	defer base.Wipe()
	req := protocol.RekeyBody{
		Generation: gen,
		Nonce:      r.nonce,
		Proof:      commitProof(base, env.SessionID(), gen, r.nonce[:]),
	}
	return env.Send(protocol.TypeRekeyRequest, req.Marshal())
}

func (r *rekey) HandleRequest(env Env, p *protocol.Packet) error {
	req, err := protocol.DecodeRekey(p.Payload)
	if err != nil {
		return err
	}
	if r.lastResponse != nil && req.Generation == r.lastGen && req.Nonce == r.lastNonce {
		return env.Send(protocol.TypeRekeyResponse, r.lastResponse)
	}

	kr := env.Keys()
	gen := kr.Generation()
	base := kr.Base()
	defer base.Wipe()
	resp := protocol.RekeyBody{Generation: req.Generation}
	want := commitProof(base, env.SessionID(), req.Generation, req.Nonce[:])
	if req.Generation != gen+1 || !crypto.Equal(want[:], req.Proof[:]) {
		resp.Status = protocol.RekeyRejected
		if err := env.Send(protocol.TypeRekeyResponse, resp.Marshal()); err != nil {
			return err
		}
		return protocol.Errorf(protocol.CodeProofFailed, "rekey request for generation %d rejected at %d", req.Generation, gen)
	}

	if _, err := rand.Read(resp.Nonce[:]); err != nil {
		return protocol.WrapError(protocol.CodeRecoveryFailed, "rekey nonce", err)
	}
	next := crypto.RekeyBase(base, req.Nonce[:], resp.Nonce[:], req.Generation)
	resp.Status = protocol.RekeyAccepted
	resp.Proof = confirmProof(next, req.Nonce[:], resp.Nonce[:])
	body := resp.Marshal()
	if err := env.Send(protocol.TypeRekeyResponse, body); err != nil {
		next.Wipe()
		return err
	}
	kr.Install(next, req.Generation, env.Now())
	next.Wipe()
	r.lastGen = req.Generation
	r.lastNonce = req.Nonce
	r.lastResponse = body
	return nil
}

func (r *rekey) HandleResponse(env Env, p *protocol.Packet) (bool, error) {
	resp, err := protocol.DecodeRekey(p.Payload)
	if err != nil {
		return false, err
	}
	if !r.pending || resp.Generation != r.generation {
		return false, nil
	}
	if resp.Status != protocol.RekeyAccepted {
		r.pending = false
		return false, protocol.Errorf(protocol.CodeRecoveryFailed, "peer rejected rekey to generation %d", resp.Generation)
	}
	kr := env.Keys()
	base := kr.Base()
	defer base.Wipe()
	next := crypto.RekeyBase(base, r.nonce[:], resp.Nonce[:], r.generation)
	want := confirmProof(next, r.nonce[:], resp.Nonce[:])
	if !crypto.Equal(want[:], resp.Proof[:]) {
		next.Wipe()
		return false, protocol.Errorf(protocol.CodeProofFailed, "rekey confirmation mismatch")
	}
	kr.Install(next, r.generation, env.Now())
	next.Wipe()
	r.pending = false
	return true, nil
}

func commitProof(base crypto.Key, sessionID uint64, gen uint32, nonce []byte) [32]byte {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], sessionID)
	binary.BigEndian.PutUint32(hdr[8:12], gen)
	return crypto.Sum256(base[:], []byte("rekey commit"), hdr[:], nonce)
}

func confirmProof(next crypto.Key, nonceI, nonceR []byte) [32]byte {
	return crypto.Sum256(next[:], []byte("rekey confirm"), nonceI, nonceR)
}
