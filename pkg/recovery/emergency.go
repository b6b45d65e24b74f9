package recovery

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/TeoSlayer/hopwire/internal/crypto"
	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// Backup is the session state carried, sealed, through an emergency
// restore. It preserves the session id and, through the emergency key, the
// PSK binding.
type Backup struct {
	SessionID    uint64
	Generation   uint32
	NextSend     uint32
	NextExpected uint32
	LastAcked    uint32
	Time         time.Time
}

// StoredRound binds backups kept at rest. The exchange itself uses rounds
// one and two, so a stored backup cannot be replayed into a restore.
const StoredRound uint8 = 0

// Marshal encodes the backup into its fixed plaintext form.
func (b *Backup) Marshal() [crypto.BackupPlainSize]byte {
	var out [crypto.BackupPlainSize]byte
	binary.BigEndian.PutUint64(out[0:8], b.SessionID)
	binary.BigEndian.PutUint32(out[8:12], b.Generation)
	binary.BigEndian.PutUint32(out[12:16], b.NextSend)
	binary.BigEndian.PutUint32(out[16:20], b.NextExpected)
	binary.BigEndian.PutUint32(out[20:24], b.LastAcked)
	binary.BigEndian.PutUint64(out[24:32], uint64(b.Time.UnixMilli()))
	return out
}

// UnmarshalBackup decodes a backup plaintext.
func UnmarshalBackup(in [crypto.BackupPlainSize]byte) Backup {
	return Backup{
		SessionID:    binary.BigEndian.Uint64(in[0:8]),
		Generation:   binary.BigEndian.Uint32(in[8:12]),
		NextSend:     binary.BigEndian.Uint32(in[12:16]),
		NextExpected: binary.BigEndian.Uint32(in[16:20]),
		LastAcked:    binary.BigEndian.Uint32(in[20:24]),
		Time:         time.UnixMilli(int64(binary.BigEndian.Uint64(in[24:32]))),
	}
}

// Repair converts the backup into the sequence state a peer reconciles
// against.
func (b *Backup) Repair() protocol.RepairBody {
	return protocol.RepairBody{NextExpected: b.NextExpected, LastAcked: b.LastAcked, NextSend: b.NextSend}
}

// SnapshotBackup captures env's current state.
func SnapshotBackup(env Env) Backup {
	st := env.SequenceState()
	return Backup{
		SessionID:    env.SessionID(),
		Generation:   env.Keys().Generation(),
		NextSend:     st.NextSend,
		NextExpected: st.NextExpected,
		LastAcked:    st.LastAcked,
		Time:         env.Now(),
	}
}

// SealState seals a backup under the emergency key, bound to the session
// id and round.
func SealState(key crypto.Key, b Backup, round uint8) ([crypto.SealedBackupSize]byte, error) {
	return crypto.SealBackup(key, b.Marshal(), backupAD(b.SessionID, round))
}

// OpenState opens a sealed backup and checks it belongs to sessionID.
func OpenState(key crypto.Key, sealed [crypto.SealedBackupSize]byte, sessionID uint64, round uint8) (Backup, error) {
	plain, err := crypto.OpenBackup(key, sealed, backupAD(sessionID, round))
	if err != nil {
		return Backup{}, protocol.WrapError(protocol.CodeProofFailed, "open state backup", err)
	}
	b := UnmarshalBackup(plain)
	crypto.Wipe(plain[:])
	if b.SessionID != sessionID {
		return Backup{}, protocol.Errorf(protocol.CodeProofFailed, "backup for session %016x, want %016x", b.SessionID, sessionID)
	}
	return b, nil
}

func backupAD(sessionID uint64, round uint8) []byte {
	ad := make([]byte, 9)
	binary.BigEndian.PutUint64(ad, sessionID)
	ad[8] = round
	return ad
}

// emergency restores a session whose key and sequence state can no longer
// be trusted. Round one swaps sealed state backups under the emergency
// key, which depends only on the PSK and session id. Round two has each
// side prove it derived the same fresh generation base before either
// resumes.
type emergency struct {
	// initiator
	nonceA  [protocol.NonceSize]byte
	nonceB  [protocol.NonceSize]byte
	round   uint8
	peer    Backup
	next    crypto.Key
	nextGen uint32

	// responder
	pending *emergencyPending
}

type emergencyPending struct {
	nonceA, nonceB [protocol.NonceSize]byte
	peer           Backup
	next           crypto.Key
	gen            uint32
	response       []byte
}

func (e *emergency) Kind() Kind                  { return Emergency }
func (e *emergency) RequestType() protocol.Type  { return protocol.TypeEmergencyRequest }
func (e *emergency) ResponseType() protocol.Type { return protocol.TypeEmergencyResponse }

func (e *emergency) Reset() {
	e.round = 0
	e.next.Wipe()
}

func (e *emergency) Begin(env Env, _ int) error {
	if _, err := rand.Read(e.nonceA[:]); err != nil {
		return protocol.WrapError(protocol.CodeRecoveryFailed, "emergency nonce", err)
	}
	key := env.Keys().Emergency()
	defer key.Wipe()
	sealed, err := SealState(key, SnapshotBackup(env), 1)
	if err != nil {
		return protocol.WrapError(protocol.CodeRecoveryFailed, "seal state", err)
	}
	req := protocol.EmergencyBody{Round: 1, Nonce: e.nonceA, Sealed: sealed}
	req.Proof = crypto.Sum256(key[:], []byte("emergency request"), e.nonceA[:], sealed[:])
	e.round = 1
	return env.Send(protocol.TypeEmergencyRequest, req.Marshal())
}

func (e *emergency) HandleRequest(env Env, p *protocol.Packet) error {
	req, err := protocol.DecodeEmergency(p.Payload)
	if err != nil {
		return err
	}
	key := env.Keys().Emergency()
	defer key.Wipe()

	switch req.Round {
	case 1:
		if e.pending != nil && e.pending.nonceA == req.Nonce && e.pending.response != nil {
			return env.Send(protocol.TypeEmergencyResponse, e.pending.response)
		}
		want := crypto.Sum256(key[:], []byte("emergency request"), req.Nonce[:], req.Sealed[:])
		if !crypto.Equal(want[:], req.Proof[:]) {
			return e.reject(env, 1, protocol.Errorf(protocol.CodeProofFailed, "emergency request proof mismatch"))
		}
		peer, err := OpenState(key, req.Sealed, env.SessionID(), 1)
		if err != nil {
			return e.reject(env, 1, err)
		}
		pd := &emergencyPending{nonceA: req.Nonce, peer: peer}
		if _, err := rand.Read(pd.nonceB[:]); err != nil {
			return protocol.WrapError(protocol.CodeRecoveryFailed, "emergency nonce", err)
		}
		mine := SnapshotBackup(env)
		sealed, err := SealState(key, mine, 2)
		if err != nil {
			return protocol.WrapError(protocol.CodeRecoveryFailed, "seal state", err)
		}
		pd.gen = max(mine.Generation, peer.Generation) + 1
		pd.next = crypto.RestoreBase(key, pd.nonceA[:], pd.nonceB[:], pd.gen)
		resp := protocol.EmergencyBody{Round: 1, Status: protocol.EmergencyOK, Nonce: pd.nonceB, Sealed: sealed}
		resp.Proof = crypto.Sum256(key[:], []byte("emergency response"), pd.nonceA[:], pd.nonceB[:], sealed[:])
		pd.response = resp.Marshal()
		if e.pending != nil {
			e.pending.next.Wipe()
		}
		e.pending = pd
		return env.Send(protocol.TypeEmergencyResponse, pd.response)

	case 2:
		pd := e.pending
		if pd == nil || pd.nonceA != req.Nonce {
			return e.reject(env, 2, protocol.Errorf(protocol.CodeInvalidState, "emergency round 2 without round 1"))
		}
		want := crypto.Sum256(pd.next[:], []byte("emergency verify"), pd.nonceA[:], pd.nonceB[:])
		if !crypto.Equal(want[:], req.Proof[:]) {
			return e.reject(env, 2, protocol.Errorf(protocol.CodeProofFailed, "emergency verification mismatch"))
		}
		resp := protocol.EmergencyBody{Round: 2, Status: protocol.EmergencyOK, Nonce: pd.nonceB}
		resp.Proof = crypto.Sum256(pd.next[:], []byte("emergency verified"), pd.nonceB[:], pd.nonceA[:])
		if err := env.Send(protocol.TypeEmergencyResponse, resp.Marshal()); err != nil {
			return err
		}
		env.Keys().Install(pd.next, pd.gen, env.Now())
		pd.next.Wipe()
		e.pending = nil
		return env.Reconcile(pd.peer.Repair())
	}
	return protocol.Errorf(protocol.CodeMalformedPacket, "emergency round %d", req.Round)
}

func (e *emergency) reject(env Env, round uint8, cause error) error {
	resp := protocol.EmergencyBody{Round: round, Status: protocol.EmergencyRejected}
	if err := env.Send(protocol.TypeEmergencyResponse, resp.Marshal()); err != nil {
		return err
	}
	return cause
}

func (e *emergency) HandleResponse(env Env, p *protocol.Packet) (bool, error) {
	resp, err := protocol.DecodeEmergency(p.Payload)
	if err != nil {
		return false, err
	}
	if resp.Round != e.round {
		return false, nil
	}
	if resp.Status != protocol.EmergencyOK {
		e.round = 0
		return false, protocol.Errorf(protocol.CodeRecoveryFailed, "peer rejected emergency round %d", resp.Round)
	}
	key := env.Keys().Emergency()
	defer key.Wipe()

	switch resp.Round {
	case 1:
		want := crypto.Sum256(key[:], []byte("emergency response"), e.nonceA[:], resp.Nonce[:], resp.Sealed[:])
		if !crypto.Equal(want[:], resp.Proof[:]) {
			return false, protocol.Errorf(protocol.CodeProofFailed, "emergency response proof mismatch")
		}
		peer, err := OpenState(key, resp.Sealed, env.SessionID(), 2)
		if err != nil {
			return false, err
		}
		e.peer = peer
		e.nonceB = resp.Nonce
		e.nextGen = max(env.Keys().Generation(), peer.Generation) + 1
		e.next = crypto.RestoreBase(key, e.nonceA[:], e.nonceB[:], e.nextGen)
		e.round = 2
		req := protocol.EmergencyBody{Round: 2, Nonce: e.nonceA}
		req.Proof = crypto.Sum256(e.next[:], []byte("emergency verify"), e.nonceA[:], e.nonceB[:])
		return false, env.Send(protocol.TypeEmergencyRequest, req.Marshal())

	case 2:
		want := crypto.Sum256(e.next[:], []byte("emergency verified"), e.nonceB[:], e.nonceA[:])
		if !crypto.Equal(want[:], resp.Proof[:]) {
			return false, protocol.Errorf(protocol.CodeProofFailed, "emergency verification mismatch")
		}
		env.Keys().Install(e.next, e.nextGen, env.Now())
		e.next.Wipe()
		e.round = 0
		if err := env.Reconcile(e.peer.Repair()); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
