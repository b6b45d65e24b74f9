package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived symmetric key.
const KeySize = 32

// Key rotation timing.
const (
	RotationInterval = 5 * time.Minute
	RotationLead     = 15 * time.Second
)

const (
	dailySalt     = "hopwire/v1 daily"
	sessionInfo   = "hopwire/v1 session"
	rekeyInfo     = "hopwire/v1 rekey"
	offsetInfo    = "hopwire/v1 offset"
	emergencyInfo = "hopwire/v1 emergency"
	restoreInfo   = "hopwire/v1 restore"
	discoveryInfo = "hopwire/v1 discovery"
	confirmInfo   = "hopwire/v1 discovery confirm"
)

// Key is a derived 256-bit secret.
type Key [KeySize]byte

func (k *Key) Wipe() { Wipe(k[:]) }

func derive(ikm, salt []byte, info ...[]byte) Key {
	var infoBuf []byte
	for _, i := range info {
		infoBuf = append(infoBuf, i...)
	}
	r := hkdf.New(sha256.New, ikm, salt, infoBuf)
	var out Key
	_, _ = io.ReadFull(r, out[:])
	Wipe(infoBuf)
	return out
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// DateString formats the UTC date used as daily key info.
func DateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DailyKey derives the per-day key from a pre-shared secret.
func DailyKey(psk []byte, t time.Time) Key {
	return derive(psk, []byte(dailySalt), []byte(DateString(t)))
}

// Bucket returns the 5-minute rotation bucket for t.
func Bucket(t time.Time) int64 {
	return t.UnixMilli() / RotationInterval.Milliseconds()
}

// BucketStart returns the start time of bucket b.
func BucketStart(b int64) time.Time {
	return time.UnixMilli(b * RotationInterval.Milliseconds())
}

// SessionKey derives the packet key for one rotation bucket of one key
// generation. base is the daily key for generation zero and the rekeyed
// base afterwards.
func SessionKey(base Key, sessionID uint64, bucket int64, generation uint32) Key {
	return derive(base[:], u64(sessionID), []byte(sessionInfo), u64(uint64(bucket)), u32(generation))
}

// RekeyBase derives the base for the next key generation from the current
// base and both peers' fresh nonces.
func RekeyBase(base Key, nonceI, nonceR []byte, generation uint32) Key {
	salt := append(append([]byte{}, nonceI...), nonceR...)
	return derive(base[:], salt, []byte(rekeyInfo), u32(generation))
}

// ConnectionOffsetSeed derives the raw value a connection offset is taken
// from. Callers reduce it to the offset space.
func ConnectionOffsetSeed(daily Key, connID uint64) uint32 {
	k := derive(daily[:], nil, []byte(offsetInfo), u64(connID))
	defer k.Wipe()
	return binary.BigEndian.Uint32(k[:4])
}

// EmergencyKey derives the key that protects emergency state backups. It
// depends only on the PSK binding and the session id, so it survives any
// loss of rekey state.
func EmergencyKey(daily Key, sessionID uint64) Key {
	return derive(daily[:], u64(sessionID), []byte(emergencyInfo))
}

// RestoreBase derives a fresh generation base after an emergency restore.
func RestoreBase(emergency Key, nonceA, nonceB []byte, generation uint32) Key {
	salt := append(append([]byte{}, nonceA...), nonceB...)
	return derive(emergency[:], salt, []byte(restoreInfo), u32(generation))
}

// DiscoveryKey is the public MAC key for discovery packets. Discovery runs
// before any secret is shared, so it only provides integrity.
func DiscoveryKey(discoveryID uint64) Key {
	return derive(u64(discoveryID), nil, []byte(discoveryInfo))
}

// ConfirmKey derives the key a discovery initiator proves PSK possession
// with.
func ConfirmKey(psk []byte) Key {
	return derive(psk, nil, []byte(confirmInfo))
}

type slot struct {
	key    Key
	bucket int64
	gen    uint32
	valid  bool
}

func (s *slot) wipe() {
	s.key.Wipe()
	s.valid = false
}

// KeyRing holds one session's key hierarchy: the PSK binding, the daily
// key, and the current, previous and precomputed next session keys.
//
// The previous key is kept for one rotation interval and only for
// verification; the next key is accepted RotationLead before its bucket
// starts so a peer with a slightly fast clock is not dropped.
type KeyRing struct {
	mu        sync.RWMutex
	psk       []byte
	sessionID uint64

	dailyDate string
	daily     Key

	base       Key
	generation uint32

	current    slot
	previous   slot
	next       slot
	prevExpiry time.Time
}

// NewKeyRing binds a key ring to a PSK and session id and derives the keys
// valid at now.
func NewKeyRing(psk []byte, sessionID uint64, now time.Time) *KeyRing {
	kr := &KeyRing{
		psk:       append([]byte(nil), psk...),
		sessionID: sessionID,
	}
	kr.refreshDailyLocked(now)
	kr.base = kr.daily
	kr.current = kr.slotFor(Bucket(now))
	return kr
}

func (kr *KeyRing) refreshDailyLocked(now time.Time) bool {
	date := DateString(now)
	if date == kr.dailyDate {
		return false
	}
	kr.daily.Wipe()
	kr.daily = DailyKey(kr.psk, now)
	kr.dailyDate = date
	return true
}

func (kr *KeyRing) slotFor(bucket int64) slot {
	return slot{key: SessionKey(kr.base, kr.sessionID, bucket, kr.generation), bucket: bucket, gen: kr.generation, valid: true}
}

// Rotate advances the ring to the bucket for now. It precomputes the next
// key inside the lead window and expires the previous key after one
// interval. It reports whether the current key changed.
func (kr *KeyRing) Rotate(now time.Time) bool {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.refreshDailyLocked(now) && kr.generation == 0 {
		kr.base = kr.daily
	}

	rotated := false
	b := Bucket(now)
	if b != kr.current.bucket || kr.current.gen != kr.generation {
		kr.previous.wipe()
		kr.previous = kr.current
		kr.prevExpiry = now.Add(RotationInterval)
		if kr.next.valid && kr.next.bucket == b && kr.next.gen == kr.generation {
			kr.current = kr.next
			kr.next = slot{}
		} else {
			kr.next.wipe()
			kr.current = kr.slotFor(b)
		}
		rotated = true
	}

	if kr.previous.valid && !now.Before(kr.prevExpiry) {
		kr.previous.wipe()
	}
	if !kr.next.valid && !now.Before(BucketStart(b+1).Add(-RotationLead)) {
		kr.next = kr.slotFor(b + 1)
	}
	return rotated
}

// NextRotation returns when Rotate should next run: the lead point before
// the next bucket if the next key is not yet precomputed, else the bucket
// boundary.
func (kr *KeyRing) NextRotation(now time.Time) time.Time {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	boundary := BucketStart(Bucket(now) + 1)
	lead := boundary.Add(-RotationLead)
	if !kr.next.valid && now.Before(lead) {
		return lead
	}
	return boundary
}

// SendKey returns a copy of the current session key.
func (kr *KeyRing) SendKey() Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current.key
}

// Daily returns a copy of the daily key.
func (kr *KeyRing) Daily() Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.daily
}

// DailyAt returns the daily key for the date of t, which may differ from
// the ring's current date around midnight.
func (kr *KeyRing) DailyAt(t time.Time) Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if DateString(t) == kr.dailyDate {
		return kr.daily
	}
	return DailyKey(kr.psk, t)
}

// Generation returns the current key generation.
func (kr *KeyRing) Generation() uint32 {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.generation
}

// Base returns a copy of the current generation base.
func (kr *KeyRing) Base() Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.base
}

// Emergency returns the emergency backup key.
func (kr *KeyRing) Emergency() Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return EmergencyKey(kr.daily, kr.sessionID)
}

// EmergencyCandidates returns the emergency keys a peer may be using at
// now: the one for today and, within RotationLead of midnight, the one for
// the adjacent day.
func (kr *KeyRing) EmergencyCandidates(now time.Time) []Key {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	keys := []Key{EmergencyKey(kr.daily, kr.sessionID)}
	for _, t := range []time.Time{now.Add(-RotationLead), now.Add(RotationLead)} {
		if DateString(t) != kr.dailyDate {
			keys = append(keys, EmergencyKey(DailyKey(kr.psk, t), kr.sessionID))
		}
	}
	return keys
}

// VerifyWith tries fn with the current, next and previous keys in that
// order and reports whether any accepted.
func (kr *KeyRing) VerifyWith(fn func(key []byte) bool) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	for _, s := range []*slot{&kr.current, &kr.next, &kr.previous} {
		if s.valid && fn(s.key[:]) {
			return true
		}
	}
	return false
}

// Install atomically switches to a new generation base. The superseded
// current key stays verifiable as the previous key for one interval; the
// older previous key and the old base are wiped.
func (kr *KeyRing) Install(base Key, generation uint32, now time.Time) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if kr.base != kr.daily {
		kr.base.Wipe()
	}
	kr.base = base
	kr.generation = generation
	kr.previous.wipe()
	kr.previous = kr.current
	kr.prevExpiry = now.Add(RotationInterval)
	kr.next.wipe()
	kr.current = kr.slotFor(Bucket(now))
}

// Wipe zeroes every secret the ring holds.
func (kr *KeyRing) Wipe() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	Wipe(kr.psk)
	kr.daily.Wipe()
	kr.base.Wipe()
	kr.current.wipe()
	kr.previous.wipe()
	kr.next.wipe()
}
