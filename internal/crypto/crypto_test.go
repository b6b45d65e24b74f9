package crypto

import (
	"math/bits"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var psk = []byte("0123456789abcdef0123456789abcdef")

func TestDailyKeyChangesAtUTCMidnight(t *testing.T) {
	t.Parallel()
	morning := time.Date(2026, 2, 3, 0, 0, 1, 0, time.UTC)
	evening := time.Date(2026, 2, 3, 23, 59, 59, 0, time.UTC)
	next := evening.Add(2 * time.Second)
	ny := time.FixedZone("NY", -5*3600)

	assert.Equal(t, DailyKey(psk, morning), DailyKey(psk, evening))
	assert.NotEqual(t, DailyKey(psk, evening), DailyKey(psk, next))
	assert.Equal(t, DailyKey(psk, evening), DailyKey(psk, evening.In(ny)), "dates are taken in UTC")
	assert.NotEqual(t, DailyKey(psk, morning), DailyKey([]byte("another psk of the same length!!"), morning))
}

func TestDerivedKeysAreDomainSeparated(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	daily := DailyKey(psk, now)
	keys := map[string]Key{
		"daily":      daily,
		"session":    SessionKey(daily, 1, Bucket(now), 0),
		"session2":   SessionKey(daily, 2, Bucket(now), 0),
		"nextBucket": SessionKey(daily, 1, Bucket(now)+1, 0),
		"gen1":       SessionKey(daily, 1, Bucket(now), 1),
		"emergency":  EmergencyKey(daily, 1),
		"rekey":      RekeyBase(daily, []byte("a"), []byte("b"), 1),
		"rekeySwap":  RekeyBase(daily, []byte("b"), []byte("a"), 1),
		"restore":    RestoreBase(EmergencyKey(daily, 1), []byte("a"), []byte("b"), 1),
		"discovery":  DiscoveryKey(1),
		"confirm":    ConfirmKey(psk),
	}
	seen := make(map[Key]string)
	for name, k := range keys {
		if other, dup := seen[k]; dup {
			t.Fatalf("%s and %s derived the same key", name, other)
		}
		seen[k] = name
	}
}

func TestMACAvalanche(t *testing.T) {
	t.Parallel()
	msg := []byte("the quick brown fox jumps over the lazy dog")
	base := MAC(psk, msg)

	total := 0
	for i := range msg {
		mut := append([]byte(nil), msg...)
		mut[i] ^= 0x01
		m := MAC(psk, mut)
		diff := 0
		for j := range m {
			diff += bits.OnesCount8(m[j] ^ base[j])
		}
		total += diff
	}
	// a single flipped input bit changes about half of the 128 output bits
	avg := float64(total) / float64(len(msg))
	assert.InDelta(t, 64, avg, 12)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	mac := MAC(psk, []byte("head"), []byte("body"))
	assert.True(t, Verify(psk, mac[:], []byte("head"), []byte("body")))
	assert.True(t, Verify(psk, mac[:], []byte("headbody")), "parts are concatenated")
	assert.False(t, Verify(psk, mac[:], []byte("head"), []byte("bodY")))
	assert.False(t, Verify(psk, mac[:8], []byte("head"), []byte("body")))
}

func TestKeyRingRotation(t *testing.T) {
	t.Parallel()
	start := BucketStart(Bucket(time.Date(2026, 2, 3, 12, 1, 0, 0, time.UTC)))
	a := NewKeyRing(psk, 7, start)
	b := NewKeyRing(psk, 7, start)
	assert.Equal(t, a.SendKey(), b.SendKey())

	old := a.SendKey()
	// inside the lead window the next key is precomputed but not yet used
	lead := start.Add(RotationInterval - RotationLead)
	assert.Equal(t, lead, a.NextRotation(start))
	assert.False(t, a.Rotate(lead))
	assert.Equal(t, old, a.SendKey())
	next := SessionKey(DailyKey(psk, start), 7, Bucket(start)+1, 0)
	assert.True(t, a.VerifyWith(func(k []byte) bool { return Key(k) == next }))

	boundary := start.Add(RotationInterval)
	assert.True(t, a.Rotate(boundary))
	assert.Equal(t, next, a.SendKey())
	assert.True(t, a.VerifyWith(func(k []byte) bool { return Key(k) == old }), "previous key still verifies")

	a.Rotate(boundary.Add(RotationInterval + time.Second))
	assert.False(t, a.VerifyWith(func(k []byte) bool { return Key(k) == old }))
}

func TestKeyRingInstallKeepsPreviousKey(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 3, 12, 1, 0, 0, time.UTC)
	kr := NewKeyRing(psk, 7, now)
	old := kr.SendKey()
	emergency := kr.Emergency()

	base := RekeyBase(kr.Base(), []byte("n1"), []byte("n2"), 1)
	kr.Install(base, 1, now)
	assert.Equal(t, uint32(1), kr.Generation())
	assert.Equal(t, SessionKey(base, 7, Bucket(now), 1), kr.SendKey())
	assert.True(t, kr.VerifyWith(func(k []byte) bool { return Key(k) == old }))
	assert.Equal(t, emergency, kr.Emergency(), "rekeying leaves the emergency key alone")
}

func TestEmergencyCandidatesNearMidnight(t *testing.T) {
	t.Parallel()
	late := time.Date(2026, 2, 3, 23, 59, 55, 0, time.UTC)
	kr := NewKeyRing(psk, 7, late)
	cands := kr.EmergencyCandidates(late)
	require.Len(t, cands, 2)
	assert.Equal(t, EmergencyKey(DailyKey(psk, late.Add(time.Minute)), 7), cands[1])

	noon := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	assert.Len(t, NewKeyRing(psk, 7, noon).EmergencyCandidates(noon), 1)
}

func TestSealBackup(t *testing.T) {
	t.Parallel()
	key := EmergencyKey(DailyKey(psk, time.Now()), 9)
	var plain [BackupPlainSize]byte
	copy(plain[:], "state snapshot 0123456789abcdef")

	sealed, err := SealBackup(key, plain, []byte("ad"))
	require.NoError(t, err)
	got, err := OpenBackup(key, sealed, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = OpenBackup(key, sealed, []byte("other"))
	assert.ErrorIs(t, err, ErrBackupAuth)
	sealed[SealedBackupSize-1] ^= 1
	_, err = OpenBackup(key, sealed, []byte("ad"))
	assert.ErrorIs(t, err, ErrBackupAuth)

	again, err := SealBackup(key, plain, []byte("ad"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed[:12], again[:12], "every seal draws a fresh nonce")
}

func TestParsePSK(t *testing.T) {
	t.Parallel()
	p, err := ParsePSK("office:00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, "office", p.Name)
	assert.Len(t, p.Key, 16)
	assert.Equal(t, "office:00112233445566778899aabbccddeeff", p.String())

	for _, bad := range []string{"nocolon", ":0011", "x:zz", "x:0011"} {
		_, err := ParsePSK(bad)
		assert.Error(t, err, bad)
	}
}

func TestPSKFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "psks.json")
	a, err := GeneratePSK("a")
	require.NoError(t, err)
	b, err := GeneratePSK("b")
	require.NoError(t, err)

	missing, err := LoadPSKs(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, SavePSKs(path, []*PSK{a, b}))
	got, err := LoadPSKs(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.String(), got[0].String())
	assert.Equal(t, b.String(), got[1].String())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte(`{"keys":[{"name":"a","key":"`+a.String()[2:]+`"},{"name":"a","key":"`+a.String()[2:]+`"}]}`), 0600))
	_, err = LoadPSKs(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestWipe(t *testing.T) {
	t.Parallel()
	p, err := GeneratePSK("w")
	require.NoError(t, err)
	p.Wipe()
	assert.Equal(t, make([]byte, PSKSize), p.Key)

	k := DailyKey(psk, time.Now())
	k.Wipe()
	assert.Equal(t, Key{}, k)
}
