package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
)

// MACSize is the truncated packet MAC length (128 bits).
const MACSize = 16

// MAC computes HMAC-SHA256 over the concatenation of parts and truncates it
// to MACSize bytes.
func MAC(key []byte, parts ...[]byte) [MACSize]byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	var out [MACSize]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Verify recomputes the MAC over parts and compares it with mac in constant
// time.
func Verify(key, mac []byte, parts ...[]byte) bool {
	if len(mac) != MACSize {
		return false
	}
	want := MAC(key, parts...)
	return subtle.ConstantTimeCompare(want[:], mac) == 1
}

// Sum256 returns the full HMAC-SHA256 over parts.
func Sum256(key []byte, parts ...[]byte) [32]byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	var out [32]byte
	copy(out[:], m.Sum(nil))
	return out
}

// Sum32 returns the first four bytes of HMAC-SHA256 over parts as a
// big-endian integer.
func Sum32(key []byte, parts ...[]byte) uint32 {
	s := Sum256(key, parts...)
	return binary.BigEndian.Uint32(s[:4])
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
