package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites b with zeros. ConstantTimeCopy keeps the compiler from
// treating the store as dead.
//
//go:noinline
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(&b)
}
