package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// BackupPlainSize is the size of a serialized session state backup.
const BackupPlainSize = 32

// SealedBackupSize is nonce ‖ ciphertext ‖ tag for one backup.
const SealedBackupSize = chacha20poly1305.NonceSize + BackupPlainSize + chacha20poly1305.Overhead

var ErrBackupAuth = errors.New("backup authentication failed")

// SealBackup encrypts a state backup under key. ad binds the ciphertext to
// its context (session id, round).
func SealBackup(key Key, plain [BackupPlainSize]byte, ad []byte) ([SealedBackupSize]byte, error) {
	var out [SealedBackupSize]byte
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return out, fmt.Errorf("backup cipher: %w", err)
	}
	nonce := out[:chacha20poly1305.NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return out, fmt.Errorf("backup nonce: %w", err)
	}
	aead.Seal(out[chacha20poly1305.NonceSize:chacha20poly1305.NonceSize], nonce, plain[:], ad)
	return out, nil
}

// OpenBackup decrypts and authenticates a sealed backup.
func OpenBackup(key Key, sealed [SealedBackupSize]byte, ad []byte) ([BackupPlainSize]byte, error) {
	var plain [BackupPlainSize]byte
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return plain, fmt.Errorf("backup cipher: %w", err)
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	out, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSize:], ad)
	if err != nil {
		return plain, ErrBackupAuth
	}
	copy(plain[:], out)
	Wipe(out)
	return plain, nil
}
