package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TeoSlayer/hopwire/internal/fsutil"
)

// PSKSize is the length of a generated pre-shared key.
const PSKSize = 32

// PSK is one named pre-shared key.
type PSK struct {
	Name string
	Key  []byte
}

// GeneratePSK creates a new random pre-shared key.
func GeneratePSK(name string) (*PSK, error) {
	key := make([]byte, PSKSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate psk: %w", err)
	}
	return &PSK{Name: name, Key: key}, nil
}

// String returns the "name:hex" form accepted by ParsePSK.
func (p *PSK) String() string {
	return p.Name + ":" + hex.EncodeToString(p.Key)
}

// Wipe zeroes the key material.
func (p *PSK) Wipe() {
	Wipe(p.Key)
}

// ParsePSK parses "name:hex". Keys shorter than 16 bytes are rejected.
func ParsePSK(s string) (*PSK, error) {
	name, encoded, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid psk %q (expected name:hex)", s)
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode psk %q: %w", name, err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("psk %q too short: %d bytes (min 16)", name, len(key))
	}
	return &PSK{Name: name, Key: key}, nil
}

// pskFile is the on-disk format for a persisted PSK set.
type pskFile struct {
	Keys []pskEntry `json:"keys"`
}

type pskEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// SavePSKs writes the key set to a JSON file.
// Creates parent directories if needed. The file is replaced atomically
// with mode 0600.
func SavePSKs(path string, psks []*PSK) error {
	if err := fsutil.EnsureDir(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create psk dir: %w", err)
	}

	var f pskFile
	for _, p := range psks {
		f.Keys = append(f.Keys, pskEntry{Name: p.Name, Key: hex.EncodeToString(p.Key)})
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal psks: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("write psks: %w", err)
	}
	return nil
}

// LoadPSKs reads a key set from a JSON file.
// Returns nil, nil if the file does not exist.
func LoadPSKs(path string) ([]*PSK, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read psks: %w", err)
	}

	var f pskFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal psks: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]*PSK, 0, len(f.Keys))
	for _, e := range f.Keys {
		if seen[e.Name] {
			return nil, fmt.Errorf("psk file has duplicate name %q", e.Name)
		}
		seen[e.Name] = true
		p, err := ParsePSK(e.Name + ":" + e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
