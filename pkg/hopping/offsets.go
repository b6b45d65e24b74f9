package hopping

import (
	"sync"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

// OffsetSet tracks the connection offsets in use towards each peer. The
// offset of a session is a function of its id, so the dialing side keeps
// drawing session ids until one lands on a free offset, and the answering
// side refuses a SYN whose offset is taken.
type OffsetSet struct {
	mu    sync.Mutex
	peers map[string]map[uint16]uint64 // peer -> offset -> session id
}

func NewOffsetSet() *OffsetSet {
	return &OffsetSet{peers: make(map[string]map[uint16]uint64)}
}

// Reserve claims offset for sessionID towards peer. It fails with
// CodeResourceExhausted if another session holds the offset.
func (o *OffsetSet) Reserve(peer string, offset uint16, sessionID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.peers[peer]
	if m == nil {
		m = make(map[uint16]uint64)
		o.peers[peer] = m
	}
	if holder, ok := m[offset]; ok {
		if holder != sessionID {
			return protocol.Errorf(protocol.CodeResourceExhausted, "connection offset %d to %s in use", offset, peer)
		}
		return nil
	}
	m[offset] = sessionID
	return nil
}

// InUse reports whether offset is held towards peer.
func (o *OffsetSet) InUse(peer string, offset uint16) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.peers[peer][offset]
	return ok
}

// Release frees the offset if sessionID still holds it.
func (o *OffsetSet) Release(peer string, offset uint16, sessionID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.peers[peer]
	if m[offset] == sessionID {
		delete(m, offset)
	}
	if len(m) == 0 {
		delete(o.peers, peer)
	}
}
