package session

import (
	"sync"

	"github.com/TeoSlayer/hopwire/pkg/protocol"
)

const tableShards = 16

// Table indexes live sessions by id. Lookups on different shards never
// contend.
type Table struct {
	shards [tableShards]tableShard
}

type tableShard struct {
	mu sync.RWMutex
	m  map[uint64]*Session
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]*Session)
	}
	return t
}

func (t *Table) shard(id uint64) *tableShard {
	return &t.shards[id%tableShards]
}

func (t *Table) Get(id uint64) (*Session, bool) {
	sh := t.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.m[id]
	return s, ok
}

// Add inserts s. It fails if the id is taken.
func (t *Table) Add(s *Session) error {
	sh := t.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[s.id]; ok {
		return protocol.Errorf(protocol.CodeResourceExhausted, "session %s already exists", hexID(s.id))
	}
	sh.m[s.id] = s
	return nil
}

// Remove deletes s if it is still the session stored under its id.
func (t *Table) Remove(s *Session) {
	sh := t.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.m[s.id] == s {
		delete(sh.m, s.id)
	}
}

func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every session until fn returns false. fn runs
// without shard locks held.
func (t *Table) Range(fn func(*Session) bool) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		list := make([]*Session, 0, len(sh.m))
		for _, s := range sh.m {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			if !fn(s) {
				return
			}
		}
	}
}
