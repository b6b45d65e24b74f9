package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRestoresLength(t *testing.T) {
	p := New(64)
	b := p.Get()
	assert.Len(t, *b, 64)
	*b = (*b)[:3]
	p.Put(b)
	again := p.Get()
	assert.Len(t, *again, 64)
}

func TestPoolDropsForeignBuffers(t *testing.T) {
	p := New(64)
	small := make([]byte, 8)
	p.Put(&small)
	p.Put(nil)
	assert.Len(t, *p.Get(), 64)
	assert.Equal(t, DatagramBufSize, Datagrams.Size())
}
