// Package bytespool provides buffer pooling for the packet objects that
// flow between the TUN interface, the PPP framer and the active transport.
package bytespool

import "sync"

// sizes are power-of-2 buckets. The largest bucket (16384) comfortably
// covers a jumbo-frame MTU plus the head- and tail-room (security header
// and trailer + PPP header) that internal/packet reserves around it.
var sizes = [...]int{256, 512, 1024, 2048, 4096, 8192, 16384}

// SlicePool pools []byte slices keyed by power-of-2 capacity.
type SlicePool struct {
	pools [len(sizes)]sync.Pool
}

// Default is the global pool used when callers don't need an isolated one.
var Default = New()

// New returns a ready to use, independent SlicePool.
func New() *SlicePool {
	p := &SlicePool{}
	for i, sz := range sizes {
		sz := sz
		p.pools[i].New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
	return p
}

// Get returns a slice of length size, possibly reused from the pool.
func (p *SlicePool) Get(size int) []byte {
	idx := indexFor(size)
	if idx < 0 {
		return make([]byte, size)
	}
	buf := p.pools[idx].Get().(*[]byte)
	return (*buf)[:size]
}

// Put returns buf to the pool if its capacity matches one of our buckets.
func (p *SlicePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	idx := indexByCap(cap(buf))
	if idx < 0 {
		return
	}
	buf = buf[:cap(buf)]
	p.pools[idx].Put(&buf)
}

func indexFor(size int) int {
	for i, sz := range sizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

func indexByCap(c int) int {
	for i, sz := range sizes {
		if c == sz {
			return i
		}
	}
	return -1
}
