// Package packet implements the fixed-capacity packet object and the
// bounded queues used to move IP packets between the TUN interface, the PPP
// framer and the active transport: a Packet that owns a pooled byte region
// plus head/tail-room bookkeeping for in-place header stacking.
package packet

import "github.com/Mareel-io/openconnect/internal/bytespool"

// HeadRoom is the number of bytes reserved before the payload for the
// worst-case stacked headers we ever prepend in place: the ESP-like
// datagram security header (SPI 4 + sequence 4 + IV 16 = 24 bytes) and the
// PPP address/control/protocol header (up to 4 bytes). No room is reserved
// for a framing prefix (length prefix, magic or HDLC flag).
const HeadRoom = 24 + 4

// TailRoom is the number of bytes reserved after the payload for the
// worst-case stacked trailers: PKCS-style padding (up to one cipher block,
// 16 bytes) plus the pad-length/next-header bytes (2) plus the truncated
// HMAC tag (12 bytes).
const TailRoom = 16 + 2 + 12

// Origin tags a packet with where it came from, so that stray control
// frames arriving after a drain can be routed rather than silently dropped.
type Origin int

const (
	// OriginTUN means the packet was read from the local virtual interface.
	OriginTUN Origin = iota
	// OriginWire means the packet arrived framed off a transport.
	OriginWire
	// OriginControl means the packet is a PPP control frame, not IP payload.
	OriginControl
)

// Packet owns a contiguous byte region with head- and tail-room reserved so
// that headers can be prepended, and trailers appended, in place without
// reallocating. Offset and Len delimit the current payload within Buf.
type Packet struct {
	Buf    []byte // the full backing region, including head/tail room
	Offset int    // start of the current payload within Buf
	Len    int    // length of the current payload

	// QueueSlot is a linkage field for queue bookkeeping; Queue in this
	// package neither reads nor writes it.
	QueueSlot int

	// Protocol is the PPP protocol number (ppp.ProtoIPv4/ProtoIPv6/...) this
	// packet's payload belongs to, set when the packet is framed off tun or
	// a transport so the other end of the queue knows how to route it
	// without re-deriving it from the payload bytes.
	Protocol uint16

	Origin Origin

	pool *bytespool.SlicePool
}

// New allocates a Packet able to hold up to payloadCap bytes of payload,
// with HeadRoom/TailRoom reserved on either side.
func New(pool *bytespool.SlicePool, payloadCap int, origin Origin) *Packet {
	if pool == nil {
		pool = bytespool.Default
	}
	total := HeadRoom + payloadCap + TailRoom
	buf := pool.Get(total)
	return &Packet{
		Buf:    buf,
		Offset: HeadRoom,
		Len:    0,
		Origin: origin,
		pool:   pool,
	}
}

// FromPayload copies payload into a freshly allocated Packet, positioned
// right after HeadRoom.
func FromPayload(pool *bytespool.SlicePool, payload []byte, origin Origin) *Packet {
	p := New(pool, len(payload), origin)
	p.Len = len(payload)
	copy(p.Data(), payload)
	return p
}

// Data returns the current payload slice.
func (p *Packet) Data() []byte {
	return p.Buf[p.Offset : p.Offset+p.Len]
}

// HeadAvail returns how many bytes can still be prepended in place.
func (p *Packet) HeadAvail() int {
	return p.Offset
}

// TailAvail returns how many bytes can still be appended in place.
func (p *Packet) TailAvail() int {
	return len(p.Buf) - (p.Offset + p.Len)
}

// Prepend writes hdr immediately before the current payload, growing the
// packet leftwards. Panics if there isn't enough head-room: that would be a
// sizing bug in HeadRoom, not a runtime condition to recover from.
func (p *Packet) Prepend(hdr []byte) {
	if len(hdr) > p.HeadAvail() {
		panic("packet: not enough head-room to prepend")
	}
	p.Offset -= len(hdr)
	p.Len += len(hdr)
	copy(p.Buf[p.Offset:], hdr)
}

// Append writes trailer immediately after the current payload, growing the
// packet rightwards.
func (p *Packet) Append(trailer []byte) {
	if len(trailer) > p.TailAvail() {
		panic("packet: not enough tail-room to append")
	}
	copy(p.Buf[p.Offset+p.Len:], trailer)
	p.Len += len(trailer)
}

// TrimHead discards n bytes from the front of the payload (used to strip a
// header we no longer need, e.g. the PPP address/control/protocol bytes).
func (p *Packet) TrimHead(n int) {
	if n > p.Len {
		panic("packet: TrimHead beyond payload")
	}
	p.Offset += n
	p.Len -= n
}

// TrimTail discards n bytes from the back of the payload.
func (p *Packet) TrimTail(n int) {
	if n > p.Len {
		panic("packet: TrimTail beyond payload")
	}
	p.Len -= n
}

// Clone returns an independent copy of the packet's current payload with
// the same head/tail-room shape, for callers that need to resend a captured
// packet.
func (p *Packet) Clone() *Packet {
	c := New(p.pool, p.Len, p.Origin)
	c.Len = p.Len
	copy(c.Data(), p.Data())
	return c
}

// Free returns the backing buffer to the pool. The Packet must not be used
// afterwards.
func (p *Packet) Free() {
	if p.pool != nil && p.Buf != nil {
		p.pool.Put(p.Buf)
	}
	p.Buf = nil
}
