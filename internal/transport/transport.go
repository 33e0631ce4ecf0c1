// Package transport implements two pluggable transports: a reliable stream
// transport (TLS-like) and an optional datagram transport (DTLS-like).
// Both share the same small contract so the transport manager
// (internal/manager) can dispatch through either without caring which is
// active.
//
// A goroutine reads blocking I/O into channels, with isTemporaryError-style
// classification of transient vs fatal errors, fitting a send/poll-recv/
// readable contract instead of a worker-per-stage pipeline: exactly one
// auxiliary goroutine per transport hosts the blocking Read call, which has
// no non-blocking counterpart on a net.Conn, and the rest of the event loop
// stays single-threaded.
package transport

import "errors"

// ErrWouldBlock is returned by TryRecv when no frame is available yet, and
// by Send when the outbound buffer is full.
var ErrWouldBlock = errors.New("transport: would block")

// ErrClosed is returned once the transport has been closed, or the peer
// closed its side.
var ErrClosed = errors.New("transport: closed")

// Transport is the contract shared by the stream and datagram transports.
// Frames are (protocol, payload) pairs (the PPP protocol field the framer
// hands down), rather than raw bytes, because the stream transport must
// reassemble and deframe length-prefixed records off a byte stream before a
// caller can see a complete frame: never partial frames, the transport is
// responsible for reassembly where the underlying byte stream requires it.
type Transport interface {
	// Send buffers (protocol, payload) for transmission. Returns
	// ErrWouldBlock if the outbound buffer is full (the caller should retry
	// once Writable signals), or ErrClosed if the transport is gone.
	Send(protocol uint16, payload []byte) error

	// TryRecv returns the next received (protocol, payload) pair, or
	// ErrWouldBlock if none is ready, or ErrClosed once the transport is done.
	TryRecv() (protocol uint16, payload []byte, err error)

	// Readable signals when TryRecv is likely to return a frame. It is a
	// level-ish hint, not an exact predicate: the caller must still handle
	// ErrWouldBlock.
	Readable() <-chan struct{}

	// Writable signals when Send is likely to succeed after a prior
	// ErrWouldBlock.
	Writable() <-chan struct{}

	// Close is idempotent.
	Close() error
}

// outboundCapacity bounds how many frames can queue before Send reports
// ErrWouldBlock.
const outboundCapacity = 64

// inboundCapacity bounds the auxiliary reader goroutine's lookahead.
const inboundCapacity = 64
