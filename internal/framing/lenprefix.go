package framing

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidLength is returned when a received frame's length prefix exceeds
// the configured maximum.
var ErrInvalidLength = errors.New("framing: invalid length prefix")

// ErrShortFrame is returned when fewer bytes are available than the length
// prefix promises; the caller should keep buffering.
var ErrShortFrame = errors.New("framing: short frame")

// LengthPrefixedFramer implements the other dialect family's framing:
//
//	len:u16BE || magic || protocol:u16BE || payload
//
// len covers everything after itself (magic + protocol + payload). magic is
// a fixed, dialect-specific byte string (e.g. a vendor cookie) prepended to
// every frame; protocol is the PPP protocol field.
type LengthPrefixedFramer struct {
	Magic  []byte
	MaxLen int // maximum declared length (magic + protocol + payload) this framer will accept, MTU + overhead
}

// NewLengthPrefixedFramer returns a framer that stamps magic on every frame
// and rejects incoming frames whose declared length exceeds maxLen.
func NewLengthPrefixedFramer(magic []byte, maxLen int) *LengthPrefixedFramer {
	return &LengthPrefixedFramer{Magic: magic, MaxLen: maxLen}
}

// Frame wraps protocol and payload in the length-prefixed envelope.
func (f *LengthPrefixedFramer) Frame(protocol uint16, payload []byte) []byte {
	body := len(f.Magic) + 2 + len(payload)
	out := make([]byte, 2+body)
	binary.BigEndian.PutUint16(out[0:2], uint16(body))
	n := copy(out[2:], f.Magic)
	binary.BigEndian.PutUint16(out[2+n:2+n+2], protocol)
	copy(out[2+n+2:], payload)
	return out
}

// Deframe parses one frame from the front of buf. Returns the protocol
// field, the payload, and the number of input bytes consumed. If buf
// doesn't yet hold a full frame, returns ErrShortFrame and consumed == 0 so
// the caller can wait for more bytes.
func (f *LengthPrefixedFramer) Deframe(buf []byte) (protocol uint16, payload []byte, consumed int, err error) {
	if len(buf) < 2 {
		return 0, nil, 0, ErrShortFrame
	}
	body := int(binary.BigEndian.Uint16(buf[0:2]))
	if body > f.MaxLen {
		return 0, nil, 0, ErrInvalidLength
	}
	if len(buf) < 2+body {
		return 0, nil, 0, ErrShortFrame
	}
	frame := buf[2 : 2+body]
	if len(frame) < len(f.Magic)+2 {
		return 0, nil, 0, ErrInvalidLength
	}
	if string(frame[:len(f.Magic)]) != string(f.Magic) {
		return 0, nil, 0, ErrInvalidLength
	}
	protocol = binary.BigEndian.Uint16(frame[len(f.Magic) : len(f.Magic)+2])
	payload = frame[len(f.Magic)+2:]
	return protocol, payload, 2 + body, nil
}
