// Package ppp implements the RFC 1661 PPP finite-state machine shared by
// LCP, IPCP and IPV6CP, and the per-protocol option negotiation (RFC 1661
// §5, RFC 1332, RFC 5072) that rides on top of it.
//
// A state value guarded by an explicit transition function with logged
// state changes, and opcode-switched frame handling for the
// Configure-Request/Ack/Nak/Reject exchange.
package ppp

import (
	"encoding/binary"
	"errors"
)

// Code is a PPP control-packet code (RFC 1661 §5).
type Code byte

const (
	CodeConfigureRequest Code = 1
	CodeConfigureAck     Code = 2
	CodeConfigureNak     Code = 3
	CodeConfigureReject  Code = 4
	CodeTerminateRequest Code = 5
	CodeTerminateAck     Code = 6
	CodeCodeReject       Code = 7
	CodeProtocolReject   Code = 8 // LCP only
	CodeEchoRequest      Code = 9
	CodeEchoReply        Code = 10
	CodeDiscardRequest   Code = 11
)

// Protocol numbers carried in the framer's protocol field.
const (
	ProtoLCP    uint16 = 0xC021
	ProtoIPCP   uint16 = 0x8021
	ProtoIPV6CP uint16 = 0x8057
	ProtoIPv4   uint16 = 0x0021
	ProtoIPv6   uint16 = 0x0057
)

// ErrMalformedPacket is returned when a control packet is too short or its
// declared length doesn't fit in the provided bytes.
var ErrMalformedPacket = errors.New("ppp: malformed control packet")

// Option is a single TLV: Type(1) Length(1, includes header) Data.
type Option struct {
	Type byte
	Data []byte
}

// EncodeOptions serializes a set of options back-to-back.
func EncodeOptions(opts []Option) []byte {
	var out []byte
	for _, o := range opts {
		out = append(out, o.Type, byte(len(o.Data)+2))
		out = append(out, o.Data...)
	}
	return out
}

// DecodeOptions parses a back-to-back TLV stream.
func DecodeOptions(b []byte) ([]Option, error) {
	var out []Option
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrMalformedPacket
		}
		l := int(b[1])
		if l < 2 || l > len(b) {
			return nil, ErrMalformedPacket
		}
		out = append(out, Option{Type: b[0], Data: append([]byte{}, b[2:l]...)})
		b = b[l:]
	}
	return out, nil
}

// EncodePacket builds a full Code/Identifier/Length/Data control packet.
func EncodePacket(code Code, id byte, data []byte) []byte {
	out := make([]byte, 4+len(data))
	out[0] = byte(code)
	out[1] = id
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(data)))
	copy(out[4:], data)
	return out
}

// DecodePacket parses a Code/Identifier/Length/Data control packet.
func DecodePacket(b []byte) (code Code, id byte, data []byte, err error) {
	if len(b) < 4 {
		return 0, 0, nil, ErrMalformedPacket
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < 4 || length > len(b) {
		return 0, 0, nil, ErrMalformedPacket
	}
	return Code(b[0]), b[1], b[4:length], nil
}
