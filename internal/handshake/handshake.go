// Package handshake implements the datagram transport's post-DTLS
// handshake: a length-prefixed clthello/svrhello exchange embedding the
// session cookie.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrMalformed is returned when a received envelope doesn't parse.
var ErrMalformed = errors.New("handshake: malformed envelope")

// ErrUnexpectedKind is returned when an envelope's kind field doesn't match
// what the caller expected ("clthello" vs "svrhello").
var ErrUnexpectedKind = errors.New("handshake: unexpected envelope kind")

const cookieField = "SVPNCOOKIE"

// BuildClientHello builds the clthello envelope embedding cookie:
//
//	(len: u16 BE) ‖ tag ‖ "clthello\0SVPNCOOKIE\0" ‖ cookie ‖ "\0"
//
// len covers everything from "clthello" through cookie (not the tag, not
// the trailing NUL terminator); for cookie "abc" that length is 0x0017 (23).
func BuildClientHello(tag string, cookie []byte) []byte {
	return buildEnvelope(tag, "clthello", cookieField, cookie)
}

// BuildServerHello builds the svrhello envelope with the given status
// ("ok" or "fail"), using the same envelope shape as clthello.
func BuildServerHello(tag string, status string) []byte {
	return buildEnvelope(tag, "svrhello", "", []byte(status))
}

func buildEnvelope(tag, kind, fieldName string, value []byte) []byte {
	var body bytes.Buffer
	body.WriteString(kind)
	body.WriteByte(0)
	if fieldName != "" {
		body.WriteString(fieldName)
		body.WriteByte(0)
	}
	body.Write(value)

	out := make([]byte, 0, 2+len(tag)+body.Len()+1)
	out = append(out, byte(body.Len()>>8), byte(body.Len()))
	out = append(out, tag...)
	out = append(out, body.Bytes()...)
	out = append(out, 0)
	return out
}

// ParseEnvelope parses the (len, tag, kind, rest) structure common to both
// clthello and svrhello, returning the kind string and whatever follows it
// (the field name + value for clthello, or the status for svrhello).
func ParseEnvelope(tag string, data []byte) (kind string, rest []byte, err error) {
	if len(data) < 2+len(tag) {
		return "", nil, ErrMalformed
	}
	bodyLen := int(binary.BigEndian.Uint16(data[0:2]))
	if bodyLen <= 0 {
		return "", nil, ErrMalformed
	}
	data = data[2:]
	if len(data) < len(tag) || string(data[:len(tag)]) != tag {
		return "", nil, ErrMalformed
	}
	data = data[len(tag):]
	if len(data) < bodyLen {
		return "", nil, ErrMalformed
	}
	body := data[:bodyLen]
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return "", nil, ErrMalformed
	}
	return string(body[:nul]), body[nul+1:], nil
}

// ParseServerHello parses a svrhello envelope and returns its status
// ("ok" or "fail").
func ParseServerHello(tag string, data []byte) (status string, err error) {
	kind, rest, err := ParseEnvelope(tag, data)
	if err != nil {
		return "", err
	}
	if kind != "svrhello" {
		return "", ErrUnexpectedKind
	}
	return string(rest), nil
}

// ParseClientHello parses a clthello envelope and returns the embedded
// cookie value.
func ParseClientHello(tag string, data []byte) (cookie []byte, err error) {
	kind, rest, err := ParseEnvelope(tag, data)
	if err != nil {
		return nil, err
	}
	if kind != "clthello" {
		return nil, ErrUnexpectedKind
	}
	fieldPrefix := cookieField + "\x00"
	if len(rest) < len(fieldPrefix) || string(rest[:len(fieldPrefix)]) != fieldPrefix {
		return nil, ErrMalformed
	}
	return rest[len(fieldPrefix):], nil
}

// LooksLikePPPFrame reports whether data looks like a length-prefixed PPP
// frame rather than a svrhello envelope. A PPP-looking frame received
// instead of svrhello is also treated as handshake success (the "ok"
// packet may have been lost).
func LooksLikePPPFrame(tag string, data []byte) bool {
	if len(data) < 2+len(tag) {
		return true
	}
	return string(data[2:2+len(tag)]) != tag
}
