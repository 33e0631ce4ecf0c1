package tundriver

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxIPv4PayloadPerFragment rounds a requested budget down to the nearest
// multiple of 8, since IPv4 fragment offsets are expressed in 8-byte units
// (RFC 791 §3.1).
func maxIPv4PayloadPerFragment(mtu, headerLen int) int {
	budget := mtu - headerLen
	return budget - (budget % 8)
}

// fragmentOutbound splits pkt into MTU-sized fragments when it exceeds mtu,
// before the packet reaches the PPP framer. Packets that already fit, or
// that carry the IPv4 don't-fragment flag, pass through unchanged (a
// single-element slice). Uses golang.org/x/net/ipv4 and .../ipv6's header
// parsers to find the fragmentable boundary instead of hand-rolling IP
// header parsing.
func fragmentOutbound(pkt []byte, mtu int) ([][]byte, error) {
	if len(pkt) == 0 {
		return nil, fmt.Errorf("tundriver: empty packet")
	}
	if len(pkt) <= mtu {
		return [][]byte{pkt}, nil
	}
	switch pkt[0] >> 4 {
	case 4:
		return fragmentIPv4(pkt, mtu)
	case 6:
		return fragmentIPv6(pkt, mtu)
	default:
		return nil, fmt.Errorf("tundriver: unrecognized ip version, cannot fragment oversized packet")
	}
}

func fragmentIPv4(pkt []byte, mtu int) ([][]byte, error) {
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return nil, fmt.Errorf("tundriver: parse ipv4 header: %w", err)
	}
	if h.Flags&ipv4.DontFragment != 0 {
		// Can't fragment; hand the oversized packet up anyway and let the
		// transport/peer reject or truncate it rather than silently
		// dropping a DF packet here.
		return [][]byte{pkt}, nil
	}

	headerLen := h.Len
	payload := pkt[headerLen:]
	perFragment := maxIPv4PayloadPerFragment(mtu, headerLen)
	if perFragment <= 0 {
		return nil, fmt.Errorf("tundriver: mtu %d too small to fragment ipv4 header of %d bytes", mtu, headerLen)
	}

	var frags [][]byte
	for offset := 0; offset < len(payload); offset += perFragment {
		end := offset + perFragment
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		h.TotalLen = headerLen + (end - offset)
		h.FragOff = offset / 8
		if more {
			h.Flags = ipv4.MoreFragments
		} else {
			h.Flags = 0
		}
		hdrBytes, err := h.Marshal()
		if err != nil {
			return nil, fmt.Errorf("tundriver: marshal ipv4 fragment header: %w", err)
		}
		frag := make([]byte, 0, len(hdrBytes)+(end-offset))
		frag = append(frag, hdrBytes...)
		frag = append(frag, payload[offset:end]...)
		frags = append(frags, frag)
	}
	return frags, nil
}

// ipv6FragHeaderLen is the size of the IPv6 Fragment extension header
// (RFC 8200 §4.5): next-header, reserved, frag-offset+flags, identification.
const ipv6FragHeaderLen = 8

func fragmentIPv6(pkt []byte, mtu int) ([][]byte, error) {
	h, err := ipv6.ParseHeader(pkt)
	if err != nil {
		return nil, fmt.Errorf("tundriver: parse ipv6 header: %w", err)
	}
	const ipv6HeaderLen = 40
	payload := pkt[ipv6HeaderLen:]
	perFragment := mtu - ipv6HeaderLen - ipv6FragHeaderLen
	perFragment -= perFragment % 8
	if perFragment <= 0 {
		return nil, fmt.Errorf("tundriver: mtu %d too small to fragment ipv6 packet", mtu)
	}

	nextHeader := byte(h.NextHeader)
	identification := uint32(pkt[ipv6HeaderLen-4])<<24 | uint32(pkt[ipv6HeaderLen-3])<<16 |
		uint32(pkt[ipv6HeaderLen-2])<<8 | uint32(pkt[ipv6HeaderLen-1])

	var frags [][]byte
	for offset := 0; offset < len(payload); offset += perFragment {
		end := offset + perFragment
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}

		frag := make([]byte, ipv6HeaderLen+ipv6FragHeaderLen+(end-offset))
		copy(frag[:ipv6HeaderLen], pkt[:ipv6HeaderLen])
		frag[6] = 44 // Next Header = Fragment
		payloadLen := ipv6FragHeaderLen + (end - offset)
		frag[4] = byte(payloadLen >> 8)
		frag[5] = byte(payloadLen)

		fh := frag[ipv6HeaderLen : ipv6HeaderLen+ipv6FragHeaderLen]
		fh[0] = nextHeader
		fh[1] = 0
		fragOffsetAndFlags := uint16(offset/8) << 3
		if more {
			fragOffsetAndFlags |= 1
		}
		fh[2] = byte(fragOffsetAndFlags >> 8)
		fh[3] = byte(fragOffsetAndFlags)
		fh[4] = byte(identification >> 24)
		fh[5] = byte(identification >> 16)
		fh[6] = byte(identification >> 8)
		fh[7] = byte(identification)

		copy(frag[ipv6HeaderLen+ipv6FragHeaderLen:], payload[offset:end])
		frags = append(frags, frag)
	}
	return frags, nil
}
