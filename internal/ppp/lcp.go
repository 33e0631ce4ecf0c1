package ppp

import "encoding/binary"

// LCP option types (RFC 1661 §6).
const (
	OptMRU                      byte = 1
	OptACCM                     byte = 2
	OptAuthProtocol             byte = 3
	OptMagicNumber              byte = 5
	OptProtocolFieldCompression byte = 7
	OptAddressControlField      byte = 8
)

// LCPConfig is what we propose and what we're willing to accept.
type LCPConfig struct {
	MRU        uint16
	ACCM       uint32
	MagicNumber uint32
}

// LCPNegotiator implements Negotiator for Link Control Protocol. We refuse
// any AuthProtocol the peer proposes (authentication already happened over
// HTTPS) and accept PFC/ACFC since every dialect's peer proposes them.
type LCPNegotiator struct {
	cfg LCPConfig

	// These fields hold the negotiated values once ApplyPeerAck has
	// recorded what we accepted from the peer (ApplyAck records nothing).
	// PeerACCM is the peer's own map, used to decide what WE must escape on
	// send.
	PeerACCM                 uint32
	PeerACCMSet              bool
	ProtocolFieldCompression bool
	AddressControlField      bool
}

func NewLCPNegotiator(cfg LCPConfig) *LCPNegotiator {
	return &LCPNegotiator{cfg: cfg, PeerACCM: 0xFFFFFFFF}
}

func (n *LCPNegotiator) Protocol() uint16 { return ProtoLCP }

func (n *LCPNegotiator) BuildConfigureRequest() []Option {
	opts := []Option{
		{Type: OptMRU, Data: u16(n.cfg.MRU)},
		{Type: OptACCM, Data: u32(n.cfg.ACCM)},
		{Type: OptMagicNumber, Data: u32(n.cfg.MagicNumber)},
	}
	return opts
}

func (n *LCPNegotiator) Evaluate(peerOpts []Option) (ack, nak, reject []Option) {
	for _, o := range peerOpts {
		switch o.Type {
		case OptMRU, OptACCM, OptMagicNumber, OptProtocolFieldCompression, OptAddressControlField:
			ack = append(ack, o)
		case OptAuthProtocol:
			// We refuse any peer-proposed auth protocol by rejecting it
			// outright, forcing the peer to drop it.
			reject = append(reject, o)
		default:
			reject = append(reject, o)
		}
	}
	return ack, nak, reject
}

func (n *LCPNegotiator) ApplyAck(ours []Option) {
	// The peer acked exactly what we sent; nothing further to record.
}

func (n *LCPNegotiator) ApplyPeerAck(accepted []Option) {
	for _, o := range accepted {
		switch o.Type {
		case OptACCM:
			if len(o.Data) == 4 {
				n.PeerACCM = binary.BigEndian.Uint32(o.Data)
				n.PeerACCMSet = true
			}
		case OptProtocolFieldCompression:
			n.ProtocolFieldCompression = true
		case OptAddressControlField:
			n.AddressControlField = true
		}
	}
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
