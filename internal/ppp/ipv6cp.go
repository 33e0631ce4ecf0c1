package ppp

// IPV6CP option types (RFC 5072 §4).
const OptInterfaceIdentifier byte = 1

// IPV6CPConfig carries the 8-byte interface identifier we propose.
type IPV6CPConfig struct {
	InterfaceID [8]byte
}

// IPV6CPNegotiator implements Negotiator for IPv6 Control Protocol: propose
// an interface identifier derived from the assigned IPv4/IPv6 address,
// accept whatever identifier the peer proposes for itself.
type IPV6CPNegotiator struct {
	cfg IPV6CPConfig

	PeerInterfaceID [8]byte
}

func NewIPV6CPNegotiator(cfg IPV6CPConfig) *IPV6CPNegotiator {
	return &IPV6CPNegotiator{cfg: cfg}
}

func (n *IPV6CPNegotiator) Protocol() uint16 { return ProtoIPV6CP }

func (n *IPV6CPNegotiator) BuildConfigureRequest() []Option {
	return []Option{{Type: OptInterfaceIdentifier, Data: n.cfg.InterfaceID[:]}}
}

func (n *IPV6CPNegotiator) Evaluate(peerOpts []Option) (ack, nak, reject []Option) {
	for _, o := range peerOpts {
		if o.Type == OptInterfaceIdentifier && len(o.Data) == 8 {
			copy(n.PeerInterfaceID[:], o.Data)
			ack = append(ack, o)
			continue
		}
		reject = append(reject, o)
	}
	return ack, nak, reject
}

func (n *IPV6CPNegotiator) ApplyAck(ours []Option) {}
func (n *IPV6CPNegotiator) ApplyPeerAck(accepted []Option) {}
