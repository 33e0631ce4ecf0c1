package ppp

import "net"

// IPCP option types (RFC 1332 §3.2).
const (
	OptIPAddresses   byte = 1 // obsolete, some peers still send it
	OptIPCompression byte = 2
	OptIPAddress     byte = 3
	OptPrimaryDNS    byte = 129
	OptSecondaryDNS  byte = 131
)

// IPCPConfig is our proposal, from TunnelConfig.
type IPCPConfig struct {
	Address      net.IP // our expected address (may be 0.0.0.0 to request one)
	PrimaryDNS   net.IP
	SecondaryDNS net.IP
}

// IPCPNegotiator implements Negotiator for IPv4 Control Protocol: propose
// our expected address and DNS, accept whatever the peer proposes for
// itself (we never reject the peer's IP-Address option, only ours).
type IPCPNegotiator struct {
	cfg IPCPConfig

	NegotiatedAddress net.IP
}

func NewIPCPNegotiator(cfg IPCPConfig) *IPCPNegotiator {
	return &IPCPNegotiator{cfg: cfg, NegotiatedAddress: cfg.Address}
}

func (n *IPCPNegotiator) Protocol() uint16 { return ProtoIPCP }

func (n *IPCPNegotiator) BuildConfigureRequest() []Option {
	opts := []Option{{Type: OptIPAddress, Data: ipv4Bytes(n.cfg.Address)}}
	if n.cfg.PrimaryDNS != nil {
		opts = append(opts, Option{Type: OptPrimaryDNS, Data: ipv4Bytes(n.cfg.PrimaryDNS)})
	}
	if n.cfg.SecondaryDNS != nil {
		opts = append(opts, Option{Type: OptSecondaryDNS, Data: ipv4Bytes(n.cfg.SecondaryDNS)})
	}
	return opts
}

func (n *IPCPNegotiator) Evaluate(peerOpts []Option) (ack, nak, reject []Option) {
	for _, o := range peerOpts {
		switch o.Type {
		case OptIPAddress, OptIPAddresses, OptPrimaryDNS, OptSecondaryDNS:
			// the peer is proposing values for itself or for us to use;
			// accept unconditionally.
			ack = append(ack, o)
		default:
			reject = append(reject, o)
		}
	}
	return ack, nak, reject
}

func (n *IPCPNegotiator) ApplyAck(ours []Option) {
	for _, o := range ours {
		if o.Type == OptIPAddress && len(o.Data) == 4 {
			n.NegotiatedAddress = net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3])
		}
	}
}

func (n *IPCPNegotiator) ApplyPeerAck(accepted []Option) {}

func ipv4Bytes(ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return make([]byte, 4)
	}
	return []byte(v4)
}
