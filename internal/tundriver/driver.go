// Package tundriver implements the tunnel driver: on PPP reaching the Open
// phase, it assigns addresses, invokes the external helper with vpnc-script
// style environment variables, and exposes the local virtual interface to
// the transport manager as a manager.TunDevice, the same non-blocking
// Send/TryRecv shape the manager already uses for transports, so the event
// loop treats tun I/O uniformly. On PPP leaving Open, it invokes the helper
// with "disconnect" and tears addresses back down.
//
// The helper invocation is a thin logged wrapper around a subprocess whose
// exit code gates success.
package tundriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Mareel-io/openconnect/internal/manager"
	"github.com/Mareel-io/openconnect/internal/model"
	"github.com/Mareel-io/openconnect/internal/ppp"
	"github.com/Mareel-io/openconnect/internal/transport"
	"github.com/Mareel-io/openconnect/pkg/config"
)

var _ manager.TunDevice = (*Driver)(nil)

// ErrHelperFailed wraps a non-zero helper exit code or spawn failure.
// Exit code 0 from the helper is required; non-zero is fatal to the
// session.
var ErrHelperFailed = errors.New("tundriver: helper invocation failed")

// RawTun is the packet-level, link-layer-free, non-blocking read/write
// handle to the local virtual interface: a read/write file-like handle
// delivering and accepting raw IP packets. ReadPacket returns a nil packet
// and a nil error when nothing is available rather than blocking;
// Driver.TryRecv reports that as transport.ErrWouldBlock, mirroring
// transport.Transport's TryRecv contract.
type RawTun interface {
	Name() string
	ReadPacket() ([]byte, error)
	WritePacket(b []byte) error
	Readable() <-chan struct{}
	Writable() <-chan struct{}
	Close() error
}

// Driver owns the helper invocation and address lifecycle for one session,
// and wraps a RawTun so it satisfies manager.TunDevice: the protocol
// argument on Send/TryRecv is the PPP protocol number (ProtoIPv4/ProtoIPv6),
// derived from the IP version of the raw packet on TryRecv and limited to
// those two values on Send, since the wire itself carries no such tag. Not safe for concurrent use, since a
// single event loop owns everything session-scoped.
type Driver struct {
	logger model.Logger
	cfg    *config.Config
	raw    RawTun

	runCommand func(name string, args []string, env []string) ([]byte, error)

	up bool

	// fragQueue holds fragments of an oversized outbound packet still
	// awaiting delivery: TryRecv returns one at a time (manager.TunDevice's
	// contract), so a packet that fragments into N pieces needs N calls.
	fragQueue [][]byte
	fragProto uint16
}

// New builds a Driver for cfg's helper path, wrapping raw.
func New(cfg *config.Config, raw RawTun, logger model.Logger) *Driver {
	if logger == nil {
		logger = model.NopLogger{}
	}
	return &Driver{
		logger:     logger,
		cfg:        cfg,
		raw:        raw,
		runCommand: runExternalCommand,
	}
}

func runExternalCommand(name string, args []string, env []string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// OnNetworkUp is called when the PPP machine reports EventNetworkUp: it
// assigns addresses to the interface and invokes the helper with
// reason=connect.
func (d *Driver) OnNetworkUp(ctx context.Context, ev ppp.Event) error {
	if d.up {
		return nil
	}
	env := d.buildEnv("connect", ev)
	if err := d.invokeHelper(ctx, env); err != nil {
		return err
	}
	d.up = true
	d.logger.Infof("tundriver: interface up (%s)", ev.IPv4Addr)
	return nil
}

// OnNetworkDown is called when PPP leaves Open: invokes the helper with
// reason=disconnect and marks addresses removed.
func (d *Driver) OnNetworkDown(ctx context.Context) error {
	if !d.up {
		return nil
	}
	env := d.buildEnv("disconnect", ppp.Event{})
	err := d.invokeHelper(ctx, env)
	d.up = false
	return err
}

func (d *Driver) invokeHelper(ctx context.Context, env []string) error {
	if d.cfg.HelperPath == "" {
		d.logger.Warnf("tundriver: no helper configured, skipping invocation")
		return nil
	}
	out, err := d.runCommand(d.cfg.HelperPath, nil, env)
	d.logger.Debugf("tundriver: helper output: %s", string(out))
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrHelperFailed, err, string(out))
	}
	return nil
}

// buildEnv assembles the helper's environment, plus the CISCO_BANNER entry
// for the informational banner text.
func (d *Driver) buildEnv(reason string, ev ppp.Event) []string {
	tc := d.cfg.Tunnel
	env := []string{
		"reason=" + reason,
		"VPNGATEWAY=" + d.cfg.ServerHost,
	}
	if tundev := d.raw.Name(); tundev != "" {
		env = append(env, "TUNDEV="+tundev)
	}

	addr4 := tc.IPv4Address
	if ev.IPv4Addr != nil {
		addr4 = ev.IPv4Addr
	}
	if addr4 != nil {
		env = append(env, "INTERNAL_IP4_ADDRESS="+addr4.String())
	}
	if len(tc.IPv4Netmask) > 0 {
		env = append(env, "INTERNAL_IP4_NETMASK="+net.IP(tc.IPv4Netmask).String())
	} else if len(tc.SplitIncludes) == 0 {
		// An absent split-include list means a default route through the
		// tunnel, which implies the widest possible netmask.
		env = append(env, "INTERNAL_IP4_NETMASK=0.0.0.0")
	}
	if len(tc.DNSServers) > 0 {
		addrs := make([]string, len(tc.DNSServers))
		for i, ip := range tc.DNSServers {
			addrs[i] = ip.String()
		}
		env = append(env, "INTERNAL_IP4_DNS="+strings.Join(addrs, " "))
	}
	if tc.IPv6Address != nil {
		env = append(env, "INTERNAL_IP6_ADDRESS="+tc.IPv6Address.String())
		env = append(env, "INTERNAL_IP6_NETMASK="+strconv.Itoa(tc.IPv6PrefixLen))
	}
	if len(tc.SearchDomains) > 0 {
		env = append(env, "CISCO_DEF_DOMAIN="+strings.Join(tc.SearchDomains, " "))
	}
	if len(tc.SplitIncludes) > 0 {
		env = append(env, "CISCO_SPLIT_INC="+strconv.Itoa(len(tc.SplitIncludes)))
		for i, r := range tc.SplitIncludes {
			env = append(env,
				fmt.Sprintf("CISCO_SPLIT_INC_%d_ADDR=%s", i, r.Net.IP.String()),
				fmt.Sprintf("CISCO_SPLIT_INC_%d_MASK=%s", i, net.IP(r.Net.Mask).String()),
			)
		}
	}
	for i, r := range tc.SplitIncludesIPv6 {
		ones, _ := r.Net.Mask.Size()
		env = append(env, fmt.Sprintf("CISCO_IPV6_SPLIT_INC_%d_ADDR=%s", i, r.Net.IP.String()))
		env = append(env, fmt.Sprintf("CISCO_IPV6_SPLIT_INC_%d_MASKLEN=%d", i, ones))
	}
	if tc.IdleTimeout > 0 {
		env = append(env, "IDLE_TIMEOUT="+strconv.Itoa(int(tc.IdleTimeout/time.Second)))
	}
	if tc.Banner != "" {
		env = append(env, "CISCO_BANNER="+tc.Banner)
	}
	if len(tc.SplitDNSDomains) > 0 {
		d.logger.Warnf("tundriver: split-DNS domains present (%s) but not enforced", strings.Join(tc.SplitDNSDomains, ", "))
	}
	return env
}

// Send writes payload (a raw IP packet) to the interface. protocol must be
// ppp.ProtoIPv4 or ppp.ProtoIPv6, and any other value is rejected; it is not
// compared with the IP version byte in payload, since the wire has no
// protocol tag of its own.
func (d *Driver) Send(protocol uint16, payload []byte) error {
	switch protocol {
	case ppp.ProtoIPv4, ppp.ProtoIPv6:
		return d.raw.WritePacket(payload)
	default:
		return fmt.Errorf("tundriver: unexpected protocol %#04x on data path", protocol)
	}
}

// TryRecv reads one packet from the interface and classifies it as IPv4 or
// IPv6 from its version nibble, so the caller can prepend the right PPP
// header (0x0021/0x0057) before handing it to the active transport.
// Packets larger than the negotiated tunnel MTU are split via IP
// fragmentation; fragments queue up and drain one per call, since
// manager.TunDevice's contract is one packet per TryRecv.
func (d *Driver) TryRecv() (protocol uint16, payload []byte, err error) {
	if len(d.fragQueue) > 0 {
		pkt := d.fragQueue[0]
		d.fragQueue = d.fragQueue[1:]
		return d.fragProto, pkt, nil
	}

	pkt, err := d.raw.ReadPacket()
	if err != nil {
		return 0, nil, err
	}
	if len(pkt) == 0 {
		return 0, nil, transport.ErrWouldBlock
	}

	var proto uint16
	switch pkt[0] >> 4 {
	case 4:
		proto = ppp.ProtoIPv4
	case 6:
		proto = ppp.ProtoIPv6
	default:
		return 0, nil, fmt.Errorf("tundriver: unrecognized ip version in outbound packet")
	}

	mtu := d.cfg.Tunnel.MTU
	if mtu <= 0 || len(pkt) <= mtu {
		return proto, pkt, nil
	}
	frags, err := fragmentOutbound(pkt, mtu)
	if err != nil {
		return 0, nil, err
	}
	if len(frags) == 0 {
		return 0, nil, transport.ErrWouldBlock
	}
	d.fragQueue = frags[1:]
	d.fragProto = proto
	return proto, frags[0], nil
}

func (d *Driver) Readable() <-chan struct{} { return d.raw.Readable() }
func (d *Driver) Writable() <-chan struct{} { return d.raw.Writable() }

// Close closes the underlying raw interface. It does not invoke the
// disconnect helper; callers drive OnNetworkDown explicitly while the
// session is still in a position to build a meaningful environment.
func (d *Driver) Close() error { return d.raw.Close() }
