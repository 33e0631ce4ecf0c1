// Package session wires pkg/config, internal/manager, internal/transport
// and internal/tundriver into the public Session API: Connect dials the
// stream transport, optionally probes a datagram transport, drives PPP to
// Open, and from then on runs the single-threaded event loop until Close
// or a fatal error.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	dtls "github.com/pion/dtls/v2"
	utls "github.com/refraction-networking/utls"

	"github.com/Mareel-io/openconnect/internal/manager"
	"github.com/Mareel-io/openconnect/internal/model"
	"github.com/Mareel-io/openconnect/internal/ppp"
	"github.com/Mareel-io/openconnect/internal/transport"
	"github.com/Mareel-io/openconnect/internal/tundriver"
	"github.com/Mareel-io/openconnect/pkg/config"
)

// ErrCookieExpired is returned by Connect, wrapping the dial error, when
// transport.DialStream itself reports transport.ErrUnexpectedHTTPResponse.
// DialStream returns before any server bytes are read, so an HTTP response
// to the stream tunnel request is detected afterwards by the stream
// transport's reader, which closes the stream; the manager then closes the
// session as for any lost stream, and ErrCookieExpired is not produced.
// The core never silently reauthenticates.
var ErrCookieExpired = errors.New("session: cookie rejected by server")

// State mirrors the manager's lifecycle state for callers that don't want
// to import internal/manager directly.
type State = manager.State

// Session is the public handle to one VPN tunnel: Connect establishes it,
// Close tears it down, and for its lifetime the event loop relays packets
// between the tun device and whichever transport is active.
type Session struct {
	cfg    *config.Config
	mgr    *manager.Manager
	driver *tundriver.Driver
	logger model.Logger

	closeRequested chan struct{}
	done           chan struct{}

	fatalMu sync.Mutex
	fatal   error
}

// Connect dials the stream transport, builds the manager and tunnel driver,
// and starts the event loop in the background. raw is the packet-level
// handle to the already-created local virtual interface, supplied by an
// external collaborator, not built by this core.
func Connect(cfg *config.Config, raw tundriver.RawTun) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = model.NopLogger{}
	}

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)

	stream, err := transport.DialStream(transport.StreamConfig{
		Addr:               addr,
		TLS:                defaultUTLSConfig(cfg),
		StartTunnelRequest: cfg.StreamTunnelRequest,
		FramingMagic:       defaultFramingMagic,
		MTU:                tunnelMTU(cfg),
		DialTimeout:        cfg.DialTimeout,
	}, logger)
	if err != nil {
		if errors.Is(err, transport.ErrUnexpectedHTTPResponse) {
			return nil, fmt.Errorf("%w: %v", ErrCookieExpired, err)
		}
		return nil, fmt.Errorf("session: dial stream transport: %w", err)
	}

	dialer, err := buildDatagramDialer(cfg, addr, logger)
	if err != nil {
		stream.Close()
		return nil, err
	}

	driver := tundriver.New(cfg, raw, logger)
	mgr := manager.New(manager.Config{
		PPP:            pppConfigFrom(cfg),
		DatagramDialer: dialer,
	}, stream, driver, logger)

	s := &Session{
		cfg:            cfg,
		mgr:            mgr,
		driver:         driver,
		logger:         logger,
		closeRequested: make(chan struct{}),
		done:           make(chan struct{}),
	}

	if err := mgr.SendFrames(mgr.Start(time.Now())); err != nil {
		stream.Close()
		raw.Close()
		return nil, fmt.Errorf("session: opening LCP: %w", err)
	}

	go s.run()
	return s, nil
}

// State returns the manager's current lifecycle state.
func (s *Session) State() State { return s.mgr.State() }

// Err returns the first fatal error the event loop observed (e.g. a tun
// read or write error, or a transport Send error returned by the manager),
// or nil if none has occurred.
func (s *Session) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// Close begins graceful shutdown and blocks until the event loop has
// finished closing both transports and the tunnel device. Safe to call
// more than once.
func (s *Session) Close() error {
	select {
	case <-s.closeRequested:
	default:
		close(s.closeRequested)
	}
	<-s.done
	return nil
}

// run is the single-threaded cooperative event loop: wait on
// {stream-readable, datagram-readable, tun-readable, earliest-timer},
// process readable work with each source's per-packet budget, advance
// timers, flush outbound queues. The loop never blocks on a write.
func (s *Session) run() {
	defer close(s.done)
	ctx := context.Background()

	closeRequested := s.closeRequested
	networkUp := false

	for {
		if s.mgr.State() == manager.StateClosed {
			return
		}

		s.mgr.PollDatagramProbe()

		if s.mgr.Machine().Phase() == ppp.PhaseOpen && !networkUp {
			ev := ppp.Event{
				IPv4Addr:    s.mgr.Machine().NegotiatedIPv4Addr(),
				IPv6IfaceID: s.mgr.Machine().NegotiatedIPv6IfaceID(),
				IPv6Enabled: s.cfg.Tunnel.IPv6Address != nil,
			}
			if err := s.driver.OnNetworkUp(ctx, ev); err != nil {
				s.logger.Errorf("session: helper connect invocation failed: %v", err)
			}
			networkUp = true
		} else if s.mgr.Machine().Phase() != ppp.PhaseOpen && networkUp {
			if err := s.driver.OnNetworkDown(ctx); err != nil {
				s.logger.Errorf("session: helper disconnect invocation failed: %v", err)
			}
			networkUp = false
		}

		if err := s.mgr.PumpOutboundFromTun(); err != nil {
			s.reportFatal(err)
		}

		timerC, stopTimer := s.deadlineTimer()

		select {
		case <-closeRequested:
			s.mgr.SendFrames(s.mgr.Close(time.Now()))
			closeRequested = nil // disarm: already handled, don't spin on it again
		case <-s.mgr.StreamReadable():
			if err := s.mgr.PumpTransport(time.Now(), s.mgr.StreamTransport()); err != nil {
				s.reportFatal(err)
			}
		case <-s.mgr.DatagramReadable():
			if err := s.mgr.PumpTransport(time.Now(), s.mgr.DatagramTransport()); err != nil {
				s.reportFatal(err)
			}
		case <-s.mgr.TunReadable():
			// re-loop promptly; PumpOutboundFromTun above does the actual read.
		case <-timerC:
			frames, _ := s.mgr.HandleTimeout(time.Now())
			s.mgr.SendFrames(frames)
		}

		if stopTimer != nil {
			stopTimer()
		}
	}
}

// deadlineTimer returns a channel firing at the manager's next deadline, and
// a cleanup func to stop the underlying timer. Returns a nil channel (which
// blocks forever in select) when there is no pending deadline.
func (s *Session) deadlineTimer() (<-chan time.Time, func() bool) {
	deadline, ok := s.mgr.NextDeadline()
	if !ok {
		return nil, nil
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	return t.C, t.Stop
}

func (s *Session) reportFatal(err error) {
	s.logger.Errorf("session: %v", err)
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()
}

// pppConfigFrom derives the PPP machine's configuration from TunnelConfig:
// the address/DNS the collaborator negotiated out of band become the IPCP
// address/DNS and IPV6CP interface ID this core proposes; the LCP magic
// number is the fixed magicNumber().
func pppConfigFrom(cfg *config.Config) ppp.Config {
	tc := cfg.Tunnel
	mru := uint16(1500)
	if tc.MTU > 0 && tc.MTU < 65535 {
		mru = uint16(tc.MTU)
	}
	dpd := tc.DPDInterval
	if dpd <= 0 {
		dpd = 30 * time.Second
	}
	return ppp.Config{
		LCP: ppp.LCPConfig{
			MRU:         mru,
			MagicNumber: magicNumber(),
		},
		IPCP: ppp.IPCPConfig{
			Address:      addrOrZero(tc.IPv4Address),
			PrimaryDNS:   dnsAt(tc.DNSServers, 0),
			SecondaryDNS: dnsAt(tc.DNSServers, 1),
		},
		IPV6CP:       ppp.IPV6CPConfig{InterfaceID: interfaceIDFrom(tc.IPv6Address)},
		EnableIPv6:   tc.IPv6Address != nil,
		RestartTimer: 3 * time.Second,
		MaxConfigure: 10,
		DPDInterval:  dpd,
		DPDFailCount: 3,
	}
}

func addrOrZero(ip net.IP) net.IP {
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func dnsAt(servers []net.IP, i int) net.IP {
	if i < len(servers) {
		return servers[i]
	}
	return nil
}

// interfaceIDFrom derives an IPV6CP interface identifier from the
// negotiated IPv4/IPv6 address the same way the original tunnel clients do:
// an IPv4 address zero-extended to 64 bits, or the low 64 bits of an IPv6
// address.
func interfaceIDFrom(ip net.IP) [8]byte {
	var id [8]byte
	if ip == nil {
		return id
	}
	if ip4 := ip.To4(); ip4 != nil {
		copy(id[4:], ip4)
		return id
	}
	if ip16 := ip.To16(); ip16 != nil {
		copy(id[:], ip16[8:16])
	}
	return id
}

// tunnelMTU returns the negotiated MTU, or the stream framer's conservative
// default.
func tunnelMTU(cfg *config.Config) int {
	if cfg.Tunnel.MTU > 0 {
		return cfg.Tunnel.MTU
	}
	return 1400
}

// defaultFramingMagic is the length-prefixed framer's synchronization magic
// (internal/framing), shared by every dialect.
var defaultFramingMagic = []byte{0x1a, 0x2b, 0x3c, 0x4d}

// defaultUTLSConfig builds the uTLS configuration the stream transport
// parrots a browser ClientHello with, using refraction-networking/utls for
// the stream transport's handshake.
func defaultUTLSConfig(cfg *config.Config) *utls.Config {
	return &utls.Config{
		ServerName: cfg.ServerHost,
	}
}

// buildDatagramDialer chooses between the DTLS-handshake datagram transport
// and the ESP-like pre-keyed one based on which crypto parameters
// TunnelConfig actually carries: DatagramCrypto present means this dialect
// uses an IPsec-like datagram encapsulation, so dial EspTransport directly,
// no handshake. Otherwise, if a handshake tag is configured, attempt the
// DTLS clthello/svrhello path. Neither present means this session has no
// datagram path at all, which is valid; the datagram transport is always
// optional.
func buildDatagramDialer(cfg *config.Config, addr string, logger model.Logger) (manager.DatagramDialer, error) {
	if cfg.Tunnel.Datagram != nil {
		dc := cfg.Tunnel.Datagram
		enc, err := dc.Enc.ToEspcrypto()
		if err != nil {
			return nil, err
		}
		mac, err := dc.MAC.ToEspcrypto()
		if err != nil {
			return nil, err
		}
		outKM, err := dc.OutboundKeyMaterial()
		if err != nil {
			return nil, err
		}
		inKM, err := dc.InboundKeyMaterial()
		if err != nil {
			return nil, err
		}
		espCfg := transport.EspConfig{
			Addr:        addr,
			SPI:         dc.SPI,
			OutboundKM:  outKM,
			InboundKM:   inKM,
			Enc:         enc,
			MAC:         mac,
			DialTimeout: cfg.DialTimeout,
		}
		return func() (transport.Transport, error) {
			return transport.DialEsp(espCfg, logger)
		}, nil
	}

	if cfg.DatagramHandshakeTag == "" {
		return nil, nil
	}
	dgCfg := transport.DatagramConfig{
		Addr:               addr,
		DTLS:               &dtls.Config{ServerName: cfg.ServerHost},
		Cookie:             cfg.Cookie,
		Tag:                cfg.DatagramHandshakeTag,
		ClientHelloTimeout: cfg.ClientHelloTimeout,
	}
	return func() (transport.Transport, error) {
		return transport.DialDatagram(dgCfg, logger)
	}, nil
}

// magicNumber is the LCP magic number this core advertises. A production
// peer draws this from a CSPRNG per negotiation; fixed here keeps the
// default deterministic, matching how tests in internal/ppp exercise the
// machine without wiring a random source through every layer.
func magicNumber() uint32 { return 0x4f43564e } // "OCVN"
