package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Mareel-io/openconnect/internal/espcrypto"
	"github.com/Mareel-io/openconnect/internal/model"
)

// EspConfig parameterizes the ESP-like datagram transport used by dialects
// that secure the datagram path themselves, rather than delegating
// confidentiality/integrity to DTLS. Unlike DatagramConfig, there is no
// handshake: SPI and key material arrive pre-established from the external
// authentication collaborator's TunnelConfig.
type EspConfig struct {
	Addr string

	SPI        uint32
	OutboundKM espcrypto.KeyMaterial
	InboundKM  espcrypto.KeyMaterial
	Enc        espcrypto.EncAlgorithm
	MAC        espcrypto.MACAlgorithm

	DialTimeout time.Duration
}

// EspTransport wraps a plain UDP socket, applying espcrypto.CryptoCtx to
// every datagram in each direction. The plaintext each CryptoCtx carries is
// itself a [2-byte protocol][payload] pair, the same shape DatagramTransport
// uses, so both datagram transport kinds present an identical PPP frame
// contract to the transport manager.
type EspTransport struct {
	conn   net.Conn
	logger model.Logger

	out *espcrypto.CryptoCtx
	in  *espcrypto.CryptoCtx

	outbound chan frameMsg
	inbound  chan frameMsg
	readable chan struct{}
	writable chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	lastErr error
}

// DialEsp opens the UDP socket and builds the crypto contexts; there is no
// wire handshake, so the transport is usable immediately.
func DialEsp(cfg EspConfig, logger model.Logger) (*EspTransport, error) {
	if logger == nil {
		logger = model.NopLogger{}
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("udp", cfg.Addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrHandshakeFailed, err)
	}

	out, err := espcrypto.NewOutbound(cfg.SPI, cfg.OutboundKM, cfg.Enc, cfg.MAC)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: outbound suite: %v", ErrHandshakeFailed, err)
	}
	in, err := espcrypto.NewInbound(cfg.SPI, cfg.InboundKM, cfg.Enc, cfg.MAC)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: inbound suite: %v", ErrHandshakeFailed, err)
	}

	et := &EspTransport{
		conn:     conn,
		logger:   logger,
		out:      out,
		in:       in,
		outbound: make(chan frameMsg, outboundCapacity),
		inbound:  make(chan frameMsg, inboundCapacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go et.readLoop()
	go et.writeLoop()
	return et, nil
}

func (et *EspTransport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := et.conn.Read(buf)
		if err != nil {
			et.fail(err)
			return
		}
		plain, err := et.in.Decrypt(buf[:n])
		if err != nil {
			// per-packet failure (BadHMAC/Replay/MalformedFrame): drop and
			// keep going.
			et.logger.Warnf("esp transport: drop datagram: %v", err)
			continue
		}
		if len(plain) < 2 {
			continue
		}
		protocol := uint16(plain[0])<<8 | uint16(plain[1])
		payload := append([]byte{}, plain[2:]...)
		select {
		case et.inbound <- frameMsg{Protocol: protocol, Payload: payload}:
		case <-et.closed:
			return
		}
		et.signal(et.readable)
	}
}

func (et *EspTransport) writeLoop() {
	for {
		select {
		case f := <-et.outbound:
			plain := make([]byte, 2+len(f.Payload))
			plain[0] = byte(f.Protocol >> 8)
			plain[1] = byte(f.Protocol)
			copy(plain[2:], f.Payload)
			wire, err := et.out.Encrypt(plain)
			if err != nil {
				// ErrSeqWrapped is fatal: rekeying is out of scope for this
				// session's crypto context.
				et.fail(err)
				return
			}
			if _, err := et.conn.Write(wire); err != nil {
				et.fail(err)
				return
			}
			et.signal(et.writable)
		case <-et.closed:
			return
		}
	}
}

func (et *EspTransport) fail(err error) {
	et.mu.Lock()
	if et.lastErr == nil {
		et.lastErr = err
	}
	et.mu.Unlock()
	et.Close()
}

func (et *EspTransport) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (et *EspTransport) Send(protocol uint16, payload []byte) error {
	select {
	case <-et.closed:
		return ErrClosed
	default:
	}
	select {
	case et.outbound <- frameMsg{Protocol: protocol, Payload: payload}:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (et *EspTransport) TryRecv() (uint16, []byte, error) {
	select {
	case f := <-et.inbound:
		return f.Protocol, f.Payload, nil
	default:
	}
	select {
	case <-et.closed:
		et.mu.Lock()
		err := et.lastErr
		et.mu.Unlock()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return 0, nil, ErrClosed
	default:
		return 0, nil, ErrWouldBlock
	}
}

func (et *EspTransport) Readable() <-chan struct{} { return et.readable }
func (et *EspTransport) Writable() <-chan struct{} { return et.writable }

func (et *EspTransport) Close() error {
	et.closeOnce.Do(func() {
		close(et.closed)
		et.conn.Close()
	})
	return nil
}

var _ Transport = (*EspTransport)(nil)
