package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/Mareel-io/openconnect/internal/handshake"
	"github.com/Mareel-io/openconnect/internal/model"
)

// ErrHandshakeFailed is returned by DialDatagram when the clthello/svrhello
// exchange fails, times out, or the server answers "fail". Any of these
// disable the datagram transport for the session.
var ErrHandshakeFailed = fmt.Errorf("datagram transport: handshake failed")

// DatagramConfig parameterizes the datagram transport's DTLS handshake and
// protocol-level clthello/svrhello handshake.
type DatagramConfig struct {
	Addr   string
	DTLS   *dtls.Config
	Cookie []byte

	// Tag is the dialect's fixed envelope tag (e.g. "GFtype\x00").
	Tag string

	ClientHelloTimeout time.Duration
}

// DatagramTransport wraps a DTLS-protected datagram socket. Each datagram
// carries a 2-byte big-endian PPP protocol field followed by the payload;
// unlike the stream transport, no length prefix or byte-stuffing is needed
// because DTLS already delivers atomic, bounded records.
type DatagramTransport struct {
	conn   net.Conn
	logger model.Logger

	outbound chan frameMsg
	inbound  chan frameMsg
	readable chan struct{}
	writable chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	lastErr error
}

// DialDatagram performs the DTLS handshake to addr, then the protocol-level
// clthello/svrhello handshake. Returns ErrHandshakeFailed wrapping the
// underlying cause on any failure; the caller (transport manager) treats
// that as "mark datagram Disabled for this session".
func DialDatagram(cfg DatagramConfig, logger model.Logger) (*DatagramTransport, error) {
	if logger == nil {
		logger = model.NopLogger{}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve: %v", ErrHandshakeFailed, err)
	}
	conn, err := dtls.Dial("udp", udpAddr, cfg.DTLS)
	if err != nil {
		return nil, fmt.Errorf("%w: dtls dial: %v", ErrHandshakeFailed, err)
	}

	if err := performClientHandshake(conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	dt := &DatagramTransport{
		conn:     conn,
		logger:   logger,
		outbound: make(chan frameMsg, outboundCapacity),
		inbound:  make(chan frameMsg, inboundCapacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go dt.readLoop()
	go dt.writeLoop()
	return dt, nil
}

func performClientHandshake(conn net.Conn, cfg DatagramConfig) error {
	hello := handshake.BuildClientHello(cfg.Tag, cfg.Cookie)
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("%w: send clthello: %v", ErrHandshakeFailed, err)
	}

	timeout := cfg.ClientHelloTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: svrhello: %v", ErrHandshakeFailed, err)
	}
	resp := buf[:n]

	if handshake.LooksLikePPPFrame(cfg.Tag, resp) {
		// The "ok" packet was lost but the server already started sending
		// PPP; this also counts as handshake success.
		return nil
	}

	status, err := handshake.ParseServerHello(cfg.Tag, resp)
	if err != nil {
		return fmt.Errorf("%w: malformed svrhello: %v", ErrHandshakeFailed, err)
	}
	if status != "ok" {
		return fmt.Errorf("%w: server said %q", ErrHandshakeFailed, status)
	}
	return nil
}

func (dt *DatagramTransport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := dt.conn.Read(buf)
		if err != nil {
			dt.fail(err)
			return
		}
		if n < 2 {
			continue // malformed datagram, drop
		}
		protocol := binary.BigEndian.Uint16(buf[0:2])
		payload := append([]byte{}, buf[2:n]...)
		select {
		case dt.inbound <- frameMsg{Protocol: protocol, Payload: payload}:
		case <-dt.closed:
			return
		}
		dt.signal(dt.readable)
	}
}

func (dt *DatagramTransport) writeLoop() {
	for {
		select {
		case f := <-dt.outbound:
			wire := make([]byte, 2+len(f.Payload))
			binary.BigEndian.PutUint16(wire[0:2], f.Protocol)
			copy(wire[2:], f.Payload)
			if _, err := dt.conn.Write(wire); err != nil {
				dt.fail(err)
				return
			}
			dt.signal(dt.writable)
		case <-dt.closed:
			return
		}
	}
}

func (dt *DatagramTransport) fail(err error) {
	dt.mu.Lock()
	if dt.lastErr == nil {
		dt.lastErr = err
	}
	dt.mu.Unlock()
	dt.Close()
}

func (dt *DatagramTransport) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (dt *DatagramTransport) Send(protocol uint16, payload []byte) error {
	select {
	case <-dt.closed:
		return ErrClosed
	default:
	}
	select {
	case dt.outbound <- frameMsg{Protocol: protocol, Payload: payload}:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (dt *DatagramTransport) TryRecv() (uint16, []byte, error) {
	select {
	case f := <-dt.inbound:
		return f.Protocol, f.Payload, nil
	default:
	}
	select {
	case <-dt.closed:
		dt.mu.Lock()
		err := dt.lastErr
		dt.mu.Unlock()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return 0, nil, ErrClosed
	default:
		return 0, nil, ErrWouldBlock
	}
}

func (dt *DatagramTransport) Readable() <-chan struct{} { return dt.readable }
func (dt *DatagramTransport) Writable() <-chan struct{} { return dt.writable }

func (dt *DatagramTransport) Close() error {
	dt.closeOnce.Do(func() {
		close(dt.closed)
		dt.conn.Close()
	})
	return nil
}

var _ Transport = (*DatagramTransport)(nil)
