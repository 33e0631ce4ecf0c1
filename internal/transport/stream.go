package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/Mareel-io/openconnect/internal/framing"
	"github.com/Mareel-io/openconnect/internal/model"
)

// ErrUnexpectedHTTPResponse is returned when the server answers the stream
// tunnel request with what looks like an HTTP response instead of framed
// PPP bytes. This means the server rejected the request, and must be
// surfaced as a configuration error rather than misparsed as a malformed
// frame.
var ErrUnexpectedHTTPResponse = fmt.Errorf("transport: server rejected stream tunnel request")

// StreamConfig parameterizes the stream transport's TLS handshake and
// framing, sourced from the Session's dialect and TunnelConfig.
type StreamConfig struct {
	Addr string // host:port
	TLS  *tls.Config

	// ParrotHelloID selects a uTLS fingerprint to mimic (e.g.
	// tls.HelloChrome_Auto); the zero value uses the stdlib-equivalent
	// default ClientHello.
	ParrotHelloID tls.ClientHelloID

	// StartTunnelRequest is the dialect's opaque "start tunnel" blob, sent
	// verbatim once immediately after the handshake completes.
	StartTunnelRequest []byte

	// FramingMagic and MTU parameterize the length-prefixed framer stacked
	// on top of the stream.
	FramingMagic []byte
	MTU          int

	DialTimeout time.Duration
}

// StreamTransport wraps a TLS-protected byte stream. It performs the
// dialect's "start tunnel" request once after handshake, then treats
// everything thereafter as length-prefixed framed PPP bytes.
type StreamTransport struct {
	conn   net.Conn
	framer *framing.LengthPrefixedFramer
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

// frameMsg is a (protocol, payload) pair moved across the reader/writer
// goroutines' channels.
type frameMsg struct {
	Protocol uint16
	Payload  []byte
}

// DialStream dials addr, performs the TLS handshake (optionally parroting a
// uTLS fingerprint), sends the start-tunnel request once, and returns a
// ready StreamTransport.
func DialStream(cfg StreamConfig, logger model.Logger) (*StreamTransport, error) {
	if logger == nil {
		logger = model.NopLogger{}
	}
	rawConn, err := net.DialTimeout("tcp", cfg.Addr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	var tlsConn interface {
		net.Conn
		Handshake() error
	}
	if cfg.ParrotHelloID == (tls.ClientHelloID{}) {
		tlsConn = tls.Client(rawConn, cfg.TLS)
	} else {
		tlsConn = tls.UClient(rawConn, cfg.TLS, cfg.ParrotHelloID)
	}
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}

	if len(cfg.StartTunnelRequest) > 0 {
		if _, err := tlsConn.Write(cfg.StartTunnelRequest); err != nil {
			tlsConn.Close()
			return nil, fmt.Errorf("transport: start-tunnel request: %w", err)
		}
	}

	overhead := len(cfg.FramingMagic) + 2 + 64
	return newStreamTransport(tlsConn, framing.NewLengthPrefixedFramer(cfg.FramingMagic, cfg.MTU+overhead), logger), nil
}

// newStreamTransport builds a StreamTransport around an already-handshaken
// connection; split out from DialStream so tests can exercise the framing/
// channel plumbing over a net.Pipe without a real TLS handshake.
func newStreamTransport(conn net.Conn, framer *framing.LengthPrefixedFramer, logger model.Logger) *StreamTransport {
	st := &StreamTransport{
		conn:     conn,
		framer:   framer,
		logger:   logger,
		outbound: make(chan frameMsg, outboundCapacity),
		inbound:  make(chan frameMsg, inboundCapacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go st.readLoop()
	go st.writeLoop()
	return st
}

func (st *StreamTransport) readLoop() {
	var buf bytes.Buffer
	tmp := make([]byte, 16384)
	first := true
	for {
		n, err := st.conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
			if first {
				first = false
				if looksLikeHTTPResponse(buf.Bytes()) {
					st.fail(ErrUnexpectedHTTPResponse)
					return
				}
			}
			for {
				protocol, payload, consumed, derr := st.framer.Deframe(buf.Bytes())
				if derr == framing.ErrShortFrame {
					break
				}
				if derr != nil {
					st.logger.Warnf("stream transport: drop malformed frame: %v", derr)
					buf.Next(1) // resync by one byte
					continue
				}
				first = false
				out := frameMsg{Protocol: protocol, Payload: append([]byte{}, payload...)}
				buf.Next(consumed)
				select {
				case st.inbound <- out:
				case <-st.closed:
					return
				}
				st.signal(st.readable)
			}
		}
		if err != nil {
			st.fail(err)
			return
		}
	}
}

func looksLikeHTTPResponse(b []byte) bool {
	return bytes.HasPrefix(b, []byte("HTTP/"))
}

func (st *StreamTransport) writeLoop() {
	for {
		select {
		case frame := <-st.outbound:
			wire := st.framer.Frame(frame.Protocol, frame.Payload)
			if _, err := st.conn.Write(wire); err != nil {
				st.fail(err)
				return
			}
			st.signal(st.writable)
		case <-st.closed:
			return
		}
	}
}

func (st *StreamTransport) fail(err error) {
	st.mu.Lock()
	if st.lastErr == nil {
		st.lastErr = err
	}
	st.mu.Unlock()
	st.Close()
}

func (st *StreamTransport) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (st *StreamTransport) Send(protocol uint16, payload []byte) error {
	select {
	case <-st.closed:
		return ErrClosed
	default:
	}
	select {
	case st.outbound <- frameMsg{Protocol: protocol, Payload: payload}:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (st *StreamTransport) TryRecv() (uint16, []byte, error) {
	select {
	case f := <-st.inbound:
		return f.Protocol, f.Payload, nil
	default:
	}
	select {
	case <-st.closed:
		st.mu.Lock()
		err := st.lastErr
		st.mu.Unlock()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return 0, nil, ErrClosed
	default:
		return 0, nil, ErrWouldBlock
	}
}

func (st *StreamTransport) Readable() <-chan struct{} { return st.readable }
func (st *StreamTransport) Writable() <-chan struct{} { return st.writable }

func (st *StreamTransport) Close() error {
	st.closeOnce.Do(func() {
		close(st.closed)
		st.conn.Close()
	})
	return nil
}

var _ Transport = (*StreamTransport)(nil)
