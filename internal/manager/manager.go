// Package manager implements the dual-transport manager: the
// single-threaded event loop that owns the PPP state machine, the stream and
// (optional) datagram transports, and the local tunnel interface, and
// arbitrates which transport is "active" for outbound PPP traffic.
package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mareel-io/openconnect/internal/model"
	"github.com/Mareel-io/openconnect/internal/packet"
	"github.com/Mareel-io/openconnect/internal/ppp"
	"github.com/Mareel-io/openconnect/internal/transport"
)

// State is the manager's lifecycle state.
type State int

const (
	StateInit State = iota
	StateStreamConnecting
	StateStreamEstablished
	StateDatagramProbing
	StateDatagramEstablished
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateStreamConnecting:
		return "StreamConnecting"
	case StateStreamEstablished:
		return "StreamEstablished"
	case StateDatagramProbing:
		return "DatagramProbing"
	case StateDatagramEstablished:
		return "DatagramEstablished"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrStreamLost is surfaced (via the manager's TunnelClosed-equivalent path)
// when the stream transport fails: this is fatal for the session, since the
// core never reauthenticates on its own.
var ErrStreamLost = errors.New("manager: stream transport lost")

// TunDevice is the packet-level handle to the local virtual interface the
// manager reads outbound IP packets from and writes inbound ones to. It has
// the same non-blocking Send/TryRecv/Readable/Writable shape as
// transport.Transport: the protocol argument is the PPP protocol number
// (ProtoIPv4/ProtoIPv6) the tunnel driver uses to pick the right header.
type TunDevice interface {
	Send(protocol uint16, payload []byte) error
	TryRecv() (protocol uint16, payload []byte, err error)
	Readable() <-chan struct{}
	Writable() <-chan struct{}
	Close() error
}

// DatagramDialer opens the optional datagram transport. It may block (a DTLS
// or ESP-socket dial); the manager runs it on an auxiliary goroutine so the
// event loop never blocks waiting on it.
type DatagramDialer func() (transport.Transport, error)

// Config bundles what the manager needs beyond the already-dialed stream
// transport.
type Config struct {
	PPP ppp.Config

	// DatagramDialer is nil when the session has no datagram path; the
	// datagram transport is optional.
	DatagramDialer DatagramDialer

	// PerSourceBudget bounds how many packets the loop drains from one
	// readable source per iteration.
	PerSourceBudget int

	// TerminateAckDeadline bounds how long Close waits for the peer's
	// Terminate-Ack before giving up. Defaults to 2 seconds.
	TerminateAckDeadline time.Duration

	OutboundQueueDepth int
}

// Manager owns the lifecycle and drives the PPP machine, the transports and
// the tunnel device. One Manager per session; not safe for concurrent use,
// since a single-threaded cooperative event loop owns all of it.
type Manager struct {
	logger model.Logger
	cfg    Config

	state State

	stream   transport.Transport
	datagram transport.Transport // nil until DatagramEstablished
	active   transport.Transport // points at stream or datagram

	datagramResult chan datagramDialResult

	tun TunDevice

	machine *ppp.Machine

	// outboundFromTun holds IP packets read off tun, awaiting a PPP header
	// and handoff to the active transport.
	outboundFromTun *packet.Queue

	terminateDeadline time.Time
	hasTerminateTimer bool
}

type datagramDialResult struct {
	t   transport.Transport
	err error
}

// New builds a Manager around an already-connected stream transport and tun
// device. Call Start to begin the PPP handshake and, if configured, the
// datagram probe.
func New(cfg Config, stream transport.Transport, tun TunDevice, logger model.Logger) *Manager {
	if logger == nil {
		logger = model.NopLogger{}
	}
	if cfg.PerSourceBudget <= 0 {
		cfg.PerSourceBudget = 32
	}
	if cfg.TerminateAckDeadline <= 0 {
		cfg.TerminateAckDeadline = 2 * time.Second
	}
	if cfg.OutboundQueueDepth <= 0 {
		cfg.OutboundQueueDepth = 256
	}
	return &Manager{
		logger:          logger,
		cfg:             cfg,
		state:           StateInit,
		stream:          stream,
		active:          stream,
		tun:             tun,
		machine:         ppp.NewMachine(cfg.PPP, logger),
		outboundFromTun: packet.NewQueue(cfg.OutboundQueueDepth, packet.Block),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State { return m.state }

// Start transitions Init -> StreamConnecting -> StreamEstablished and opens
// LCP over the stream transport; the caller is expected to have already
// completed the stream transport's own connect/handshake step before
// constructing the Manager, so this only drives the PPP side and, if
// configured, kicks off the datagram probe in the background.
func (m *Manager) Start(now time.Time) []ppp.Frame {
	if m.state != StateInit {
		return nil
	}
	m.state = StateStreamConnecting
	m.logger.Infof("manager: state -> %s", m.state)
	m.state = StateStreamEstablished
	m.logger.Infof("manager: state -> %s", m.state)

	frames := m.machine.Open(now)

	if m.cfg.DatagramDialer != nil {
		m.beginDatagramProbe()
	}
	return frames
}

func (m *Manager) beginDatagramProbe() {
	m.state = StateDatagramProbing
	m.logger.Infof("manager: state -> %s", m.state)
	m.datagramResult = make(chan datagramDialResult, 1)
	dialer := m.cfg.DatagramDialer
	resultCh := m.datagramResult
	go func() {
		t, err := dialer()
		resultCh <- datagramDialResult{t: t, err: err}
	}()
}

// DatagramProbeResult returns the channel to select on for the outcome of an
// in-flight datagram probe, or nil if none is in flight.
func (m *Manager) DatagramProbeResult() <-chan datagramDialResult {
	return m.datagramResult
}

// PollDatagramProbe is non-blocking: it checks whether a background datagram
// dial has finished and, if so, promotes the active transport on success or
// falls back to the stream on failure. Safe to call every loop iteration
// even when no probe is outstanding.
func (m *Manager) PollDatagramProbe() {
	if m.datagramResult == nil {
		return
	}
	select {
	case res := <-m.datagramResult:
		m.datagramResult = nil
		if res.err != nil {
			m.logger.Warnf("manager: datagram probe failed, staying on stream: %v", res.err)
			m.state = StateStreamEstablished
			return
		}
		m.promoteToDatagram(res.t)
	default:
	}
}

// promoteToDatagram switches the active transport to the newly established
// datagram transport; the stream transport stays open but stops carrying
// data.
func (m *Manager) promoteToDatagram(t transport.Transport) {
	m.datagram = t
	m.active = t
	m.state = StateDatagramEstablished
	m.logger.Infof("manager: state -> %s (datagram promoted)", m.state)
	if m.machine.Phase() == ppp.PhaseOpen {
		m.state = StateRunning
	}
}

// demoteToStream is called when the promoted datagram transport fails:
// falls back to the stream, preserving PPP state but discarding the
// datagram crypto context (a fresh one is required if datagram is
// retried).
func (m *Manager) demoteToStream(cause error) {
	m.logger.Warnf("manager: datagram transport failed, demoting to stream: %v", cause)
	if m.datagram != nil {
		m.datagram.Close()
		m.datagram = nil
	}
	m.active = m.stream
	if m.state == StateDatagramEstablished || m.state == StateRunning {
		m.state = StateStreamEstablished
		if m.machine.Phase() == ppp.PhaseOpen {
			m.state = StateRunning
		}
	}
}

// HandleTransportFrame feeds one (protocol, payload) pair received off a
// transport (stream or datagram) into the PPP machine or, for IPv4/IPv6
// data protocols, hands it to the tunnel driver via tun.
func (m *Manager) HandleTransportFrame(now time.Time, protocol uint16, payload []byte) ([]ppp.Frame, []ppp.Event, error) {
	switch protocol {
	case ppp.ProtoIPv4, ppp.ProtoIPv6:
		if err := m.tun.Send(protocol, payload); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			return nil, nil, fmt.Errorf("manager: tun write: %w", err)
		}
		return nil, nil, nil
	default:
		frames, events := m.machine.HandleFrame(now, protocol, payload)
		m.reactToEvents(now, events)
		return frames, events, nil
	}
}

// PumpOutboundFromTun drains up to PerSourceBudget packets from the tun
// device, queues them, and attempts to hand them to the active transport.
// It never blocks: a transport WouldBlock leaves the packet at the head of
// the queue for the next call.
func (m *Manager) PumpOutboundFromTun() error {
	if m.machine.Phase() != ppp.PhaseOpen {
		return nil
	}
	budget := m.cfg.PerSourceBudget
	for i := 0; i < budget; i++ {
		protocol, payload, err := m.tun.TryRecv()
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				break
			}
			return fmt.Errorf("manager: tun read: %w", err)
		}
		p := packet.FromPayload(nil, payload, packet.OriginTUN)
		p.Protocol = protocol
		if err := m.outboundFromTun.TryPush(p); err != nil {
			p.Free() // data traffic queue uses the Block policy; a full
			// queue here means we're falling behind and must shed.
		}
	}
	return m.flushOutboundQueue()
}

func (m *Manager) flushOutboundQueue() error {
	for {
		p, ok := m.outboundFromTun.Peek()
		if !ok {
			return nil
		}
		err := m.active.Send(p.Protocol, p.Data())
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return nil // stays at head; loop subscribes to Writable()
			}
			m.handleTransportError(err)
			return nil
		}
		m.outboundFromTun.Pop()
		p.Free()
	}
}

// handleTransportError routes a transport-level error to the right
// lifecycle reaction: losing the active datagram transport demotes; losing
// the stream transport is fatal for the session.
func (m *Manager) handleTransportError(err error) {
	if m.datagram != nil && m.active == m.datagram {
		m.demoteToStream(err)
		return
	}
	m.logger.Errorf("manager: %v: %v", ErrStreamLost, err)
	m.finishClosing()
}

func (m *Manager) reactToEvents(now time.Time, events []ppp.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case ppp.EventNetworkUp:
			if m.state != StateClosing && m.state != StateClosed {
				m.state = StateRunning
				m.logger.Infof("manager: state -> %s", m.state)
			}
		case ppp.EventClosed:
			m.finishClosing()
		case ppp.EventPPPTimeout:
			m.logger.Warnf("manager: ppp negotiation gave up")
			m.finishClosing()
		}
	}
}

// HandleTimeout drives the PPP machine's retransmit/keepalive timers and, if
// a Terminate-Ack deadline has passed during Closing, forces the transition
// to Closed.
func (m *Manager) HandleTimeout(now time.Time) ([]ppp.Frame, []ppp.Event) {
	if m.state == StateClosing && m.hasTerminateTimer && !now.Before(m.terminateDeadline) {
		m.logger.Warnf("manager: terminate-ack deadline expired, forcing close")
		m.hasTerminateTimer = false
		m.finishClosing()
		return nil, []ppp.Event{{Kind: ppp.EventClosed}}
	}
	frames, events := m.machine.HandleTimeout(now)
	m.reactToEvents(now, events)
	return frames, events
}

// NextDeadline returns the earliest of the PPP machine's timers and the
// pending Terminate-Ack deadline, for the event loop's wait-for-readiness
// call.
func (m *Manager) NextDeadline() (time.Time, bool) {
	best, ok := m.machine.NextDeadline()
	if m.hasTerminateTimer {
		if !ok || m.terminateDeadline.Before(best) {
			best, ok = m.terminateDeadline, true
		}
	}
	return best, ok
}

// Close begins graceful shutdown: LCP Terminate-Request with a 2-second
// Terminate-Ack deadline, immediate datagram transport close, stream
// transport closed only once Closing completes (by the caller, after
// HandleTimeout/HandleTransportFrame report EventClosed or the deadline
// forces it).
func (m *Manager) Close(now time.Time) []ppp.Frame {
	if m.state == StateClosing || m.state == StateClosed {
		return nil
	}
	m.state = StateClosing
	m.logger.Infof("manager: state -> %s", m.state)
	m.terminateDeadline = now.Add(m.cfg.TerminateAckDeadline)
	m.hasTerminateTimer = true

	if m.datagram != nil {
		m.datagram.Close()
		m.datagram = nil
	}
	m.active = m.stream
	m.outboundFromTun.Drain()

	return m.machine.Close(now)
}

func (m *Manager) finishClosing() {
	if m.state == StateClosed {
		return
	}
	m.hasTerminateTimer = false
	m.state = StateClosed
	m.logger.Infof("manager: state -> %s", m.state)
	if m.datagram != nil {
		m.datagram.Close()
		m.datagram = nil
	}
	m.stream.Close()
	m.tun.Close()
}

// SendFrames writes each frame to the active transport, in order. A
// WouldBlock on a control frame is logged and dropped rather than queued:
// PPP's own restart timers will regenerate it, and only data traffic gets
// the outbound queue's retry treatment.
func (m *Manager) SendFrames(frames []ppp.Frame) error {
	for _, f := range frames {
		if err := m.active.Send(f.Protocol, f.Payload); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				m.logger.Warnf("manager: active transport would block, dropping control frame")
				continue
			}
			m.handleTransportError(err)
			return err
		}
	}
	return nil
}

// PumpTransport drains up to PerSourceBudget frames from t (stream or
// datagram, whichever is readable), feeding each through
// HandleTransportFrame and sending any resulting reply frames. Both
// transports are drained regardless of which is active, since control
// frames (e.g. a Terminate-Ack on a transport being demoted) can arrive on
// either.
func (m *Manager) PumpTransport(now time.Time, t transport.Transport) error {
	if t == nil {
		return nil
	}
	budget := m.cfg.PerSourceBudget
	for i := 0; i < budget; i++ {
		protocol, payload, err := t.TryRecv()
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return nil
			}
			m.handleTransportError(err)
			return nil
		}
		frames, _, err := m.HandleTransportFrame(now, protocol, payload)
		if err != nil {
			return err
		}
		if err := m.SendFrames(frames); err != nil {
			return err
		}
	}
	return nil
}

// StreamReadable exposes the stream transport's readiness handle for the
// session's event loop select.
func (m *Manager) StreamReadable() <-chan struct{} { return m.stream.Readable() }

// DatagramReadable exposes the datagram transport's readiness handle, or nil
// if no datagram transport is currently established.
func (m *Manager) DatagramReadable() <-chan struct{} {
	if m.datagram == nil {
		return nil
	}
	return m.datagram.Readable()
}

// TunReadable exposes the tunnel device's readiness handle.
func (m *Manager) TunReadable() <-chan struct{} { return m.tun.Readable() }

// StreamTransport exposes the stream transport for callers that need to
// pump it explicitly (e.g. the session loop's select branches).
func (m *Manager) StreamTransport() transport.Transport { return m.stream }

// DatagramTransport exposes the currently established datagram transport,
// or nil.
func (m *Manager) DatagramTransport() transport.Transport { return m.datagram }

// ActiveIsDatagram reports whether the datagram transport currently carries
// data traffic. The two transports are never both active for data at once.
func (m *Manager) ActiveIsDatagram() bool {
	return m.datagram != nil && m.active == m.datagram
}

// Machine exposes the underlying PPP machine for read-only inspection
// (phase, negotiated addresses) by the tunnel driver / session layer.
func (m *Manager) Machine() *ppp.Machine { return m.machine }
