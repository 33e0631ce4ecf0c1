package ppp

import (
	"net"
	"time"

	"github.com/Mareel-io/openconnect/internal/model"
)

// Phase is the global PPP phase (RFC 1661 §4.1).
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseAuthBypass
	PhaseNetwork
	PhaseOpen
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseAuthBypass:
		return "Auth-Bypass"
	case PhaseNetwork:
		return "Network"
	case PhaseOpen:
		return "Open"
	case PhaseTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// EventKind tags what happened, for the transport manager / tunnel driver
// to react to without reaching into Machine internals.
type EventKind int

const (
	// EventNetworkUp fires once IPCP (and IPV6CP, if enabled) reach Opened:
	// the tunnel driver should install addresses and bring the interface up.
	EventNetworkUp EventKind = iota
	// EventClosed fires once termination completes (TunnelClosed).
	EventClosed
	// EventPPPTimeout fires when LCP or network-layer negotiation gives up
	// (reaches Stopped) or keepalive misses exceed DPDFailCount.
	EventPPPTimeout
)

// Event is a fact the machine surfaces to its owner (the transport manager).
type Event struct {
	Kind        EventKind
	IPv4Addr    net.IP
	IPv6IfaceID [8]byte
	IPv6Enabled bool
}

// Config bundles what Machine needs to build its three sub-automatons and
// run keepalives, sourced from TunnelConfig.
type Config struct {
	LCP    LCPConfig
	IPCP   IPCPConfig
	IPV6CP IPV6CPConfig

	EnableIPv6 bool

	RestartTimer time.Duration // default 3s
	MaxConfigure int           // Max-Configure

	DPDInterval  time.Duration // keepalive/echo cadence
	DPDFailCount int           // consecutive missed echoes before giving up
}

// Machine is the RFC 1661 PPP machine: LCP, then (bypassing auth, since
// authentication already happened over HTTPS) straight to IPCP/IPV6CP,
// then keepalives, then termination. One Machine per session; not safe for
// concurrent use, matching a single-threaded event loop ownership model.
type Machine struct {
	logger model.Logger
	cfg    Config

	phase Phase

	lcp    *Automaton
	lcpNeg *LCPNegotiator

	ipcp    *Automaton
	ipcpNeg *IPCPNegotiator

	ipv6cp    *Automaton
	ipv6cpNeg *IPV6CPNegotiator

	echoMagic        uint32
	missedEchoes     int
	nextEchoDeadline time.Time
	echoArmed        bool
}

// NewMachine builds a Machine from cfg. Call Open to begin negotiation.
func NewMachine(cfg Config, logger model.Logger) *Machine {
	if logger == nil {
		logger = model.NopLogger{}
	}
	if cfg.RestartTimer == 0 {
		cfg.RestartTimer = 3 * time.Second
	}
	if cfg.MaxConfigure == 0 {
		cfg.MaxConfigure = 10
	}

	lcpNeg := NewLCPNegotiator(cfg.LCP)
	ipcpNeg := NewIPCPNegotiator(cfg.IPCP)
	ipv6cpNeg := NewIPV6CPNegotiator(cfg.IPV6CP)

	return &Machine{
		logger:    logger,
		cfg:       cfg,
		phase:     PhaseDead,
		lcp:       NewAutomaton(lcpNeg, cfg.RestartTimer, cfg.MaxConfigure, logger),
		lcpNeg:    lcpNeg,
		ipcp:      NewAutomaton(ipcpNeg, cfg.RestartTimer, cfg.MaxConfigure, logger),
		ipcpNeg:   ipcpNeg,
		ipv6cp:    NewAutomaton(ipv6cpNeg, cfg.RestartTimer, cfg.MaxConfigure, logger),
		ipv6cpNeg: ipv6cpNeg,
		echoMagic: cfg.LCP.MagicNumber,
	}
}

func (m *Machine) Phase() Phase { return m.phase }

// NegotiatedIPv4Addr returns the address IPCP settled on, once Opened.
// Before then it returns the configured proposal (IPCPConfig.Address).
func (m *Machine) NegotiatedIPv4Addr() net.IP { return m.ipcpNeg.NegotiatedAddress }

// NegotiatedIPv6IfaceID returns the interface identifier IPV6CP accepted
// from the peer. It is the zero value until a peer Configure-Request
// carrying one has been evaluated, and always when IPv6 is disabled.
func (m *Machine) NegotiatedIPv6IfaceID() [8]byte { return m.ipv6cpNeg.PeerInterfaceID }

// Open begins LCP negotiation: Dead -> Establish.
func (m *Machine) Open(now time.Time) []Frame {
	if m.phase != PhaseDead {
		return nil
	}
	m.phase = PhaseEstablish
	m.logger.Infof("ppp: phase -> %s", m.phase)
	return m.lcp.Open(now)
}

// Close begins graceful termination: sends LCP Terminate-Request with a
// 2-second Terminate-Ack deadline, closing IPCP/IPV6CP first if they're
// still up.
func (m *Machine) Close(now time.Time) []Frame {
	if m.phase == PhaseDead || m.phase == PhaseTerminate {
		return nil
	}
	m.phase = PhaseTerminate
	m.echoArmed = false
	m.logger.Infof("ppp: phase -> %s", m.phase)

	var frames []Frame
	if inProgress(m.ipcp.State()) {
		frames = append(frames, m.ipcp.Close(now)...)
	}
	if m.cfg.EnableIPv6 && inProgress(m.ipv6cp.State()) {
		frames = append(frames, m.ipv6cp.Close(now)...)
	}
	frames = append(frames, m.lcp.Close(now)...)
	return frames
}

func inProgress(s SubState) bool {
	switch s {
	case StateOpened, StateReqSent, StateAckSent, StateAckReceived, StateStarting:
		return true
	default:
		return false
	}
}

// HandleFrame dispatches one received (protocol, payload) pair to the
// matching sub-automaton and advances phase/keepalive state accordingly.
func (m *Machine) HandleFrame(now time.Time, protocol uint16, payload []byte) ([]Frame, []Event) {
	code, id, data, err := DecodePacket(payload)
	if err != nil {
		return nil, nil
	}

	var frames []Frame
	switch protocol {
	case ProtoLCP:
		if code == CodeEchoReply {
			m.missedEchoes = 0
			break
		}
		frames = m.lcp.HandleFrame(now, code, id, data)
	case ProtoIPCP:
		frames = m.ipcp.HandleFrame(now, code, id, data)
	case ProtoIPV6CP:
		if m.cfg.EnableIPv6 {
			frames = m.ipv6cp.HandleFrame(now, code, id, data)
		}
	default:
		return nil, nil
	}

	more, events := m.advance(now)
	return append(frames, more...), events
}

// HandleTimeout is called once NextDeadline has passed; it retransmits or
// escalates whichever sub-automaton (or keepalive) timer fired.
func (m *Machine) HandleTimeout(now time.Time) ([]Frame, []Event) {
	var frames []Frame
	frames = append(frames, m.lcp.HandleTimeout(now)...)
	frames = append(frames, m.ipcp.HandleTimeout(now)...)
	if m.cfg.EnableIPv6 {
		frames = append(frames, m.ipv6cp.HandleTimeout(now)...)
	}

	if m.echoArmed && !now.Before(m.nextEchoDeadline) {
		m.missedEchoes++
		if m.missedEchoes > m.cfg.DPDFailCount {
			m.echoArmed = false
			closeFrames := m.Close(now)
			frames = append(frames, closeFrames...)
			return frames, []Event{{Kind: EventPPPTimeout}}
		}
		frames = append(frames, m.lcp.SendEcho(u32(m.echoMagic)))
		m.nextEchoDeadline = now.Add(m.cfg.DPDInterval)
	}

	more, events := m.advance(now)
	return append(frames, more...), events
}

// NextDeadline returns the earliest pending timer across LCP/IPCP/IPV6CP
// and the keepalive ticker.
func (m *Machine) NextDeadline() (time.Time, bool) {
	var (
		best time.Time
		ok   bool
	)
	consider := func(t time.Time, has bool) {
		if !has {
			return
		}
		if !ok || t.Before(best) {
			best, ok = t, true
		}
	}
	consider(m.lcp.NextDeadline())
	consider(m.ipcp.NextDeadline())
	if m.cfg.EnableIPv6 {
		consider(m.ipv6cp.NextDeadline())
	}
	consider(m.nextEchoDeadline, m.echoArmed)
	return best, ok
}

// advance checks whether phase transitions are due given the current
// sub-automaton states, returning any frames/events produced by the
// transition itself (opening IPCP/IPV6CP, arming keepalives, etc).
func (m *Machine) advance(now time.Time) ([]Frame, []Event) {
	var frames []Frame
	var events []Event

	switch m.phase {
	case PhaseEstablish:
		if m.lcp.State() == StateOpened {
			m.phase = PhaseAuthBypass
			m.logger.Infof("ppp: phase -> %s", m.phase)
			// Authentication already happened over HTTPS; proceed straight to
			// network layer negotiation.
			m.phase = PhaseNetwork
			m.logger.Infof("ppp: phase -> %s", m.phase)
			frames = append(frames, m.ipcp.Open(now)...)
			if m.cfg.EnableIPv6 {
				frames = append(frames, m.ipv6cp.Open(now)...)
			}
		} else if m.lcp.State() == StateStopped {
			events = append(events, Event{Kind: EventPPPTimeout})
			m.phase = PhaseDead
		}
	case PhaseNetwork:
		ipcpReady := m.ipcp.State() == StateOpened
		ipv6cpReady := !m.cfg.EnableIPv6 || m.ipv6cp.State() == StateOpened
		if ipcpReady && ipv6cpReady {
			m.phase = PhaseOpen
			m.logger.Infof("ppp: phase -> %s", m.phase)
			m.armKeepalive(now)
			events = append(events, Event{
				Kind:        EventNetworkUp,
				IPv4Addr:    m.ipcpNeg.NegotiatedAddress,
				IPv6IfaceID: m.ipv6cpNeg.PeerInterfaceID,
				IPv6Enabled: m.cfg.EnableIPv6,
			})
		} else if m.ipcp.State() == StateStopped || (m.cfg.EnableIPv6 && m.ipv6cp.State() == StateStopped) {
			events = append(events, Event{Kind: EventPPPTimeout})
			m.phase = PhaseDead
		}
	case PhaseTerminate:
		if m.lcp.State() == StateClosed {
			m.phase = PhaseDead
			m.echoArmed = false
			m.logger.Infof("ppp: phase -> %s", m.phase)
			events = append(events, Event{Kind: EventClosed})
		}
	}
	return frames, events
}

func (m *Machine) armKeepalive(now time.Time) {
	if m.cfg.DPDInterval <= 0 {
		return
	}
	m.echoArmed = true
	m.missedEchoes = 0
	m.nextEchoDeadline = now.Add(m.cfg.DPDInterval)
}
