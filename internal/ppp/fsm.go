package ppp

import (
	"time"

	"github.com/Mareel-io/openconnect/internal/model"
)

// SubState is a per-protocol state per RFC 1661 §4.
type SubState int

const (
	StateClosed SubState = iota
	StateStarting
	StateReqSent
	StateAckReceived
	StateAckSent
	StateOpened
	StateTerminating
	StateStopped // not an RFC 1661 state name; this machine's terminal give-up state
)

func (s SubState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateStarting:
		return "Starting"
	case StateReqSent:
		return "Req-Sent"
	case StateAckReceived:
		return "Ack-Received"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	case StateTerminating:
		return "Terminating"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Frame is an outbound control frame the caller must hand to the framer.
type Frame struct {
	Protocol uint16
	Payload  []byte
}

// Negotiator is the per-protocol option logic plumbed into the generic
// automaton: LCP, IPCP and IPV6CP each implement this.
type Negotiator interface {
	Protocol() uint16

	// BuildConfigureRequest returns the options we propose.
	BuildConfigureRequest() []Option

	// Evaluate splits the peer's Configure-Request options into the subset
	// we ack, the subset we nak (with our counter-proposal substituted),
	// and the subset we reject outright (unknown to us).
	Evaluate(peerOpts []Option) (ack, nak, reject []Option)

	// ApplyAck records that the peer acked the options we last sent.
	ApplyAck(ours []Option)

	// ApplyPeerAck records the options we told the peer we accept, once
	// we've sent our own Configure-Ack for their request.
	ApplyPeerAck(accepted []Option)
}

const maxBackoffShift = 4 // cap backoff at 16x restart timer

// Automaton drives one protocol's RFC 1661 negotiation. It is pure/
// synchronous: every call returns the frames to send and never blocks,
// fitting a single-threaded cooperative event loop.
type Automaton struct {
	negotiator   Negotiator
	logger       model.Logger
	restartTimer time.Duration
	maxConfigure int

	state      SubState
	identifier byte
	attempt    int
	lastSent   []Option
	deadline   time.Time
	hasTimer   bool
}

// NewAutomaton builds an Automaton for negotiator, sending at most
// maxConfigure unanswered Configure-Requests (the first one plus
// retransmissions) with exponential backoff starting at restartTimer.
func NewAutomaton(negotiator Negotiator, restartTimer time.Duration, maxConfigure int, logger model.Logger) *Automaton {
	if logger == nil {
		logger = model.NopLogger{}
	}
	return &Automaton{
		negotiator:   negotiator,
		logger:       logger,
		restartTimer: restartTimer,
		maxConfigure: maxConfigure,
		state:        StateClosed,
	}
}

func (a *Automaton) State() SubState { return a.state }

func (a *Automaton) setState(now time.Time, next SubState) {
	if next == a.state {
		return
	}
	a.logger.Debugf("ppp: %s %s -> %s", protoName(a.negotiator.Protocol()), a.state, next)
	a.state = next
}

// Open starts (or restarts) negotiation: Closed -> Starting -> Req-Sent,
// immediately sending a Configure-Request.
func (a *Automaton) Open(now time.Time) []Frame {
	if a.state != StateClosed && a.state != StateStopped {
		return nil
	}
	a.setState(now, StateStarting)
	a.attempt = 0
	frame := a.sendConfigureRequest(now)
	a.setState(now, StateReqSent)
	return []Frame{frame}
}

// Close begins termination: any state -> Terminating, sending a
// Terminate-Request with a 2-second Terminate-Ack deadline.
func (a *Automaton) Close(now time.Time) []Frame {
	if a.state == StateClosed || a.state == StateTerminating {
		return nil
	}
	a.setState(now, StateTerminating)
	a.identifier++
	a.deadline = now.Add(2 * time.Second)
	a.hasTimer = true
	return []Frame{{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeTerminateRequest, a.identifier, nil)}}
}

func (a *Automaton) sendConfigureRequest(now time.Time) Frame {
	a.identifier++
	a.lastSent = a.negotiator.BuildConfigureRequest()
	a.deadline = now.Add(backoff(a.restartTimer, a.attempt))
	a.hasTimer = true
	return Frame{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeConfigureRequest, a.identifier, EncodeOptions(a.lastSent))}
}

func backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}

// NextDeadline reports the next time HandleTimeout should be called, if any.
func (a *Automaton) NextDeadline() (time.Time, bool) {
	return a.deadline, a.hasTimer
}

// HandleTimeout is called when NextDeadline has passed. During negotiation
// it retransmits the last Configure-Request with exponential backoff up to
// maxConfigure attempts, after which the automaton gives up and transitions
// to Stopped. In Terminating it moves to Closed without retransmitting the
// Terminate-Request.
func (a *Automaton) HandleTimeout(now time.Time) []Frame {
	if !a.hasTimer || now.Before(a.deadline) {
		return nil
	}
	switch a.state {
	case StateTerminating:
		a.hasTimer = false
		a.setState(now, StateClosed)
		return nil
	case StateReqSent, StateAckReceived, StateAckSent:
		a.attempt++
		if a.attempt >= a.maxConfigure {
			a.hasTimer = false
			a.setState(now, StateStopped)
			return nil
		}
		return []Frame{a.sendConfigureRequest(now)}
	default:
		a.hasTimer = false
		return nil
	}
}

// HandleFrame processes one inbound control packet for this protocol.
func (a *Automaton) HandleFrame(now time.Time, code Code, id byte, data []byte) []Frame {
	switch code {
	case CodeConfigureRequest:
		return a.onConfigureRequest(now, id, data)
	case CodeConfigureAck:
		return a.onConfigureAck(now, id, data)
	case CodeConfigureNak, CodeConfigureReject:
		return a.onConfigureNakOrReject(now, id, data)
	case CodeTerminateRequest:
		a.identifier = id
		a.hasTimer = false
		reply := EncodePacket(CodeTerminateAck, id, nil)
		a.setState(now, StateClosed)
		return []Frame{{Protocol: a.negotiator.Protocol(), Payload: reply}}
	case CodeTerminateAck:
		if a.state == StateTerminating {
			a.hasTimer = false
			a.setState(now, StateClosed)
		}
		return nil
	case CodeEchoRequest:
		return []Frame{{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeEchoReply, id, data)}}
	default:
		return []Frame{{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeCodeReject, a.nextID(), append([]byte{byte(code)}, data...))}}
	}
}

// SendEcho builds an Echo-Request with the given magic-number payload. Only
// meaningful once the protocol is Opened; callers (the keepalive ticker in
// Machine) are responsible for cadence and miss counting.
func (a *Automaton) SendEcho(data []byte) Frame {
	return Frame{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeEchoRequest, a.nextID(), data)}
}

func (a *Automaton) nextID() byte {
	a.identifier++
	return a.identifier
}

func (a *Automaton) onConfigureRequest(now time.Time, id byte, data []byte) []Frame {
	peerOpts, err := DecodeOptions(data)
	if err != nil {
		return nil
	}
	ack, nak, reject := a.negotiator.Evaluate(peerOpts)

	var frames []Frame
	switch {
	case len(reject) > 0:
		frames = append(frames, Frame{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeConfigureReject, id, EncodeOptions(reject))})
	case len(nak) > 0:
		frames = append(frames, Frame{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeConfigureNak, id, EncodeOptions(nak))})
	default:
		a.negotiator.ApplyPeerAck(ack)
		frames = append(frames, Frame{Protocol: a.negotiator.Protocol(), Payload: EncodePacket(CodeConfigureAck, id, EncodeOptions(ack))})
		switch a.state {
		case StateClosed, StateStopped:
			// peer-initiated; RFC 1661 would send Terminate-Ack here, but we
			// never accept a peer-initiated negotiation outside Starting.
			return nil
		case StateReqSent:
			a.setState(now, StateAckSent)
		case StateAckReceived:
			a.setState(now, StateOpened)
			a.hasTimer = false
		}
	}
	return frames
}

func (a *Automaton) onConfigureAck(now time.Time, id byte, data []byte) []Frame {
	if id != a.identifier {
		return nil // stale ack
	}
	opts, err := DecodeOptions(data)
	if err != nil {
		return nil
	}
	a.negotiator.ApplyAck(opts)
	switch a.state {
	case StateReqSent:
		a.setState(now, StateAckReceived)
		a.deadline = now.Add(backoff(a.restartTimer, a.attempt))
	case StateAckSent:
		a.setState(now, StateOpened)
		a.hasTimer = false
	}
	return nil
}

func (a *Automaton) onConfigureNakOrReject(now time.Time, id byte, data []byte) []Frame {
	if id != a.identifier {
		return nil
	}
	switch a.state {
	case StateReqSent, StateAckReceived, StateAckSent:
		a.attempt = 0 // a substantive reply resets the retry budget
		return []Frame{a.sendConfigureRequest(now)}
	}
	return nil
}

func protoName(p uint16) string {
	switch p {
	case ProtoLCP:
		return "lcp"
	case ProtoIPCP:
		return "ipcp"
	case ProtoIPV6CP:
		return "ipv6cp"
	default:
		return "unknown"
	}
}
