package ppp

import (
	"testing"
	"time"
)

func TestLCPOpensAgainstConformantPeer(t *testing.T) {
	neg := NewLCPNegotiator(LCPConfig{MRU: 1500, ACCM: 0, MagicNumber: 0x1234})
	a := NewAutomaton(neg, 3*time.Second, 10, nil)

	now := time.Unix(0, 0)
	frames := a.Open(now)
	if len(frames) != 1 {
		t.Fatalf("expected 1 configure-request, got %d", len(frames))
	}
	if a.State() != StateReqSent {
		t.Fatalf("state = %s, want Req-Sent", a.State())
	}

	// peer acks our request and sends its own (empty) configure-request.
	_, id, data, _ := DecodePacket(frames[0].Payload)
	ack := EncodePacket(CodeConfigureAck, id, data)
	peerReq := EncodePacket(CodeConfigureRequest, 7, nil)

	a.HandleFrame(now, CodeConfigureAck, id, mustOptions(ack))
	if a.State() != StateAckReceived {
		t.Fatalf("state = %s, want Ack-Received", a.State())
	}

	code, pid, pdata, _ := DecodePacket(peerReq)
	out := a.HandleFrame(now, code, pid, pdata)
	if len(out) != 1 {
		t.Fatalf("expected 1 configure-ack reply, got %d", len(out))
	}
	if a.State() != StateOpened {
		t.Fatalf("state = %s, want Opened", a.State())
	}
}

func TestLCPGivesUpAfterMaxConfigure(t *testing.T) {
	neg := NewLCPNegotiator(LCPConfig{MRU: 1500, MagicNumber: 1})
	a := NewAutomaton(neg, 1*time.Second, 3, nil)

	now := time.Unix(0, 0)
	a.Open(now)
	if a.State() != StateReqSent {
		t.Fatalf("state = %s, want Req-Sent", a.State())
	}

	// the peer never responds; drive HandleTimeout past each backoff
	// deadline until the automaton gives up.
	for i := 0; i < 10 && a.State() != StateStopped; i++ {
		deadline, ok := a.NextDeadline()
		if !ok {
			t.Fatalf("expected a pending timer while in %s", a.State())
		}
		now = deadline.Add(time.Millisecond)
		a.HandleTimeout(now)
	}
	if a.State() != StateStopped {
		t.Fatalf("state = %s, want Stopped after max-configure retries", a.State())
	}
}

func mustOptions(packet []byte) []byte {
	_, _, data, err := DecodePacket(packet)
	if err != nil {
		panic(err)
	}
	return data
}
