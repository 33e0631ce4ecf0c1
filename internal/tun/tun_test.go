package tun

import (
	"errors"
	"os"
	"testing"

	"github.com/Mareel-io/openconnect/internal/tundriver"
)

var _ tundriver.RawTun = (*Device)(nil)

// TestOpenCreatesInterface exercises the real TUNSETIFF path. It requires
// CAP_NET_ADMIN (root in most CI sandboxes), so it skips rather than fails
// when that's unavailable, the same way callers without that privilege get
// a plain OS error back from Open.
func TestOpenCreatesInterface(t *testing.T) {
	dev, err := Open(1500)
	if err != nil {
		if os.IsPermission(err) || errors.Is(err, os.ErrPermission) {
			t.Skipf("tun: insufficient privilege to open /dev/net/tun: %v", err)
		}
		t.Skipf("tun: /dev/net/tun unavailable in this environment: %v", err)
	}
	defer dev.Close()

	if dev.Name() == "" {
		t.Fatalf("expected a kernel-assigned interface name")
	}

	select {
	case <-dev.Writable():
	default:
		t.Fatalf("expected the device to report writable immediately after Open")
	}
}

func TestReadPacketDoesNotBlockWhenEmpty(t *testing.T) {
	dev, err := Open(1500)
	if err != nil {
		t.Skipf("tun: /dev/net/tun unavailable in this environment: %v", err)
	}
	defer dev.Close()

	pkt, err := dev.ReadPacket()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt != nil {
		t.Fatalf("expected nil packet when nothing queued, got %v", pkt)
	}
}
