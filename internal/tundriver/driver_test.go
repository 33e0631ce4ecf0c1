package tundriver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Mareel-io/openconnect/internal/ppp"
	"github.com/Mareel-io/openconnect/internal/transport"
	"github.com/Mareel-io/openconnect/pkg/config"
)

type fakeRawTun struct {
	name     string
	inbound  [][]byte
	written  [][]byte
	closed   bool
	readable chan struct{}
	writable chan struct{}
}

func newFakeRawTun(name string) *fakeRawTun {
	return &fakeRawTun{name: name, readable: make(chan struct{}, 1), writable: make(chan struct{}, 1)}
}

func (t *fakeRawTun) Name() string { return t.name }

func (t *fakeRawTun) ReadPacket() ([]byte, error) {
	if len(t.inbound) == 0 {
		return nil, nil
	}
	p := t.inbound[0]
	t.inbound = t.inbound[1:]
	return p, nil
}

func (t *fakeRawTun) WritePacket(b []byte) error {
	t.written = append(t.written, append([]byte{}, b...))
	return nil
}

func (t *fakeRawTun) Readable() <-chan struct{} { return t.readable }
func (t *fakeRawTun) Writable() <-chan struct{} { return t.writable }
func (t *fakeRawTun) Close() error              { t.closed = true; return nil }

var _ RawTun = (*fakeRawTun)(nil)

func testConfig(helperPath string, tc config.TunnelConfig) *config.Config {
	return config.NewConfig(config.DialectA, "vpn.example.com", 443, []byte("cookie"),
		config.WithHelperPath(helperPath),
		config.WithTunnelConfig(tc),
	)
}

func TestBuildEnvDefaultRouteWhenNoSplitIncludes(t *testing.T) {
	tc := config.TunnelConfig{
		IPv4Address: net.IPv4(10, 0, 0, 2),
	}
	cfg := testConfig("/bin/true", tc)
	raw := newFakeRawTun("tun0")
	d := New(cfg, raw, nil)

	env := d.buildEnv("connect", ppp.Event{IPv4Addr: net.IPv4(10, 0, 0, 2)})

	want := map[string]bool{
		"reason=connect":                false,
		"VPNGATEWAY=vpn.example.com":    false,
		"TUNDEV=tun0":                   false,
		"INTERNAL_IP4_ADDRESS=10.0.0.2": false,
		"INTERNAL_IP4_NETMASK=0.0.0.0":  false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, found := range want {
		if !found {
			t.Errorf("expected env to contain %q, got %v", kv, env)
		}
	}
}

func TestBuildEnvWithSplitIncludesAndBanner(t *testing.T) {
	_, n1, _ := net.ParseCIDR("192.168.1.0/24")
	tc := config.TunnelConfig{
		IPv4Address:   net.IPv4(10, 0, 0, 2),
		DNSServers:    []net.IP{net.IPv4(8, 8, 8, 8)},
		SearchDomains: []string{"corp.example.com"},
		SplitIncludes: []config.SplitRoute{{Net: *n1}},
		IdleTimeout:   30 * time.Minute,
		Banner:        "welcome",
	}
	cfg := testConfig("/bin/true", tc)
	d := New(cfg, newFakeRawTun("tun0"), nil)

	env := d.buildEnv("connect", ppp.Event{})
	joined := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				joined[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if joined["CISCO_SPLIT_INC"] != "1" {
		t.Errorf("CISCO_SPLIT_INC = %q, want 1", joined["CISCO_SPLIT_INC"])
	}
	if joined["CISCO_SPLIT_INC_0_ADDR"] != "192.168.1.0" {
		t.Errorf("CISCO_SPLIT_INC_0_ADDR = %q", joined["CISCO_SPLIT_INC_0_ADDR"])
	}
	if joined["CISCO_BANNER"] != "welcome" {
		t.Errorf("CISCO_BANNER = %q", joined["CISCO_BANNER"])
	}
	if joined["IDLE_TIMEOUT"] != "1800" {
		t.Errorf("IDLE_TIMEOUT = %q", joined["IDLE_TIMEOUT"])
	}
	if _, present := joined["INTERNAL_IP4_NETMASK"]; present {
		t.Errorf("did not expect INTERNAL_IP4_NETMASK when split-includes are present and no explicit netmask given")
	}
}

func TestOnNetworkUpInvokesHelperAndTogglesUp(t *testing.T) {
	cfg := testConfig("/usr/bin/vpnc-script", config.TunnelConfig{IPv4Address: net.IPv4(10, 0, 0, 2)})
	raw := newFakeRawTun("tun0")
	d := New(cfg, raw, nil)

	var gotName string
	var gotEnv []string
	d.runCommand = func(name string, args []string, env []string) ([]byte, error) {
		gotName = name
		gotEnv = env
		return []byte("ok"), nil
	}

	if err := d.OnNetworkUp(context.Background(), ppp.Event{IPv4Addr: net.IPv4(10, 0, 0, 2)}); err != nil {
		t.Fatalf("OnNetworkUp: %v", err)
	}
	if gotName != "/usr/bin/vpnc-script" {
		t.Errorf("helper path = %q", gotName)
	}
	foundReason := false
	for _, kv := range gotEnv {
		if kv == "reason=connect" {
			foundReason = true
		}
	}
	if !foundReason {
		t.Error("expected reason=connect in helper env")
	}
	if !d.up {
		t.Error("expected driver to record interface as up")
	}

	// calling again is a no-op: helper not invoked twice.
	gotName = ""
	if err := d.OnNetworkUp(context.Background(), ppp.Event{}); err != nil {
		t.Fatalf("second OnNetworkUp: %v", err)
	}
	if gotName != "" {
		t.Error("expected no helper invocation on redundant OnNetworkUp")
	}
}

func TestOnNetworkDownInvokesHelperWithDisconnect(t *testing.T) {
	cfg := testConfig("/usr/bin/vpnc-script", config.TunnelConfig{})
	d := New(cfg, newFakeRawTun("tun0"), nil)
	d.up = true

	var gotEnv []string
	d.runCommand = func(name string, args []string, env []string) ([]byte, error) {
		gotEnv = env
		return nil, nil
	}

	if err := d.OnNetworkDown(context.Background()); err != nil {
		t.Fatalf("OnNetworkDown: %v", err)
	}
	found := false
	for _, kv := range gotEnv {
		if kv == "reason=disconnect" {
			found = true
		}
	}
	if !found {
		t.Error("expected reason=disconnect in helper env")
	}
	if d.up {
		t.Error("expected driver to record interface as down")
	}
}

func TestInvokeHelperNonZeroExitIsFatal(t *testing.T) {
	cfg := testConfig("/usr/bin/vpnc-script", config.TunnelConfig{})
	d := New(cfg, newFakeRawTun("tun0"), nil)
	d.runCommand = func(name string, args []string, env []string) ([]byte, error) {
		return []byte("interface busy"), errors.New("exit status 1")
	}

	err := d.OnNetworkUp(context.Background(), ppp.Event{})
	if !errors.Is(err, ErrHelperFailed) {
		t.Fatalf("err = %v, want ErrHelperFailed", err)
	}
}

func TestInvokeHelperSkippedWhenNoHelperConfigured(t *testing.T) {
	cfg := testConfig("", config.TunnelConfig{})
	d := New(cfg, newFakeRawTun("tun0"), nil)
	d.runCommand = func(name string, args []string, env []string) ([]byte, error) {
		t.Fatal("helper should not be invoked when HelperPath is empty")
		return nil, nil
	}
	if err := d.OnNetworkUp(context.Background(), ppp.Event{}); err != nil {
		t.Fatalf("OnNetworkUp: %v", err)
	}
}

func TestSendWritesToRawTun(t *testing.T) {
	raw := newFakeRawTun("tun0")
	d := New(testConfig("", config.TunnelConfig{}), raw, nil)

	payload := []byte{0x45, 0x00, 0x00, 0x14}
	if err := d.Send(ppp.ProtoIPv4, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(raw.written) != 1 {
		t.Fatalf("expected one packet written to raw tun, got %d", len(raw.written))
	}

	if err := d.Send(0x1234, payload); err == nil {
		t.Error("expected error for unexpected protocol")
	}
}

func TestTryRecvDetectsIPVersion(t *testing.T) {
	raw := newFakeRawTun("tun0")
	raw.inbound = [][]byte{
		{0x45, 0x00, 0x00, 0x14},
		{0x60, 0x00, 0x00, 0x00},
	}
	d := New(testConfig("", config.TunnelConfig{}), raw, nil)

	proto, payload, err := d.TryRecv()
	if err != nil || proto != ppp.ProtoIPv4 || payload == nil {
		t.Fatalf("first packet: proto=%#x payload=%v err=%v", proto, payload, err)
	}
	proto, payload, err = d.TryRecv()
	if err != nil || proto != ppp.ProtoIPv6 || payload == nil {
		t.Fatalf("second packet: proto=%#x payload=%v err=%v", proto, payload, err)
	}
	_, payload, err = d.TryRecv()
	if !errors.Is(err, transport.ErrWouldBlock) || payload != nil {
		t.Fatalf("expected ErrWouldBlock when no packet available, got payload=%v err=%v", payload, err)
	}
}

func TestTryRecvFragmentsPacketsOverTheTunnelMTU(t *testing.T) {
	big := buildIPv4Packet(t, 3000, false)
	raw := newFakeRawTun("tun0")
	raw.inbound = [][]byte{big}
	cfg := testConfig("", config.TunnelConfig{MTU: 1400})
	d := New(cfg, raw, nil)

	var total int
	for {
		proto, payload, err := d.TryRecv()
		if errors.Is(err, transport.ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("TryRecv: %v", err)
		}
		if proto != ppp.ProtoIPv4 {
			t.Fatalf("proto = %#x, want ProtoIPv4", proto)
		}
		if len(payload) > 1400 {
			t.Errorf("fragment exceeds mtu: %d bytes", len(payload))
		}
		total++
	}
	if total < 2 {
		t.Fatalf("expected the oversized packet to be split into multiple TryRecv calls, got %d", total)
	}
}

func TestCloseClosesRawTun(t *testing.T) {
	raw := newFakeRawTun("tun0")
	d := New(testConfig("", config.TunnelConfig{}), raw, nil)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !raw.closed {
		t.Error("expected raw tun to be closed")
	}
}
