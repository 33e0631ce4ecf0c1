package session

import (
	"net"
	"testing"
	"time"

	"github.com/Mareel-io/openconnect/pkg/config"
)

func testConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	return config.NewConfig(config.DialectA, "vpn.example.com", 443, []byte("cookie-value"), opts...)
}

func TestPPPConfigFromDefaults(t *testing.T) {
	cfg := testConfig(t)
	pc := pppConfigFrom(cfg)

	if pc.LCP.MRU != 1500 {
		t.Fatalf("expected default MRU 1500, got %d", pc.LCP.MRU)
	}
	if pc.LCP.MagicNumber != magicNumber() {
		t.Fatalf("expected fixed magic number, got %#x", pc.LCP.MagicNumber)
	}
	if pc.DPDInterval != 30*time.Second {
		t.Fatalf("expected default DPD interval of 30s, got %s", pc.DPDInterval)
	}
	if pc.EnableIPv6 {
		t.Fatalf("expected IPv6 disabled when Tunnel.IPv6Address is nil")
	}
	if !pc.IPCP.Address.Equal(net.IPv4zero) {
		t.Fatalf("expected zero IPv4 address fallback, got %v", pc.IPCP.Address)
	}
}

func TestPPPConfigFromHonorsTunnelConfig(t *testing.T) {
	cfg := testConfig(t, config.WithTunnelConfig(config.TunnelConfig{
		IPv4Address: net.ParseIP("10.0.0.5"),
		IPv6Address: net.ParseIP("fd00::1"),
		DNSServers:  []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("8.8.4.4")},
		MTU:         1300,
		DPDInterval: 10 * time.Second,
	}))
	pc := pppConfigFrom(cfg)

	if pc.LCP.MRU != 1300 {
		t.Fatalf("expected MRU 1300, got %d", pc.LCP.MRU)
	}
	if !pc.IPCP.Address.Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("expected negotiated IPv4 address, got %v", pc.IPCP.Address)
	}
	if !pc.IPCP.PrimaryDNS.Equal(net.ParseIP("8.8.8.8")) {
		t.Fatalf("expected primary DNS 8.8.8.8, got %v", pc.IPCP.PrimaryDNS)
	}
	if !pc.IPCP.SecondaryDNS.Equal(net.ParseIP("8.8.4.4")) {
		t.Fatalf("expected secondary DNS 8.8.4.4, got %v", pc.IPCP.SecondaryDNS)
	}
	if !pc.EnableIPv6 {
		t.Fatalf("expected IPv6 enabled when Tunnel.IPv6Address is set")
	}
	if pc.DPDInterval != 10*time.Second {
		t.Fatalf("expected configured DPD interval, got %s", pc.DPDInterval)
	}
}

func TestAddrOrZero(t *testing.T) {
	if got := addrOrZero(nil); !got.Equal(net.IPv4zero) {
		t.Fatalf("expected IPv4zero for nil input, got %v", got)
	}
	ip := net.ParseIP("192.168.1.1")
	if got := addrOrZero(ip); !got.Equal(ip) {
		t.Fatalf("expected passthrough for non-nil input, got %v", got)
	}
}

func TestDnsAt(t *testing.T) {
	servers := []net.IP{net.ParseIP("1.1.1.1"), net.ParseIP("1.0.0.1")}
	if got := dnsAt(servers, 0); !got.Equal(servers[0]) {
		t.Fatalf("expected first server, got %v", got)
	}
	if got := dnsAt(servers, 1); !got.Equal(servers[1]) {
		t.Fatalf("expected second server, got %v", got)
	}
	if got := dnsAt(servers, 2); got != nil {
		t.Fatalf("expected nil past the end of the list, got %v", got)
	}
}

func TestInterfaceIDFromIPv4(t *testing.T) {
	id := interfaceIDFrom(net.ParseIP("10.20.30.40"))
	want := [8]byte{0, 0, 0, 0, 10, 20, 30, 40}
	if id != want {
		t.Fatalf("expected %v, got %v", want, id)
	}
}

func TestInterfaceIDFromIPv6(t *testing.T) {
	ip := net.ParseIP("fd00::aabb:ccdd:eeff:1122")
	id := interfaceIDFrom(ip)
	want := [8]byte{}
	copy(want[:], ip.To16()[8:16])
	if id != want {
		t.Fatalf("expected %v, got %v", want, id)
	}
}

func TestInterfaceIDFromNil(t *testing.T) {
	if id := interfaceIDFrom(nil); id != ([8]byte{}) {
		t.Fatalf("expected zero value for nil input, got %v", id)
	}
}

func TestTunnelMTUDefaultsWhenUnset(t *testing.T) {
	cfg := testConfig(t)
	if got := tunnelMTU(cfg); got != 1400 {
		t.Fatalf("expected conservative default MTU 1400, got %d", got)
	}
}

func TestTunnelMTUHonorsTunnelConfig(t *testing.T) {
	cfg := testConfig(t, config.WithTunnelConfig(config.TunnelConfig{MTU: 1280}))
	if got := tunnelMTU(cfg); got != 1280 {
		t.Fatalf("expected negotiated MTU 1280, got %d", got)
	}
}

func TestBuildDatagramDialerNoneConfigured(t *testing.T) {
	cfg := testConfig(t, config.WithDatagramHandshakeTag(""))
	dialer, err := buildDatagramDialer(cfg, "vpn.example.com:443", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dialer != nil {
		t.Fatalf("expected nil dialer when neither ESP params nor a handshake tag are configured")
	}
}

func TestBuildDatagramDialerSelectsDTLSFromDefaultDialectTag(t *testing.T) {
	cfg := testConfig(t)
	if cfg.DatagramHandshakeTag == "" {
		t.Fatalf("expected DialectA's default handshake tag to be seeded")
	}
	dialer, err := buildDatagramDialer(cfg, "vpn.example.com:443", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dialer == nil {
		t.Fatalf("expected a dialer when a handshake tag is configured")
	}
}

func TestBuildDatagramDialerPrefersESPOverDTLSTag(t *testing.T) {
	cfg := testConfig(t, config.WithTunnelConfig(config.TunnelConfig{
		Datagram: &config.DatagramCrypto{
			SPI:         0xdeadbeef,
			Enc:         config.EncCBCAES128,
			MAC:         config.MACHMACSHA1,
			OutboundKey: make([]byte, 36),
			InboundKey:  make([]byte, 36),
		},
	}))
	dialer, err := buildDatagramDialer(cfg, "vpn.example.com:443", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dialer == nil {
		t.Fatalf("expected an ESP dialer when Tunnel.Datagram is set")
	}
}

func TestBuildDatagramDialerRejectsBadSuite(t *testing.T) {
	cfg := testConfig(t, config.WithTunnelConfig(config.TunnelConfig{
		Datagram: &config.DatagramCrypto{
			SPI:         1,
			Enc:         "bogus-suite",
			MAC:         config.MACHMACSHA1,
			OutboundKey: make([]byte, 36),
			InboundKey:  make([]byte, 36),
		},
	}))
	if _, err := buildDatagramDialer(cfg, "vpn.example.com:443", nil); err == nil {
		t.Fatalf("expected an error for an unsupported encryption suite")
	}
}

func TestDefaultUTLSConfigSetsServerName(t *testing.T) {
	cfg := testConfig(t)
	utlsCfg := defaultUTLSConfig(cfg)
	if utlsCfg.ServerName != "vpn.example.com" {
		t.Fatalf("expected ServerName vpn.example.com, got %q", utlsCfg.ServerName)
	}
}

func TestSessionErrBeforeConnect(t *testing.T) {
	s := &Session{fatal: nil}
	if err := s.Err(); err != nil {
		t.Fatalf("expected no fatal error on a fresh Session, got %v", err)
	}
}
