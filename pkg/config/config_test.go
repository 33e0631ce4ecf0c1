package config

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Mareel-io/openconnect/internal/espcrypto"
	"github.com/Mareel-io/openconnect/internal/model"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"))

	if c.Logger == nil {
		t.Error("logger should not be nil")
	}
	if c.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", c.DialTimeout)
	}
	if c.DatagramHandshakeTag != "GFtype\x00" {
		t.Errorf("DialectA should default to the GFtype tag, got %q", c.DatagramHandshakeTag)
	}
	if len(c.StreamTunnelRequest) == 0 {
		t.Error("expected a synthesized stream tunnel request")
	}
}

func TestNewConfigWithOptions(t *testing.T) {
	testLogger := model.NewTestLogger()
	tc := TunnelConfig{IPv4Address: net.IPv4(10, 0, 0, 2)}

	c := NewConfig(DialectB, "vpn.example.com", 443, []byte("cookie"),
		WithLogger(testLogger),
		WithTunnelConfig(tc),
		WithHelperPath("/usr/bin/vpnc-script"),
		WithDatagramHandshakeTag("XYtype\x00"),
	)

	if c.Logger != testLogger {
		t.Error("expected logger to be set to the configured one")
	}
	if diff := cmp.Diff(c.Tunnel, tc); diff != "" {
		t.Error(diff)
	}
	if c.HelperPath != "/usr/bin/vpnc-script" {
		t.Errorf("HelperPath = %q", c.HelperPath)
	}
	if c.DatagramHandshakeTag != "XYtype\x00" {
		t.Errorf("DatagramHandshakeTag = %q", c.DatagramHandshakeTag)
	}
}

func TestWithStreamTunnelRequestOverridesDefault(t *testing.T) {
	req := []byte("GET /vpn HTTP/1.1\r\n\r\n")
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"), WithStreamTunnelRequest(req))
	if diff := cmp.Diff(c.StreamTunnelRequest, req); diff != "" {
		t.Error(diff)
	}
}

func TestDefaultStreamTunnelRequestEmbedsCookie(t *testing.T) {
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("s3cr3t"))
	if !containsBytes(c.StreamTunnelRequest, []byte("SVPNCOOKIE=s3cr3t")) {
		t.Errorf("expected synthesized request to embed the cookie, got %q", c.StreamTunnelRequest)
	}
	if !containsBytes(c.StreamTunnelRequest, []byte("Host: vpn.example.com")) {
		t.Errorf("expected synthesized request to carry the server host, got %q", c.StreamTunnelRequest)
	}
}

func TestValidateRejectsEmptyCookie(t *testing.T) {
	c := NewConfig(DialectA, "vpn.example.com", 443, nil)
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an empty cookie")
	}
}

func TestValidateRejectsOversizedCookie(t *testing.T) {
	c := NewConfig(DialectA, "vpn.example.com", 443, make([]byte, MaxCookieBytes+1))
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an oversized cookie")
	}
}

func TestValidateRejectsUnknownDialect(t *testing.T) {
	c := NewConfig(Dialect("not-a-real-dialect"), "vpn.example.com", 443, []byte("cookie"))
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unknown dialect")
	}
}

func TestValidateRejectsNegativeMTU(t *testing.T) {
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"),
		WithTunnelConfig(TunnelConfig{MTU: -1}))
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a negative MTU")
	}
}

func TestValidateRejectsTooManyDNSServers(t *testing.T) {
	tc := TunnelConfig{DNSServers: []net.IP{
		net.IPv4(8, 8, 8, 8), net.IPv4(8, 8, 4, 4), net.IPv4(1, 1, 1, 1), net.IPv4(9, 9, 9, 9),
	}}
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"), WithTunnelConfig(tc))
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for more than 3 dns servers")
	}
}

func TestValidateAcceptsWellFormedDatagramCrypto(t *testing.T) {
	dc := &DatagramCrypto{
		SPI:         1,
		Enc:         EncCBCAES128,
		MAC:         MACHMACSHA1,
		OutboundKey: make([]byte, 36),
		InboundKey:  make([]byte, 36),
	}
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"),
		WithTunnelConfig(TunnelConfig{Datagram: dc}))
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsDatagramCryptoWithUnsupportedSuite(t *testing.T) {
	dc := &DatagramCrypto{
		SPI:         1,
		Enc:         EncSuite("rot13"),
		MAC:         MACHMACSHA1,
		OutboundKey: make([]byte, 36),
		InboundKey:  make([]byte, 36),
	}
	c := NewConfig(DialectA, "vpn.example.com", 443, []byte("cookie"),
		WithTunnelConfig(TunnelConfig{Datagram: dc}))
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unsupported encryption suite")
	}
}

func TestDatagramCryptoValidateRejectsZeroSPI(t *testing.T) {
	dc := &DatagramCrypto{OutboundKey: []byte{1}, InboundKey: []byte{1}}
	if err := dc.Validate(); err == nil {
		t.Fatal("expected an error for a zero SPI")
	}
}

func TestDatagramCryptoValidateRejectsEmptyKeys(t *testing.T) {
	dc := &DatagramCrypto{SPI: 1}
	if err := dc.Validate(); err == nil {
		t.Fatal("expected an error for empty key material")
	}
}

func TestDatagramCryptoKeyMaterialSplitsCipherAndMACKeys(t *testing.T) {
	blob := make([]byte, 36) // 16-byte AES-128 key + 20-byte HMAC-SHA1 key
	for i := range blob {
		blob[i] = byte(i)
	}
	dc := &DatagramCrypto{
		Enc:         EncCBCAES128,
		OutboundKey: blob,
		OutboundIV:  [16]byte{1, 2, 3},
	}
	km, err := dc.OutboundKeyMaterial()
	if err != nil {
		t.Fatalf("OutboundKeyMaterial: %v", err)
	}
	if diff := cmp.Diff(km.CipherKey, blob[:16], cmpopts.EquateEmpty()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(km.MACKey, blob[16:], cmpopts.EquateEmpty()); diff != "" {
		t.Error(diff)
	}
	if km.IV != dc.OutboundIV {
		t.Errorf("IV = %v, want %v", km.IV, dc.OutboundIV)
	}
}

func TestEncSuiteToEspcryptoMapsKnownSuites(t *testing.T) {
	cases := []struct {
		in   EncSuite
		want espcrypto.EncAlgorithm
	}{
		{EncCBCAES128, espcrypto.EncAES128CBC},
		{EncCBCAES256, espcrypto.EncAES256CBC},
	}
	for _, tc := range cases {
		got, err := tc.in.ToEspcrypto()
		if err != nil {
			t.Fatalf("%v: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("%v: got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMACSuiteToEspcryptoRejectsUnknownSuite(t *testing.T) {
	if _, err := MACSuite("hmac-whirlpool").ToEspcrypto(); err == nil {
		t.Fatal("expected an error for an unknown mac suite")
	}
}

func containsBytes(haystack, needle []byte) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
