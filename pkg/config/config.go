package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Mareel-io/openconnect/internal/espcrypto"
	"github.com/Mareel-io/openconnect/internal/model"
)

// Dialect names a protocol dialect this core knows how to speak: which
// datagram-handshake envelope tag, which stream-tunnel-request shape, and
// whether a datagram path exists at all.
type Dialect string

const (
	DialectA Dialect = "DialectA" // Fortinet-shaped: GFtype clthello/svrhello, DTLS datagram.
	DialectB Dialect = "DialectB"
	DialectC Dialect = "DialectC"
	DialectD Dialect = "DialectD"
)

// EncSuite names the datagram-layer block cipher.
type EncSuite string

const (
	EncCBCAES128 EncSuite = "CBC-AES-128"
	EncCBCAES256 EncSuite = "CBC-AES-256"
)

// MACSuite names the datagram-layer HMAC.
type MACSuite string

const (
	MACHMACMD5  MACSuite = "HMAC-MD5"
	MACHMACSHA1 MACSuite = "HMAC-SHA1"
)

// ToEspcrypto maps the wire-level suite tags onto the espcrypto package's
// algorithm enums.
func (e EncSuite) ToEspcrypto() (espcrypto.EncAlgorithm, error) {
	switch e {
	case EncCBCAES128:
		return espcrypto.EncAES128CBC, nil
	case EncCBCAES256:
		return espcrypto.EncAES256CBC, nil
	default:
		return 0, fmt.Errorf("%w: unsupported encryption suite %q", ErrBadConfig, e)
	}
}

// ToEspcrypto maps the wire-level suite tag onto espcrypto's MAC enum.
func (m MACSuite) ToEspcrypto() (espcrypto.MACAlgorithm, error) {
	switch m {
	case MACHMACMD5:
		return espcrypto.MACMD5, nil
	case MACHMACSHA1:
		return espcrypto.MACSHA1, nil
	default:
		return 0, fmt.Errorf("%w: unsupported mac suite %q", ErrBadConfig, m)
	}
}

// ErrBadConfig is the generic error returned for an invalid Config value.
var ErrBadConfig = errors.New("config: bad config")

// ErrMissingDatagramParams is returned when a dialect that requires
// datagram crypto parameters doesn't have them set.
var ErrMissingDatagramParams = errors.New("config: tunnel config has no datagram crypto parameters")

// DatagramCrypto carries the pre-established SPI, suite selection and key
// material for the IPsec-like datagram encapsulation. Delivered by the
// authentication collaborator, never negotiated on the wire by this core.
type DatagramCrypto struct {
	SPI uint32

	Enc EncSuite
	MAC MACSuite

	OutboundKey []byte // cipher key (16 or 32 bytes) || mac key (16 for MD5, 20 for SHA1)
	InboundKey  []byte

	OutboundIV [16]byte
	InboundIV  [16]byte
}

// splitKeys divides a key blob into its cipher-key and mac-key parts: the
// cipher key is the first cipherKeySize bytes, the remainder is the mac
// key.
func splitKeys(blob []byte, cipherKeySize int) (cipherKey, macKey []byte, err error) {
	if len(blob) < cipherKeySize {
		return nil, nil, fmt.Errorf("%w: key material too short for suite", ErrBadConfig)
	}
	return blob[:cipherKeySize], blob[cipherKeySize:], nil
}

// Validate checks that d carries everything espcrypto needs: a nonzero SPI
// and non-empty key material in both directions. A DatagramCrypto with some
// but not all of these set almost always means the authentication
// collaborator half-populated TunnelConfig.Datagram.
func (d *DatagramCrypto) Validate() error {
	if d.SPI == 0 {
		return fmt.Errorf("%w: zero SPI", ErrMissingDatagramParams)
	}
	if len(d.OutboundKey) == 0 || len(d.InboundKey) == 0 {
		return fmt.Errorf("%w: empty key material", ErrMissingDatagramParams)
	}
	return nil
}

// espKeyMaterial builds the espcrypto.KeyMaterial for one direction.
func (d *DatagramCrypto) espKeyMaterial(blob []byte, iv [16]byte) (espcrypto.KeyMaterial, error) {
	enc, err := d.Enc.ToEspcrypto()
	if err != nil {
		return espcrypto.KeyMaterial{}, err
	}
	cipherSize := 16
	if enc == espcrypto.EncAES256CBC {
		cipherSize = 32
	}
	cipherKey, macKey, err := splitKeys(blob, cipherSize)
	if err != nil {
		return espcrypto.KeyMaterial{}, err
	}
	return espcrypto.KeyMaterial{CipherKey: cipherKey, MACKey: macKey, IV: iv}, nil
}

// OutboundKeyMaterial returns the espcrypto.KeyMaterial for the outbound
// direction.
func (d *DatagramCrypto) OutboundKeyMaterial() (espcrypto.KeyMaterial, error) {
	return d.espKeyMaterial(d.OutboundKey, d.OutboundIV)
}

// InboundKeyMaterial returns the espcrypto.KeyMaterial for the inbound
// direction.
func (d *DatagramCrypto) InboundKeyMaterial() (espcrypto.KeyMaterial, error) {
	return d.espKeyMaterial(d.InboundKey, d.InboundIV)
}

// SplitRoute is one split-include route: prefix/mask or prefix/prefixlen.
type SplitRoute struct {
	Net net.IPNet
}

// TunnelConfig is everything the authentication collaborator hands the core
// once a session cookie is established.
type TunnelConfig struct {
	IPv4Address net.IP
	IPv4Netmask net.IPMask

	IPv6Address   net.IP
	IPv6PrefixLen int

	DNSServers    []net.IP // up to 3
	SearchDomains []string

	// SplitIncludes is empty when the auth collaborator wants a default
	// route through the tunnel (absent list means default route).
	SplitIncludes     []SplitRoute
	SplitIncludesIPv6 []SplitRoute

	IdleTimeout    time.Duration
	AuthExpiration time.Time
	MTU            int
	DPDInterval    time.Duration

	// Datagram is nil for dialects/sessions with no datagram-encapsulated
	// path; the datagram transport is always optional.
	Datagram *DatagramCrypto

	// Banner is optional informational text surfaced to the user, carried
	// through as CISCO_BANNER to the helper.
	Banner string

	// SplitDNSDomains is parsed and logged but never enforced.
	SplitDNSDomains []string
}

// MaxCookieBytes is the 4 KiB bound on the session cookie.
const MaxCookieBytes = 4096

// Config bundles what a Session needs to dial and maintain a tunnel: the
// server endpoint, the dialect, the session cookie and the negotiated
// TunnelConfig, built through functional options the way
// config.NewConfig(dialect, host, port, cookie, config.WithHelperPath(...),
// config.WithLogger(...)) call sites do.
type Config struct {
	Dialect Dialect

	ServerHost string
	ServerPort int

	Cookie []byte

	Tunnel TunnelConfig

	// HelperPath is the external executable invoked on connect/disconnect.
	HelperPath string

	// StreamTunnelRequest is the dialect's opaque "start tunnel" byte blob
	// (an HTTP-like request line + headers + blank line, sent verbatim over
	// the TLS stream immediately after handshake), supplied by the
	// authentication collaborator. If nil, NewConfig synthesizes a generic
	// one embedding the cookie.
	StreamTunnelRequest []byte

	// DatagramHandshakeTag is the dialect's fixed envelope tag prefixing
	// clthello/svrhello (DialectA uses "GFtype\x00"). Required only when
	// Tunnel.Datagram is nil and a DTLS datagram path is attempted.
	DatagramHandshakeTag string

	Logger model.Logger

	DialTimeout        time.Duration
	ClientHelloTimeout time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithLogger sets the logger every subsystem is handed.
func WithLogger(l model.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithTunnelConfig sets the negotiated tunnel configuration.
func WithTunnelConfig(tc TunnelConfig) Option {
	return func(c *Config) { c.Tunnel = tc }
}

// WithHelperPath sets the external helper executable path.
func WithHelperPath(path string) Option {
	return func(c *Config) { c.HelperPath = path }
}

// WithDialTimeout overrides the stream transport's dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithClientHelloTimeout overrides the datagram handshake's reply timeout.
func WithClientHelloTimeout(d time.Duration) Option {
	return func(c *Config) { c.ClientHelloTimeout = d }
}

// WithStreamTunnelRequest sets the dialect's opaque stream "start tunnel"
// request blob verbatim.
func WithStreamTunnelRequest(req []byte) Option {
	return func(c *Config) { c.StreamTunnelRequest = req }
}

// WithDatagramHandshakeTag sets the dialect's fixed clthello/svrhello
// envelope tag.
func WithDatagramHandshakeTag(tag string) Option {
	return func(c *Config) { c.DatagramHandshakeTag = tag }
}

// defaultDatagramTags holds the one tag this core has a concrete default
// for; other dialects must supply theirs via WithDatagramHandshakeTag.
var defaultDatagramTags = map[Dialect]string{
	DialectA: "GFtype\x00",
}

// NewConfig builds a Config for dialect, talking to host:port with cookie,
// applying opts in order.
func NewConfig(dialect Dialect, host string, port int, cookie []byte, opts ...Option) *Config {
	c := &Config{
		Dialect:              dialect,
		ServerHost:           host,
		ServerPort:           port,
		Cookie:               cookie,
		DialTimeout:          10 * time.Second,
		ClientHelloTimeout:   5 * time.Second,
		DatagramHandshakeTag: defaultDatagramTags[dialect],
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = model.NopLogger{}
	}
	if c.StreamTunnelRequest == nil {
		c.StreamTunnelRequest = defaultStreamTunnelRequest(c)
	}
	return c
}

// defaultStreamTunnelRequest synthesizes a generic HTTP-like "start tunnel"
// request embedding the session cookie, used when the authentication
// collaborator hasn't supplied a dialect-specific one via
// WithStreamTunnelRequest. Built with net/http's request writer rather than
// hand-assembled string concatenation, since constructing well-formed HTTP
// is exactly what the standard library's http.Request is for.
func defaultStreamTunnelRequest(c *Config) []byte {
	req, err := http.NewRequest(http.MethodGet, "/", nil)
	if err != nil {
		return nil
	}
	req.Host = c.ServerHost
	req.Header.Set("Cookie", "SVPNCOOKIE="+string(c.Cookie))
	req.Header.Set("User-Agent", "openconnect-core/1.0")
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

// Validate checks the invariants required of a Config before a Session
// dials: cookie size, a known dialect, MTU sanity, the DNS server count,
// the datagram crypto parameters when present, and a non-empty stream
// tunnel request.
func (c *Config) Validate() error {
	if len(c.Cookie) == 0 {
		return fmt.Errorf("%w: empty session cookie", ErrBadConfig)
	}
	if len(c.Cookie) > MaxCookieBytes {
		return fmt.Errorf("%w: session cookie exceeds %d bytes", ErrBadConfig, MaxCookieBytes)
	}
	switch c.Dialect {
	case DialectA, DialectB, DialectC, DialectD:
	default:
		return fmt.Errorf("%w: unknown dialect %q", ErrBadConfig, c.Dialect)
	}
	if c.Tunnel.MTU < 0 {
		return fmt.Errorf("%w: negative mtu", ErrBadConfig)
	}
	if len(c.Tunnel.DNSServers) > 3 {
		return fmt.Errorf("%w: at most 3 dns servers, got %d", ErrBadConfig, len(c.Tunnel.DNSServers))
	}
	if c.Tunnel.Datagram != nil {
		if _, err := c.Tunnel.Datagram.Enc.ToEspcrypto(); err != nil {
			return err
		}
		if _, err := c.Tunnel.Datagram.MAC.ToEspcrypto(); err != nil {
			return err
		}
		if err := c.Tunnel.Datagram.Validate(); err != nil {
			return err
		}
	}
	if len(c.StreamTunnelRequest) == 0 {
		return fmt.Errorf("%w: empty stream tunnel request", ErrBadConfig)
	}
	return nil
}
