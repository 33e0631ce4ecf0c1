package espcrypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"

	"github.com/Mareel-io/openconnect/internal/replaywin"
)

// Errors surfaced by Encrypt/Decrypt. BadHMAC, Replay and MalformedFrame
// are per-packet (the caller drops and counts, never propagates), while
// SeqWrapped is fatal.
var (
	ErrBadHMAC        = errors.New("espcrypto: hmac verification failed")
	ErrReplay         = replaywin.ErrReplay
	ErrMalformedFrame = errors.New("espcrypto: malformed datagram crypto frame")
	ErrSeqWrapped     = errors.New("espcrypto: sequence counter wrapped, rekey required")
)

// tagSize is the number of bytes of the HMAC output we keep as the
// authentication tag.
const tagSize = 12

// ivSize is the AES block size used as the explicit IV length.
const ivSize = 16

// KeyMaterial holds one direction's raw key bytes as delivered in
// TunnelConfig: an AES key (16 or 32 bytes) and an HMAC key, held apart.
type KeyMaterial struct {
	CipherKey []byte
	MACKey    []byte
	IV        [ivSize]byte // initial IV, outbound only
}

// CryptoCtx is the per-direction crypto state.
type CryptoCtx struct {
	spi    uint32
	block  cipher.Block
	mac    func() hash.Hash
	macKey []byte

	// outbound-only
	iv  [ivSize]byte
	seq uint32

	// inbound-only
	window *replaywin.Window
}

// NewOutbound builds the outbound CryptoCtx for spi using km and the given suite.
func NewOutbound(spi uint32, km KeyMaterial, enc EncAlgorithm, mac MACAlgorithm) (*CryptoCtx, error) {
	ctx, err := newCtx(spi, km, enc, mac)
	if err != nil {
		return nil, err
	}
	ctx.iv = km.IV
	return ctx, nil
}

// NewInbound builds the inbound CryptoCtx for spi using km and the given suite.
func NewInbound(spi uint32, km KeyMaterial, enc EncAlgorithm, mac MACAlgorithm) (*CryptoCtx, error) {
	ctx, err := newCtx(spi, km, enc, mac)
	if err != nil {
		return nil, err
	}
	ctx.window = replaywin.New()
	return ctx, nil
}

func newCtx(spi uint32, km KeyMaterial, enc EncAlgorithm, mac MACAlgorithm) (*CryptoCtx, error) {
	if err := validateSuite(enc, mac); err != nil {
		return nil, err
	}
	ks, err := keySize(enc)
	if err != nil {
		return nil, err
	}
	if len(km.CipherKey) < ks {
		return nil, fmt.Errorf("%w: cipher key too short", ErrUnsupportedSuite)
	}
	block, err := newBlockCipher(km.CipherKey[:ks])
	if err != nil {
		return nil, err
	}
	hf, _, err := hashFactory(mac)
	if err != nil {
		return nil, err
	}
	if len(km.MACKey) == 0 {
		return nil, fmt.Errorf("%w: empty mac key", ErrUnsupportedSuite)
	}
	return &CryptoCtx{
		spi:    spi,
		block:  block,
		mac:    hf,
		macKey: km.MACKey,
	}, nil
}

// header builds the (SPI, seq) bytes the HMAC covers alongside the IV and
// ciphertext.
func header(spi, seq uint32) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], spi)
	putU32(b[4:8], seq)
	return b
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Encrypt pads, encrypts and authenticates plaintext (a Legacy IP packet),
// producing the wire-format datagram: SPI(4) || seq(4) || IV(16) || ciphertext || tag(12).
//
// Pad bytes are 1..padlen, followed by the pad-length byte and the 1-byte
// next-header indicator (0x04, Legacy IP). The next outbound IV is derived
// by CBC-encrypting the first 16 bytes of this frame's HMAC output,
// continuing the cipher chain from the last ciphertext block rather than
// resetting it, so it is never reused or predictable from the ciphertext
// alone.
func (c *CryptoCtx) Encrypt(plaintext []byte) ([]byte, error) {
	if c.seq == 0xFFFFFFFF {
		return nil, ErrSeqWrapped
	}

	padded := padPKCS(plaintext, ivSize)

	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(c.block, c.iv[:])
	cbc.CryptBlocks(ciphertext, padded)

	seq := c.seq
	c.seq++

	h := hmac.New(c.mac, c.macKey)
	h.Write(header(c.spi, seq))
	h.Write(c.iv[:])
	h.Write(ciphertext)
	sum := h.Sum(nil)
	tag := sum[:tagSize]

	out := make([]byte, 0, 8+ivSize+len(ciphertext)+tagSize)
	out = append(out, header(c.spi, seq)...)
	out = append(out, c.iv[:]...)
	out = append(out, ciphertext...)
	out = append(out, tag...)

	// Chain the IV: continuing the cipher chain from the last ciphertext
	// block, encrypt the first block of this frame's HMAC output to derive
	// the next explicit IV.
	last := ciphertext[len(ciphertext)-ivSize:]
	nextIV := make([]byte, ivSize)
	chainCBC := cipher.NewCBCEncrypter(c.block, last)
	chainCBC.CryptBlocks(nextIV, sum[:ivSize])
	copy(c.iv[:], nextIV)

	return out, nil
}

// padPKCS appends pad bytes 1,2,...,padlen followed by the pad-length byte
// and the next-header byte (0x04, Legacy IP), such that the total length is
// a multiple of blockSize.
func padPKCS(b []byte, blockSize int) []byte {
	// total = len(b) + padlen + 2 (padlen byte + next-header byte) must be
	// a multiple of blockSize.
	rem := (len(b) + 2) % blockSize
	padlen := 0
	if rem != 0 {
		padlen = blockSize - rem
	}
	out := make([]byte, len(b)+padlen+2)
	copy(out, b)
	for i := 0; i < padlen; i++ {
		out[len(b)+i] = byte(i + 1)
	}
	out[len(b)+padlen] = byte(padlen)
	out[len(b)+padlen+1] = 0x04 // Legacy IP
	return out
}

// Decrypt verifies, decrypts and unpads an inbound wire-format datagram
// produced by the peer's Encrypt. Returns ErrBadHMAC, ErrReplay or
// ErrMalformedFrame as per-packet errors (never fatal).
func (c *CryptoCtx) Decrypt(frame []byte) ([]byte, error) {
	const minLen = 8 + ivSize + ivSize + tagSize // header + iv + >=1 block + tag
	if len(frame) < minLen {
		return nil, ErrMalformedFrame
	}

	spi := getU32(frame[0:4])
	seq := getU32(frame[4:8])
	iv := frame[8 : 8+ivSize]
	ciphertext := frame[8+ivSize : len(frame)-tagSize]
	gotTag := frame[len(frame)-tagSize:]

	if spi != c.spi {
		return nil, ErrMalformedFrame
	}
	if len(ciphertext)%ivSize != 0 || len(ciphertext) == 0 {
		return nil, ErrMalformedFrame
	}

	h := hmac.New(c.mac, c.macKey)
	h.Write(frame[:8])
	h.Write(iv)
	h.Write(ciphertext)
	wantTag := h.Sum(nil)[:tagSize]
	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrBadHMAC
	}

	if c.window == nil {
		return nil, ErrMalformedFrame
	}
	if err := c.window.Check(seq); err != nil {
		return nil, ErrReplay
	}

	plain := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(c.block, iv)
	cbc.CryptBlocks(plain, ciphertext)

	return unpadPKCS(plain)
}

func unpadPKCS(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrMalformedFrame
	}
	// last byte: next-header indicator; second-to-last: pad length.
	padlen := int(b[len(b)-2])
	if padlen < 0 || padlen+2 > len(b) {
		return nil, ErrMalformedFrame
	}
	return b[:len(b)-padlen-2], nil
}

// SPI returns the security parameter index this context was constructed with.
func (c *CryptoCtx) SPI() uint32 { return c.spi }

// Seq returns the current outbound sequence counter (for tests/metrics).
func (c *CryptoCtx) Seq() uint32 { return c.seq }
