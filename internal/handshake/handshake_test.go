package handshake

import "testing"

// TestClientHelloGoldenVector checks the clthello body for cookie "abc":
// bytes 00 17 (length 23) followed by
// "GFtype\x00clthello\x00SVPNCOOKIE\x00abc\x00".
func TestClientHelloGoldenVector(t *testing.T) {
	got := BuildClientHello("GFtype\x00", []byte("abc"))
	want := append([]byte{0x00, 0x17}, []byte("GFtype\x00clthello\x00SVPNCOOKIE\x00abc\x00")...)
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d\ngot:  %x\nwant: %x", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x\ngot:  %x\nwant: %x", i, got[i], want[i], got, want)
		}
	}
}

func TestClientHelloRoundTrip(t *testing.T) {
	cookie := []byte("some-session-cookie-value")
	wire := BuildClientHello("GFtype\x00", cookie)
	got, err := ParseClientHello("GFtype\x00", wire)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(cookie) {
		t.Fatalf("cookie = %q, want %q", got, cookie)
	}
}

func TestServerHelloOK(t *testing.T) {
	wire := BuildServerHello("GFtype\x00", "ok")
	status, err := ParseServerHello("GFtype\x00", wire)
	if err != nil {
		t.Fatal(err)
	}
	if status != "ok" {
		t.Fatalf("status = %q, want ok", status)
	}
}

func TestServerHelloFail(t *testing.T) {
	wire := BuildServerHello("GFtype\x00", "fail")
	status, err := ParseServerHello("GFtype\x00", wire)
	if err != nil {
		t.Fatal(err)
	}
	if status != "fail" {
		t.Fatalf("status = %q, want fail", status)
	}
}

func TestParseServerHelloRejectsWrongKind(t *testing.T) {
	wire := BuildClientHello("GFtype\x00", []byte("abc"))
	if _, err := ParseServerHello("GFtype\x00", wire); err != ErrUnexpectedKind {
		t.Fatalf("got %v, want ErrUnexpectedKind", err)
	}
}

func TestLooksLikePPPFrame(t *testing.T) {
	svrhello := BuildServerHello("GFtype\x00", "ok")
	if LooksLikePPPFrame("GFtype\x00", svrhello) {
		t.Fatalf("svrhello should not look like a PPP frame")
	}
	pppFrame := []byte{0x00, 0x05, 0xC0, 0x21, 0x01, 0x02, 0x03}
	if !LooksLikePPPFrame("GFtype\x00", pppFrame) {
		t.Fatalf("expected a non-tagged frame to look like PPP")
	}
}
