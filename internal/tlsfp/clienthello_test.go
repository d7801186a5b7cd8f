package tlsfp_test

import (
	"encoding/binary"
	"testing"

	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/tlsfp"
)

func buildRecord(body []byte) []byte {
	handshake := make([]byte, 0, 4+len(body))
	handshake = append(handshake, 0x01)
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	record := make([]byte, 0, 5+len(handshake))
	record = append(record, 0x16, 0x03, 0x03)
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	return append(record, handshake...)
}

func minimalBody(extra []byte) []byte {
	body := make([]byte, 0, 34+len(extra))
	body = append(body, 0x03, 0x03) // legacy version
	for i := 0; i < 32; i++ {
		body = append(body, byte(i))
	}
	return append(body, extra...)
}

func TestParseBoundaries(t *testing.T) {
	t.Run("43 bytes parses", func(t *testing.T) {
		rec := buildRecord(minimalBody(nil))
		if len(rec) != 43 {
			t.Fatalf("test fixture length = %d, want 43", len(rec))
		}
		ch, err := tlsfp.Parse(rec)
		if err != nil {
			t.Fatalf("Parse() error = %v, want nil", err)
		}
		if len(ch.SessionID) != 0 || len(ch.CipherSuites) != 0 {
			t.Fatalf("expected empty session id/ciphers on truncated input, got %+v", ch)
		}
	})

	t.Run("42 bytes fails ParseTooShort", func(t *testing.T) {
		rec := buildRecord(minimalBody(nil))
		rec = rec[:42]
		_, err := tlsfp.Parse(rec)
		if !errs.Is(err, errs.KindParse) {
			t.Fatalf("Parse() error = %v, want KindParse", err)
		}
	})
}

func TestParseFullClientHello(t *testing.T) {
	extra := []byte{0x00}              // session_id_len = 0
	extra = append(extra, 0x00, 0x02)  // cipher_suites_len = 2
	extra = append(extra, 0xC0, 0x2B)  // cipher suite
	extra = append(extra, 0x01, 0x00)  // compression_len=1, method=0

	sniExt := []byte{0x00, 0x00} // ext type server_name
	nameList := []byte{0x00, 0x00} // placeholder list len
	nameEntry := []byte{0x00}
	hostname := []byte("example.com")
	nameEntry = append(nameEntry, byte(len(hostname)>>8), byte(len(hostname)))
	nameEntry = append(nameEntry, hostname...)
	binary.BigEndian.PutUint16(nameList, uint16(len(nameEntry)))
	sniData := append(nameList, nameEntry...)
	sniExt = append(sniExt, byte(len(sniData)>>8), byte(len(sniData)))
	sniExt = append(sniExt, sniData...)

	extensions := append([]byte{}, sniExt...)
	extra = append(extra, byte(len(extensions)>>8), byte(len(extensions)))
	extra = append(extra, extensions...)

	rec := buildRecord(minimalBody(extra))
	ch, err := tlsfp.Parse(rec)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(ch.CipherSuites) != 1 || ch.CipherSuites[0] != 0xC02B {
		t.Fatalf("CipherSuites = %x, want [C02B]", ch.CipherSuites)
	}
	ext, ok := ch.Extension(0)
	if !ok {
		t.Fatalf("expected server_name extension")
	}
	if len(ext.Data) == 0 {
		t.Fatalf("server_name extension data empty")
	}
}

func TestSynthesizePrependsTLS13Trio(t *testing.T) {
	ch := &tlsfp.ClientHello{
		CipherSuites:       []uint16{0xC02B},
		CompressionMethods: []byte{0x00},
	}
	for i := range ch.Random {
		ch.Random[i] = byte(i)
	}
	ch.SessionID = []byte{0xAA, 0xBB}

	out, err := tlsfp.Synthesize(ch, "example.com", nil)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	reparsed, err := tlsfp.Parse(out)
	if err != nil {
		t.Fatalf("Parse(synthesized) error = %v", err)
	}

	want := []uint16{0x1301, 0x1302, 0x1303, 0xC02B}
	if len(reparsed.CipherSuites) != len(want) {
		t.Fatalf("CipherSuites = %x, want %x", reparsed.CipherSuites, want)
	}
	for i, c := range want {
		if reparsed.CipherSuites[i] != c {
			t.Fatalf("CipherSuites[%d] = %x, want %x", i, reparsed.CipherSuites[i], c)
		}
	}

	if reparsed.Random != ch.Random {
		t.Fatalf("Random not preserved verbatim")
	}
	if string(reparsed.SessionID) != string(ch.SessionID) {
		t.Fatalf("SessionID not preserved verbatim: got %x want %x", reparsed.SessionID, ch.SessionID)
	}

	first := reparsed.Extensions[0]
	if first.Type != 0 {
		t.Fatalf("first extension type = %d, want 0 (server_name)", first.Type)
	}

	second := reparsed.Extensions[1]
	isGrease := false
	for _, g := range []uint16{0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a, 0x4a4a, 0x5a5a, 0x6a6a, 0x7a7a, 0x8a8a, 0x9a9a, 0xaaaa, 0xbaba, 0xcaca, 0xdada, 0xeaea, 0xfafa} {
		if second.Type == g {
			isGrease = true
		}
	}
	if !isGrease {
		t.Fatalf("second extension type %d is not a GREASE value", second.Type)
	}
}

func TestSynthesizeIdempotentUnderReparse(t *testing.T) {
	ch := &tlsfp.ClientHello{
		CipherSuites:       []uint16{0x1301, 0xC02B},
		CompressionMethods: []byte{0x00},
	}
	ch.SessionID = []byte{0x01, 0x02, 0x03}

	out1, err := tlsfp.Synthesize(ch, "a.example", nil)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	parsed1, err := tlsfp.Parse(out1)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	out2, err := tlsfp.Synthesize(parsed1, "a.example", nil)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	parsed2, err := tlsfp.Parse(out2)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(parsed1.CipherSuites) != len(parsed2.CipherSuites) {
		t.Fatalf("cipher suite count diverged across re-synthesis: %d vs %d",
			len(parsed1.CipherSuites), len(parsed2.CipherSuites))
	}
	if parsed1.Random != parsed2.Random {
		t.Fatalf("random diverged across re-synthesis")
	}
}
