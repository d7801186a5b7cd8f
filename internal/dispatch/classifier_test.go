package dispatch

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want Kind
	}{
		{"empty", nil, KindOpaque},
		{"tls record", []byte{0x16, 0x03, 0x01, 0x00, 0x05}, KindTLS},
		{"http2 preface", []byte(http2Preface), KindHTTP2Preface},
		{"http2 preface partial peek", []byte("PRI * HTTP/2.0\r\n"), KindHTTP2Preface},
		{"connect", []byte("CONNECT example.com:443 HTTP/1.1\r\n"), KindConnect},
		{"get", []byte("GET / HTTP/1.1\r\n"), KindHTTP1},
		{"post", []byte("POST /submit HTTP/1.1\r\n"), KindHTTP1},
		{"opaque", []byte{0x01, 0x02, 0x03}, KindOpaque},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
