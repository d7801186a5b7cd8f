// Package dispatch classifies each inbound connection and routes it to
// the matching handler (spec section 4.3): HTTP CONNECT tunnels, TLS
// ClientHellos bound for fingerprint synthesis, plaintext HTTP/1 requests,
// HTTP/2 connection prefaces, or opaque passthrough for anything else. It
// is loosely grounded on the simple accept/relay idiom in
// Ankit-Kulkarni-go-experiments/transparentProxy/main.go, generalized
// with the teacher's structured-error and logging conventions.
package dispatch

import (
	"bytes"
	"strings"
)

// Kind identifies what a newly accepted connection's first bytes look like.
type Kind int

const (
	KindOpaque Kind = iota
	KindConnect
	KindTLS
	KindHTTP1
	KindHTTP2Preface
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	case KindHTTP1:
		return "http1"
	case KindHTTP2Preface:
		return "http2_preface"
	default:
		return "opaque"
	}
}

const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Classify inspects the first bytes already peeked from a connection
// (without consuming them) and decides how to route it.
func Classify(peeked []byte) Kind {
	if len(peeked) == 0 {
		return KindOpaque
	}

	if peeked[0] == 0x16 && (len(peeked) < 2 || peeked[1] == 0x03) {
		return KindTLS
	}

	if bytes.HasPrefix([]byte(http2Preface), peeked) || bytes.HasPrefix(peeked, []byte(http2Preface)) {
		return KindHTTP2Preface
	}

	if looksLikeConnect(peeked) {
		return KindConnect
	}

	if looksLikeHTTP1(peeked) {
		return KindHTTP1
	}

	return KindOpaque
}

func looksLikeConnect(peeked []byte) bool {
	if len(peeked) < len("CONNECT ") {
		return false
	}
	return strings.EqualFold(string(peeked[:len("CONNECT ")]), "CONNECT ")
}

var http1Methods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("TRACE "),
}

func looksLikeHTTP1(peeked []byte) bool {
	for _, m := range http1Methods {
		if bytes.HasPrefix(peeked, m) {
			return true
		}
	}
	return false
}
