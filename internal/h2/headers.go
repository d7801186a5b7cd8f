package h2

import (
	"golang.org/x/net/http2/hpack"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

// requestPseudoOrder is the fixed pseudo-header emission order for request
// HEADERS frames (spec section 4.2).
var requestPseudoOrder = []string{":method", ":scheme", ":path", ":authority"}

// responsePseudoOrder is the fixed pseudo-header emission order for
// response HEADERS frames.
var responsePseudoOrder = []string{":status"}

// knownHeaderOrder is the fixed emission order for the regular (non
// pseudo) headers a browser-like client sends, before any headers not on
// this list, which are appended afterwards in their original order (spec
// section 4.2). This replaces the teacher's converter.go, which iterates a
// Go map and so has no stable header order at all.
var knownHeaderOrder = []string{
	"host",
	"accept",
	"accept-encoding",
	"accept-language",
	"user-agent",
	"referer",
	"content-type",
	"content-length",
	"cookie",
}

// EncodeHeaders serializes fields into an HPACK header block using only
// the "literal header field with incremental indexing, new name"
// representation (wire byte 0x40 | name-length-prefixed name |
// value-length-prefixed value).
// No dynamic table state is read or written, matching spec section 4.2/4.9's
// requirement that our encode path never depend on or mutate HPACK table
// state across frames.
func EncodeHeaders(fields []HeaderField) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, encodeLiteralIncrementalIndexing(f.Name, f.Value)...)
	}
	return out
}

func encodeLiteralIncrementalIndexing(name, value string) []byte {
	var out []byte
	out = append(out, 0x40)
	out = appendHpackString(out, name)
	out = appendHpackString(out, value)
	return out
}

func appendHpackString(b []byte, s string) []byte {
	// Length-prefixed, unencoded (H bit = 0) string per RFC 7541 section 5.2.
	b = append(b, encodeInteger(uint64(len(s)), 7, 0)...)
	return append(b, s...)
}

// encodeInteger implements RFC 7541 section 5.1's integer representation
// for a prefix of prefixBits bits, with the high bits of the first byte
// set to flags.
func encodeInteger(value uint64, prefixBits uint, flags byte) []byte {
	max := uint64(1)<<prefixBits - 1
	if value < max {
		return []byte{flags | byte(value)}
	}
	out := []byte{flags | byte(max)}
	value -= max
	for value >= 128 {
		out = append(out, byte(value%128+128))
		value /= 128
	}
	return append(out, byte(value))
}

// OrderHeaders reorders fields: pseudo-headers first (in the fixed order
// for the given kind), then knownHeaderOrder entries present in fields (in
// that order), then any remaining headers in their original relative order.
func OrderHeaders(fields []HeaderField, isResponse bool) []HeaderField {
	pseudoOrder := requestPseudoOrder
	if isResponse {
		pseudoOrder = responsePseudoOrder
	}

	byName := make(map[string][]HeaderField, len(fields))
	var order []string
	for _, f := range fields {
		if _, seen := byName[f.Name]; !seen {
			order = append(order, f.Name)
		}
		byName[f.Name] = append(byName[f.Name], f)
	}

	var out []HeaderField
	placed := make(map[string]bool, len(fields))
	for _, name := range pseudoOrder {
		for _, f := range byName[name] {
			out = append(out, f)
		}
		placed[name] = true
	}
	for _, name := range knownHeaderOrder {
		if placed[name] {
			continue
		}
		for _, f := range byName[name] {
			out = append(out, f)
		}
		placed[name] = true
	}
	for _, name := range order {
		if placed[name] {
			continue
		}
		for _, f := range byName[name] {
			out = append(out, f)
		}
		placed[name] = true
	}
	return out
}

// DecodeHeaders decodes an arbitrary peer HEADERS block, which may use the
// full range of HPACK representations (indexed, literal-with-incremental-
// indexing, dynamic table references) — unlike our encode path, decoding
// must handle whatever a real origin server sends, so this uses
// golang.org/x/net/http2/hpack's Decoder rather than the hand-rolled
// encoder above.
func DecodeHeaders(data []byte) ([]HeaderField, error) {
	var out []HeaderField
	dec := hpack.NewDecoder(DefaultHeaderTableSize, func(f hpack.HeaderField) {
		out = append(out, HeaderField{Name: f.Name, Value: f.Value})
	})
	if _, err := dec.Write(data); err != nil {
		return nil, errs.NewParseError("h2.decode_headers", "", err)
	}
	if err := dec.Close(); err != nil {
		return nil, errs.NewParseError("h2.decode_headers_close", "", err)
	}
	return out, nil
}

// connectionSpecificHeaders are forbidden in HTTP/2 (RFC 7540 section
// 8.1.2.2); the dispatch layer strips these before handing headers to
// EncodeHeaders.
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
}

// IsConnectionSpecific reports whether name is one of the headers HTTP/2
// forbids end-to-end.
func IsConnectionSpecific(name string) bool {
	return connectionSpecificHeaders[name]
}
