// Package tlsfp implements the TLS ClientHello parser and iOS-Safari
// fingerprint synthesizer (spec section 4.1), grounded on the teacher's
// pkg/tlsconfig helpers and on original_source/src/tls.rs, whose
// TlsClientHello::parse / to_ios_safari pair this package reimplements in
// Go with the exact on-wire layout spec 4.1 describes.
package tlsfp

import (
	"encoding/binary"
	"math/rand"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

const (
	recordTypeHandshake = 0x16
	handshakeTypeClientHello = 0x01
	legacyVersionTLS12       = 0x0303

	extServerName          = 0
	extExtendedMasterSecret = 23
	extRenegotiationInfo   = 65281
	extSupportedGroups     = 10
	extECPointFormats      = 11
	extALPN                = 16
	extSignatureAlgorithms = 13
	extSupportedVersions   = 43
	extKeyShare            = 51
	extPSKKeyExchangeModes = 45
	extSessionTicket       = 35
)

// iosSafariExtensionOrder is the fixed reorder list from spec section 4.1.
var iosSafariExtensionOrder = []uint16{
	extServerName,
	extExtendedMasterSecret,
	extRenegotiationInfo,
	extSupportedGroups,
	extECPointFormats,
	extALPN,
	extSignatureAlgorithms,
	extSupportedVersions,
	extKeyShare,
	extPSKKeyExchangeModes,
}

// tls13CipherTrio is prepended ahead of the original cipher list on
// synthesis (spec section 4.1 item 4).
var tls13CipherTrio = []uint16{0x1301, 0x1302, 0x1303}

// greaseValues are RFC 8701 GREASE values; Synthesize injects a random one
// as the second extension of a synthesized ClientHello, right after
// server_name (SPEC_FULL supplemented feature 1).
var greaseValues = []uint16{
	0x0a0a, 0x1a1a, 0x2a2a, 0x3a3a,
	0x4a4a, 0x5a5a, 0x6a6a, 0x7a7a,
	0x8a8a, 0x9a9a, 0xaaaa, 0xbaba,
	0xcaca, 0xdada, 0xeaea, 0xfafa,
}

// Extension is a single (type, opaque bytes) TLS extension entry.
type Extension struct {
	Type uint16
	Data []byte
}

// ClientHello is the logical, parsed representation of a TLS 1.x
// ClientHello handshake message (spec section 3).
type ClientHello struct {
	LegacyVersion      uint16
	Random             [32]byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []byte
	Extensions         []Extension
}

// Extension looks up the first extension of the given type.
func (c *ClientHello) Extension(typ uint16) (Extension, bool) {
	for _, e := range c.Extensions {
		if e.Type == typ {
			return e, true
		}
	}
	return Extension{}, false
}

// Parse decodes a TLS record + Handshake(ClientHello) byte sequence per
// spec section 4.1. Extensions whose declared length would overrun the
// buffer are dropped silently (best-effort leniency, matching the
// permissive behavior needed to survive unusual clients); every other
// structural violation is a hard parse error.
func Parse(data []byte) (*ClientHello, error) {
	// 5 (record header) + 4 (handshake type+length) + 34 (version+random)
	// is the minimum byte count for any parseable ClientHello.
	if len(data) < 5+4+34 {
		return nil, errs.NewParseError("tls.parse", "ParseTooShort", nil)
	}

	if data[0] != recordTypeHandshake {
		return nil, errs.NewParseError("tls.parse", "ParseBadRecord", nil)
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if 5+recordLen > len(data) {
		return nil, errs.NewParseError("tls.parse", "ParseBadRecord", nil)
	}

	hs := data[5:]
	if len(hs) < 4 {
		return nil, errs.NewParseError("tls.parse", "ParseTooShort", nil)
	}
	if hs[0] != handshakeTypeClientHello {
		return nil, errs.NewParseError("tls.parse", "ParseBadHandshake", nil)
	}

	body := hs[4:]
	if len(body) < 34 {
		return nil, errs.NewParseError("tls.parse", "ParseTooShort", nil)
	}

	ch := &ClientHello{}
	ch.LegacyVersion = binary.BigEndian.Uint16(body[0:2])
	copy(ch.Random[:], body[2:34])
	offset := 34

	if offset >= len(body) {
		return ch, nil
	}
	sidLen := int(body[offset])
	offset++
	end := offset + sidLen
	if end > len(body) {
		return nil, errs.NewParseError("tls.parse", "ParseBadHandshake", nil)
	}
	ch.SessionID = append([]byte(nil), body[offset:end]...)
	offset = end

	if offset+2 > len(body) {
		return ch, nil
	}
	cipherLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if cipherLen%2 != 0 {
		return nil, errs.NewParseError("tls.parse", "ParseBadHandshake", nil)
	}
	end = offset + cipherLen
	if end > len(body) {
		return nil, errs.NewParseError("tls.parse", "ParseBadHandshake", nil)
	}
	for i := offset; i+1 < end; i += 2 {
		ch.CipherSuites = append(ch.CipherSuites, binary.BigEndian.Uint16(body[i:i+2]))
	}
	offset = end

	if offset >= len(body) {
		return ch, nil
	}
	compLen := int(body[offset])
	offset++
	end = offset + compLen
	if end > len(body) {
		return nil, errs.NewParseError("tls.parse", "ParseBadHandshake", nil)
	}
	ch.CompressionMethods = append([]byte(nil), body[offset:end]...)
	offset = end

	if offset+2 > len(body) {
		return ch, nil
	}
	extTotal := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	extEnd := offset + extTotal
	if extEnd > len(body) {
		extEnd = len(body)
	}
	for offset+4 <= extEnd {
		typ := binary.BigEndian.Uint16(body[offset : offset+2])
		elen := int(binary.BigEndian.Uint16(body[offset+2 : offset+4]))
		offset += 4
		if offset+elen > len(body) {
			// Best-effort: drop the malformed trailing extension and stop.
			break
		}
		ch.Extensions = append(ch.Extensions, Extension{
			Type: typ,
			Data: append([]byte(nil), body[offset:offset+elen]...),
		})
		offset += elen
	}

	return ch, nil
}

// Synthesize rebuilds a ClientHello targeting the iOS Safari fingerprint:
// legacy version 0x0303, cipher suites led by the TLS 1.3 trio, extensions
// reordered per spec section 4.1, and the server_name extension rewritten
// to carry sni. ticket, if non-nil, is wired into a session_ticket
// extension (SPEC_FULL supplemented feature 4).
func Synthesize(ch *ClientHello, sni string, ticket []byte) ([]byte, error) {
	cipherSuites := dedupeCiphers(append(append([]uint16(nil), tls13CipherTrio...), ch.CipherSuites...))

	extensions := buildExtensions(ch, sni, ticket)

	var clientHello []byte
	clientHello = appendU16(clientHello, legacyVersionTLS12)
	clientHello = append(clientHello, ch.Random[:]...)
	clientHello = append(clientHello, byte(len(ch.SessionID)))
	clientHello = append(clientHello, ch.SessionID...)

	clientHello = appendU16(clientHello, uint16(len(cipherSuites)*2))
	for _, c := range cipherSuites {
		clientHello = appendU16(clientHello, c)
	}

	clientHello = append(clientHello, byte(len(ch.CompressionMethods)))
	clientHello = append(clientHello, ch.CompressionMethods...)

	extBytes := serializeExtensions(extensions)
	if len(extBytes) > 0xFFFF {
		return nil, errs.NewSynthesizeError("tls.synthesize", "SynthesizeOverflow", nil)
	}
	clientHello = appendU16(clientHello, uint16(len(extBytes)))
	clientHello = append(clientHello, extBytes...)

	if len(clientHello) > 0xFFFFFF {
		return nil, errs.NewSynthesizeError("tls.synthesize", "SynthesizeOverflow", nil)
	}

	handshake := make([]byte, 0, 4+len(clientHello))
	handshake = append(handshake, handshakeTypeClientHello)
	hsLen := len(clientHello)
	handshake = append(handshake, byte(hsLen>>16), byte(hsLen>>8), byte(hsLen))
	handshake = append(handshake, clientHello...)

	if len(handshake) > 0xFFFF {
		return nil, errs.NewSynthesizeError("tls.synthesize", "SynthesizeOverflow", nil)
	}

	record := make([]byte, 0, 5+len(handshake))
	record = append(record, recordTypeHandshake)
	record = appendU16(record, legacyVersionTLS12)
	record = appendU16(record, uint16(len(handshake)))
	record = append(record, handshake...)

	return record, nil
}

func dedupeCiphers(in []uint16) []uint16 {
	seen := make(map[uint16]bool, len(in))
	out := make([]uint16, 0, len(in))
	for _, c := range in {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func buildExtensions(ch *ClientHello, sni string, ticket []byte) []Extension {
	var out []Extension

	// server_name must be the first extension (spec section 8 scenario 1);
	// GREASE is injected right after it rather than displacing it.
	out = append(out, buildServerNameExtension(sni))

	grease := greaseValues[rand.Intn(len(greaseValues))]
	out = append(out, Extension{Type: grease})

	placed := map[uint16]bool{extServerName: true}
	for _, typ := range iosSafariExtensionOrder[1:] {
		if e, ok := ch.Extension(typ); ok {
			if typ == extKeyShare && len(e.Data) == 0 {
				e.Data = freshKeyShare()
			}
			out = append(out, e)
		} else if typ == extKeyShare {
			out = append(out, Extension{Type: extKeyShare, Data: freshKeyShare()})
		}
		placed[typ] = true
	}

	for _, e := range ch.Extensions {
		if placed[e.Type] {
			continue
		}
		if e.Type == extSessionTicket && ticket != nil {
			e.Data = append([]byte(nil), ticket...)
		}
		out = append(out, e)
		placed[e.Type] = true
	}

	if !placed[extSessionTicket] {
		out = append(out, Extension{Type: extSessionTicket, Data: append([]byte(nil), ticket...)})
	}

	return out
}

func buildServerNameExtension(hostname string) Extension {
	name := []byte(hostname)
	var payload []byte
	// name_len
	entry := make([]byte, 0, 3+len(name))
	entry = append(entry, 0x00) // name_type = host_name
	entry = appendU16(entry, uint16(len(name)))
	entry = append(entry, name...)
	payload = appendU16(payload, uint16(len(entry)))
	payload = append(payload, entry...)
	return Extension{Type: extServerName, Data: payload}
}

func freshKeyShare() []byte {
	// x25519 (0x001d) group with 32 bytes of random key material, matching
	// original_source/src/tls.rs's key_share extension.
	out := []byte{0x00, 0x1d, 0x00, 0x20}
	key := make([]byte, 32)
	rand.Read(key)
	return append(out, key...)
}

func serializeExtensions(extensions []Extension) []byte {
	var out []byte
	for _, e := range extensions {
		out = appendU16(out, e.Type)
		out = appendU16(out, uint16(len(e.Data)))
		out = append(out, e.Data...)
	}
	return out
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// ExtractServerTicket pulls the session_ticket extension out of a
// ServerHello handshake message, if present, mirroring
// original_source/src/tls.rs::parse_server_hello_for_ticket (SPEC_FULL
// supplemented feature 4). data is the full TLS record.
func ExtractServerTicket(data []byte) ([]byte, bool) {
	if len(data) < 5 || data[0] != recordTypeHandshake {
		return nil, false
	}
	hs := data[5:]
	if len(hs) == 0 || hs[0] != 0x02 {
		return nil, false
	}
	if len(hs) < 4 {
		return nil, false
	}
	body := hs[4:]
	offset := 2 + 32 // version + random
	if offset >= len(body) {
		return nil, false
	}
	sidLen := int(body[offset])
	offset += 1 + sidLen
	if offset+3 > len(body) {
		return nil, false
	}
	offset += 2 // cipher suite
	offset += 1 // compression method
	if offset+2 > len(body) {
		return nil, false
	}
	extLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	end := offset + extLen
	if end > len(body) {
		end = len(body)
	}
	for offset+4 <= end {
		typ := binary.BigEndian.Uint16(body[offset : offset+2])
		elen := int(binary.BigEndian.Uint16(body[offset+2 : offset+4]))
		offset += 4
		if offset+elen > len(body) {
			return nil, false
		}
		if typ == extSessionTicket && elen > 0 {
			return append([]byte(nil), body[offset:offset+elen]...), true
		}
		offset += elen
	}
	return nil, false
}
