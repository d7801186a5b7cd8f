package dispatch

import (
	"bufio"
	"context"
	"net"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
	"github.com/Dmitry19794/tproxy/internal/tlsfp"
	"github.com/Dmitry19794/tproxy/internal/upstream"
)

// HandleTLS services a connection whose first bytes are a TLS record
// (spec section 4.3): it parses the client's ClientHello, synthesizes an
// iOS-Safari-shaped replacement (spec section 4.1), dials the SNI host on
// port 443 through the configured upstream connector, and forwards the
// synthesized hello in its place. Everything
// after the hello — the rest of the handshake and all encrypted
// application data — is relayed verbatim in both directions; the proxy
// never terminates TLS and so never sees plaintext on this path, matching
// original_source/src/tls.rs's packet-rewrite design rather than a
// full MITM terminator.
func HandleTLS(ctx context.Context, connID uint64, client net.Conn, reader *bufio.Reader, settings config.ProxySettings, tickets *fabric.SessionTicketCache, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	record, err := readTLSRecord(reader)
	if err != nil {
		return errs.WithConn(err, connID)
	}

	ch, err := tlsfp.Parse(record)
	if err != nil {
		return errs.WithConn(err, connID)
	}

	sni := extractSNI(ch)
	if sni == "" {
		return errs.WithConn(errs.NewParseError("dispatch.tls_sni", "ClientHello missing server_name extension", nil), connID)
	}

	var ticket []byte
	if cached, ok := tickets.Get(sni); ok {
		ticket = cached
	}

	synthesized, err := tlsfp.Synthesize(ch, sni, ticket)
	if err != nil {
		return errs.WithConn(err, connID)
	}

	connector := upstream.NewConnector(settings)
	target, err := connector.Dial(ctx, sni, 443)
	if err != nil {
		return errs.WithConn(err, connID)
	}
	defer target.Close()

	if _, err := target.Write(synthesized); err != nil {
		return errs.WithConn(errs.NewRelayError("dispatch.tls_forward_hello", err), connID)
	}

	if err := forwardServerHello(client, target, sni, tickets); err != nil {
		return errs.WithConn(err, connID)
	}

	return Relay(ctx, connID, client, target, registry, jitter)
}

// forwardServerHello reads exactly the upstream's first TLS record (the
// ServerHello, in the overwhelming common case), inspects it for a
// session_ticket extension (SPEC_FULL supplemented feature 4), and then
// writes it through to client unchanged before the generic relay loop
// takes over — the record must be forwarded, not merely inspected, since
// Relay only reads whatever bytes remain on the connection afterward.
func forwardServerHello(client, target net.Conn, sni string, tickets *fabric.SessionTicketCache) error {
	header := make([]byte, 5)
	if _, err := readerReadFullConn(target, header); err != nil {
		return errs.NewRelayError("dispatch.tls_server_hello_header", err)
	}
	recordLen := int(header[3])<<8 | int(header[4])
	body := make([]byte, recordLen)
	if _, err := readerReadFullConn(target, body); err != nil {
		return errs.NewRelayError("dispatch.tls_server_hello_body", err)
	}

	full := append(header, body...)
	if ticket, ok := tlsfp.ExtractServerTicket(full); ok {
		tickets.Store(sni, ticket)
	}

	if _, err := client.Write(full); err != nil {
		return errs.NewRelayError("dispatch.tls_server_hello_forward", err)
	}
	return nil
}

func readerReadFullConn(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// readTLSRecord reads exactly one TLS record (header + declared length)
// off reader without consuming anything beyond it.
func readTLSRecord(reader *bufio.Reader) ([]byte, error) {
	header, err := reader.Peek(5)
	if err != nil {
		return nil, errs.NewParseError("dispatch.tls_record_header", "", err)
	}
	recordLen := int(header[3])<<8 | int(header[4])
	total := 5 + recordLen
	buf := make([]byte, total)
	if _, err := readerReadFull(reader, buf); err != nil {
		return nil, errs.NewParseError("dispatch.tls_record_body", "", err)
	}
	return buf, nil
}

func readerReadFull(reader *bufio.Reader, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := reader.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func extractSNI(ch *tlsfp.ClientHello) string {
	ext, ok := ch.Extension(0)
	if !ok || len(ext.Data) < 5 {
		return ""
	}
	// server_name extension: list_len(2) + name_type(1) + name_len(2) + name.
	nameLen := int(ext.Data[3])<<8 | int(ext.Data[4])
	if 5+nameLen > len(ext.Data) {
		return ""
	}
	return string(ext.Data[5 : 5+nameLen])
}
