package dispatch

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
	"github.com/Dmitry19794/tproxy/internal/h2"
	"github.com/Dmitry19794/tproxy/internal/upstream"
)

// HandleHTTP2 services a connection that opened with the HTTP/2 connection
// preface (spec section 4.2): unlike HandleTLS, which rewrites and relays
// bytes without ever looking inside them, this path genuinely terminates
// the inbound HTTP/2 connection with internal/h2.Connection, dials a fresh
// outbound HTTP/2 connection to the request's :authority, and translates
// HEADERS/DATA frames between the two engines stream by stream. The
// outbound leg negotiates TLS itself via crypto/tls (ALPN "h2") rather
// than through tlsfp.Synthesize, since fingerprint impersonation is
// specifically a property of the raw, non-terminated path.
func HandleHTTP2(ctx context.Context, connID uint64, client net.Conn, reader *bufio.Reader, settings config.ProxySettings, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	preface := make([]byte, len(h2.ClientPreface))
	if _, err := io.ReadFull(reader, preface); err != nil {
		return errs.WithConn(errs.NewParseError("dispatch.h2_preface", "", err), connID)
	}
	if string(preface) != h2.ClientPreface {
		return errs.WithConn(errs.NewParseError("dispatch.h2_preface", "preface mismatch", nil), connID)
	}

	inbound := &bufferedConn{Conn: client, r: reader}
	if _, err := inbound.Write(h2.BuildSettingsFrame(h2.DefaultOptions().Settings(), false)); err != nil {
		return errs.WithConn(errs.NewHandshakeError("dispatch.h2_settings", "", err), connID)
	}

	server := h2.NewConnection(inbound, h2.DefaultOptions())
	rel := &http2Relay{
		ctx:       ctx,
		connID:    connID,
		server:    server,
		settings:  settings,
		streamMap: make(map[uint32]uint32),
		registry:  registry,
		jitter:    jitter,
	}
	defer rel.closeOutbound()

	err := server.ReadLoop(rel.handleInbound)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return errs.WithConn(err, connID)
}

// bufferedConn lets an h2.Connection read through a *bufio.Reader that may
// already have peeked or partially consumed bytes from conn, while writes
// still go straight to the underlying net.Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// http2Relay holds the translation state for one terminated HTTP/2
// connection: the inbound engine speaking to the client, the outbound
// engine dialed lazily on the first request's :authority, and the mapping
// between the two engines' independently-numbered stream IDs.
type http2Relay struct {
	ctx    context.Context
	connID uint64

	server   *h2.Connection
	settings config.ProxySettings
	registry *fabric.Registry
	jitter   *fabric.TimingPreserver

	mu           sync.Mutex
	outbound     *h2.Connection
	outboundConn net.Conn
	streamMap    map[uint32]uint32 // client stream id -> outbound stream id
}

func (r *http2Relay) closeOutbound() {
	r.mu.Lock()
	conn := r.outboundConn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *http2Relay) handleInbound(streamID uint32, headers []h2.HeaderField, data []byte, endStream bool) {
	if r.registry != nil {
		r.registry.MarkActivity(r.connID)
	}

	if headers != nil {
		outboundID, err := r.ensureOutboundStream(streamID, headers)
		if err != nil {
			return
		}
		r.outbound.SendHeaders(outboundID, stripHopByHop(headers), endStream)
	}
	if data != nil {
		r.mu.Lock()
		outboundID, ok := r.streamMap[streamID]
		out := r.outbound
		r.mu.Unlock()
		if ok && out != nil {
			out.SendData(outboundID, data, endStream)
		}
	}

	if r.jitter != nil {
		r.jitter.RecordSend()
		r.jitter.Wait()
	}
}

// ensureOutboundStream dials (on first use) and allocates the outbound
// stream that client stream streamID maps to.
func (r *http2Relay) ensureOutboundStream(streamID uint32, headers []h2.HeaderField) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outbound == nil {
		host, port := authorityFromHeaders(headers)
		if host == "" {
			return 0, errs.NewParseError("dispatch.h2_authority", "missing :authority", nil)
		}
		conn, err := dialUpstreamH2(r.ctx, r.settings, host, port)
		if err != nil {
			return 0, err
		}
		r.outboundConn = conn
		r.outbound = h2.NewConnection(conn, h2.DefaultOptions())
		if err := r.outbound.Handshake(); err != nil {
			return 0, err
		}
		go r.outbound.ReadLoop(r.handleOutbound)
	}

	s := r.outbound.NewStream()
	r.streamMap[streamID] = s.ID
	return s.ID, nil
}

func (r *http2Relay) handleOutbound(streamID uint32, headers []h2.HeaderField, data []byte, endStream bool) {
	r.mu.Lock()
	var clientID uint32
	for cid, oid := range r.streamMap {
		if oid == streamID {
			clientID = cid
			break
		}
	}
	r.mu.Unlock()
	if clientID == 0 {
		return
	}

	if headers != nil {
		r.server.SendHeaders(clientID, stripHopByHop(headers), endStream)
	}
	if data != nil {
		r.server.SendData(clientID, data, endStream)
	}
	if r.registry != nil {
		r.registry.MarkActivity(r.connID)
	}
}

func stripHopByHop(fields []h2.HeaderField) []h2.HeaderField {
	out := make([]h2.HeaderField, 0, len(fields))
	for _, f := range fields {
		if h2.IsConnectionSpecific(strings.ToLower(f.Name)) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func authorityFromHeaders(fields []h2.HeaderField) (host string, port int) {
	port = 443
	for _, f := range fields {
		if f.Name == ":authority" {
			h, p, err := net.SplitHostPort(f.Value)
			if err != nil {
				return f.Value, port
			}
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
			return h, port
		}
	}
	return "", port
}

func dialUpstreamH2(ctx context.Context, settings config.ProxySettings, host string, port int) (net.Conn, error) {
	connector := upstream.NewConnector(settings)
	raw, err := connector.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, &tls.Config{ServerName: host, NextProtos: []string{"h2"}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errs.NewHandshakeError("dispatch.h2_upstream_tls", "", err)
	}
	return tlsConn, nil
}
