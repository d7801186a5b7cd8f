package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
	"github.com/Dmitry19794/tproxy/internal/upstream"
)

// HandleConnect services an HTTP CONNECT tunnel request: it reads the
// request line and headers off client, dials the target directly (a
// CONNECT tunnel is itself the client's chosen proxy mechanism, so the
// upstream connector here is always direct), replies with a 200, and then
// relays raw bytes in both directions untouched — whatever the client
// tunnels through (typically a fresh TLS ClientHello) passes through
// verbatim.
func HandleConnect(ctx context.Context, connID uint64, client net.Conn, reader *bufio.Reader, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	req, err := http.ReadRequest(reader)
	if err != nil {
		return errs.WithConn(errs.NewParseError("dispatch.connect_request", "", err), connID)
	}
	if req.Method != http.MethodConnect {
		return errs.WithConn(errs.NewParseError("dispatch.connect_request", "not a CONNECT request", nil), connID)
	}

	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		portStr = "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.WithConn(errs.NewParseError("dispatch.connect_request", "invalid CONNECT port", err), connID)
	}

	connector := upstream.NewConnector(config.ProxySettings{ProxyType: config.ProxyDirect})
	target, err := connector.Dial(ctx, host, port)
	if err != nil {
		fmt.Fprint(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return errs.WithConn(err, connID)
	}
	defer target.Close()

	if _, err := fmt.Fprint(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return errs.WithConn(errs.NewRelayError("dispatch.connect_response", err), connID)
	}

	return Relay(ctx, connID, client, target, registry, jitter)
}
