package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
	"github.com/Dmitry19794/tproxy/internal/h2"
	"github.com/Dmitry19794/tproxy/internal/upstream"
)

// HandleHTTP1 rewrites an absolute-URI HTTP/1 proxy request into
// origin-form, forwards it (and the rest of the connection, relayed
// verbatim thereafter) to the request's target host, and scans the first
// response for anti-bot challenge markers so the caller can register a
// redirect chain (spec section 4.3/4.6).
func HandleHTTP1(ctx context.Context, connID uint64, client net.Conn, reader *bufio.Reader, settings config.ProxySettings, tracker *fabric.ChallengeTracker, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	req, err := http.ReadRequest(reader)
	if err != nil {
		return errs.WithConn(errs.NewParseError("dispatch.http1_request", "", err), connID)
	}

	host := req.URL.Hostname()
	portStr := req.URL.Port()
	if portStr == "" {
		portStr = "80"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errs.WithConn(errs.NewParseError("dispatch.http1_request", "invalid target port", err), connID)
	}
	if host == "" {
		host = req.Host
	}

	rewriteToOriginForm(req)
	stripConnectionSpecificHeaders(req.Header)

	connector := upstream.NewConnector(settings)
	target, err := connector.Dial(ctx, host, port)
	if err != nil {
		return errs.WithConn(err, connID)
	}
	defer target.Close()

	if err := req.Write(target); err != nil {
		return errs.WithConn(errs.NewRelayError("dispatch.http1_forward", err), connID)
	}

	targetReader := bufio.NewReader(target)
	resp, err := http.ReadResponse(targetReader, req)
	if err == nil {
		body := make([]byte, 0)
		if resp.Body != nil {
			buf := make([]byte, 4096)
			n, _ := resp.Body.Read(buf)
			body = buf[:n]
			resp.Body.Close()
		}
		if fabric.DetectChallenge(resp.Header, body) {
			tracker.RegisterChallenge(fmt.Sprintf("%d", connID), req.URL.String())
		}
		if fabric.IsRedirectStatus(resp.StatusCode) {
			tracker.AddRedirect(fmt.Sprintf("%d", connID), req.URL.String(), resp.Header.Get("Location"), resp.StatusCode)
		}

		dump, err := httputil.DumpResponse(resp, false)
		if err == nil {
			client.Write(dump)
			client.Write(body)
		}
	}

	return Relay(ctx, connID, client, target, registry, jitter)
}

// rewriteToOriginForm turns an absolute-URI request line
// ("GET http://host/path HTTP/1.1") into origin-form ("GET /path
// HTTP/1.1"), setting the Host header from the URL if it wasn't already
// present, matching what a real origin server expects to receive.
func rewriteToOriginForm(req *http.Request) {
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	req.URL.Scheme = ""
	req.URL.Host = ""
}

func stripConnectionSpecificHeaders(h http.Header) {
	for name := range h {
		if h2.IsConnectionSpecific(strings.ToLower(name)) {
			h.Del(name)
		}
	}
}
