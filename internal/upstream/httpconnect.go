package upstream

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

// httpConnectResponseCap bounds how much of the proxy's CONNECT response
// we will buffer before giving up, matching original_source/src/
// socks5.rs::HttpsProxyConnector's 8192-byte cap.
const httpConnectResponseCap = 8192

// httpConnectClient performs an HTTP CONNECT tunnel handshake with
// optional Proxy-Authorization: Basic auth, grounded on
// original_source/src/socks5.rs::HttpsProxyConnector.
type httpConnectClient struct {
	username string
	password string
}

func (c httpConnectClient) connect(conn net.Conn, targetHost string, targetPort int) error {
	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if c.username != "" && c.password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	b.WriteString("\r\n")

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return errs.NewHandshakeError("http_connect.request", "", err)
	}

	response, err := readUntilHeadersEnd(conn)
	if err != nil {
		return err
	}

	statusLine := response
	if idx := strings.IndexAny(response, "\r\n"); idx >= 0 {
		statusLine = response[:idx]
	}
	if !strings.Contains(statusLine, "200") && !strings.Contains(statusLine, "Connection established") {
		return errs.NewHandshakeError("http_connect.response", "CONNECT failed: "+statusLine, nil)
	}
	return nil
}

func readUntilHeadersEnd(conn net.Conn) (string, error) {
	var response []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", errs.NewHandshakeError("http_connect.response_read", "", err)
		}
		response = append(response, buf[0])
		if len(response) >= 4 && string(response[len(response)-4:]) == "\r\n\r\n" {
			return string(response), nil
		}
		if len(response) > httpConnectResponseCap {
			return "", errs.NewHandshakeError("http_connect.response_read", "HTTPS proxy response too large", nil)
		}
	}
}
