package upstream

import (
	"io"
	"net"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

const (
	socks5Version     = 0x05
	socks5AuthNone     = 0x00
	socks5AuthPassword = 0x02
	socks5CmdConnect   = 0x01
	socks5ATYPIPv4     = 0x01
	socks5ATYPDomain   = 0x03
	socks5ATYPIPv6     = 0x04
	socks5RepSuccess   = 0x00
)

// socks5Client performs the client side of a SOCKS5 handshake (RFC 1928)
// plus optional username/password authentication (RFC 1929), grounded
// byte-for-byte on original_source/src/socks5.rs::Socks5Connector.
type socks5Client struct {
	username string
	password string
}

func (c socks5Client) handshake(conn net.Conn, targetHost string, targetPort int) error {
	if err := c.negotiateMethod(conn); err != nil {
		return err
	}
	if err := c.authenticate(conn); err != nil {
		return err
	}
	return c.sendConnectRequest(conn, targetHost, targetPort)
}

func (c socks5Client) negotiateMethod(conn net.Conn) error {
	methods := []byte{socks5AuthNone}
	if c.username != "" && c.password != "" {
		methods = append(methods, socks5AuthPassword)
	}

	request := make([]byte, 0, 2+len(methods))
	request = append(request, socks5Version, byte(len(methods)))
	request = append(request, methods...)
	if _, err := conn.Write(request); err != nil {
		return errs.NewHandshakeError("socks5.negotiate", "", err)
	}

	response := make([]byte, 2)
	if _, err := io.ReadFull(conn, response); err != nil {
		return errs.NewHandshakeError("socks5.negotiate_response", "", err)
	}
	if response[0] != socks5Version {
		return errs.NewHandshakeError("socks5.negotiate_response", "invalid SOCKS5 version in response", nil)
	}
	if response[1] == 0xFF {
		return errs.NewHandshakeError("socks5.negotiate_response", "no acceptable authentication method", nil)
	}
	return nil
}

func (c socks5Client) authenticate(conn net.Conn) error {
	if c.username == "" || c.password == "" {
		return nil
	}

	request := make([]byte, 0, 3+len(c.username)+len(c.password))
	request = append(request, 0x01)
	request = append(request, byte(len(c.username)))
	request = append(request, c.username...)
	request = append(request, byte(len(c.password)))
	request = append(request, c.password...)
	if _, err := conn.Write(request); err != nil {
		return errs.NewHandshakeError("socks5.authenticate", "", err)
	}

	response := make([]byte, 2)
	if _, err := io.ReadFull(conn, response); err != nil {
		return errs.NewHandshakeError("socks5.authenticate_response", "", err)
	}
	if response[1] != 0x00 {
		return errs.NewHandshakeError("socks5.authenticate_response", "SOCKS5 authentication failed", nil)
	}
	return nil
}

func (c socks5Client) sendConnectRequest(conn net.Conn, targetHost string, targetPort int) error {
	request := []byte{socks5Version, socks5CmdConnect, 0x00}

	if ip := net.ParseIP(targetHost); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			request = append(request, socks5ATYPIPv4)
			request = append(request, v4...)
		} else {
			request = append(request, socks5ATYPIPv6)
			request = append(request, ip.To16()...)
		}
	} else {
		request = append(request, socks5ATYPDomain, byte(len(targetHost)))
		request = append(request, targetHost...)
	}
	request = append(request, byte(targetPort>>8), byte(targetPort))

	if _, err := conn.Write(request); err != nil {
		return errs.NewHandshakeError("socks5.connect_request", "", err)
	}

	response := make([]byte, 4)
	if _, err := io.ReadFull(conn, response); err != nil {
		return errs.NewHandshakeError("socks5.connect_response", "", err)
	}
	if response[0] != socks5Version {
		return errs.NewHandshakeError("socks5.connect_response", "invalid SOCKS5 version in connect response", nil)
	}
	if response[1] != socks5RepSuccess {
		return errs.NewHandshakeError("socks5.connect_response", "SOCKS5 connect failed", nil)
	}

	var skip int
	switch response[3] {
	case socks5ATYPIPv4:
		skip = 4 + 2
	case socks5ATYPIPv6:
		skip = 16 + 2
	case socks5ATYPDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return errs.NewHandshakeError("socks5.connect_response_bind_len", "", err)
		}
		skip = int(lenBuf[0]) + 2
	default:
		return errs.NewHandshakeError("socks5.connect_response", "invalid address type in bind address", nil)
	}

	skipBuf := make([]byte, skip)
	if _, err := io.ReadFull(conn, skipBuf); err != nil {
		return errs.NewHandshakeError("socks5.connect_response_bind", "", err)
	}
	return nil
}
