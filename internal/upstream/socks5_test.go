package upstream

import (
	"io"
	"net"
	"testing"
)

func TestSocks5HandshakeNoAuthGoldenBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := socks5Client{}
		done <- c.handshake(client, "93.184.216.34", 443)
	}()

	methodReq := make([]byte, 3)
	if _, err := io.ReadFull(server, methodReq); err != nil {
		t.Fatalf("read method request: %v", err)
	}
	if methodReq[0] != 0x05 || methodReq[1] != 0x01 || methodReq[2] != 0x00 {
		t.Fatalf("method request = %x, want [05 01 00]", methodReq)
	}
	if _, err := server.Write([]byte{0x05, 0x00}); err != nil {
		t.Fatalf("write method response: %v", err)
	}

	connectReq := make([]byte, 10) // ver+cmd+rsv+atyp+4(ipv4)+2(port)
	if _, err := io.ReadFull(server, connectReq); err != nil {
		t.Fatalf("read connect request: %v", err)
	}
	want := []byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x01, 0xBB}
	for i, b := range want {
		if connectReq[i] != b {
			t.Fatalf("connect request = %x, want %x", connectReq, want)
		}
	}

	if _, err := server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write connect response: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
}

func TestSocks5HandshakeDomainATYP(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := socks5Client{}
		done <- c.handshake(client, "example.com", 80)
	}()

	methodReq := make([]byte, 3)
	io.ReadFull(server, methodReq)
	server.Write([]byte{0x05, 0x00})

	header := make([]byte, 5) // ver+cmd+rsv+atyp+domain_len
	if _, err := io.ReadFull(server, header); err != nil {
		t.Fatalf("read connect header: %v", err)
	}
	if header[3] != 0x03 || header[4] != byte(len("example.com")) {
		t.Fatalf("header = %x, want atyp=03 len=%d", header, len("example.com"))
	}
	domain := make([]byte, header[4]+2)
	io.ReadFull(server, domain)
	if string(domain[:len(domain)-2]) != "example.com" {
		t.Fatalf("domain = %q, want example.com", domain[:len(domain)-2])
	}

	server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	if err := <-done; err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
}

func TestSocks5HandshakeAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := socks5Client{}
		done <- c.handshake(client, "10.0.0.1", 1234)
	}()

	methodReq := make([]byte, 3)
	io.ReadFull(server, methodReq)
	server.Write([]byte{0x05, 0xFF}) // no acceptable auth method

	if err := <-done; err == nil {
		t.Fatalf("expected handshake failure on 0xFF response")
	}
}

func TestSocks5UsernamePasswordAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := socks5Client{username: "alice", password: "secret"}
		done <- c.handshake(client, "10.0.0.1", 1234)
	}()

	methodReq := make([]byte, 4)
	io.ReadFull(server, methodReq)
	if methodReq[1] != 0x02 || methodReq[2] != 0x00 || methodReq[3] != 0x02 {
		t.Fatalf("methods offered = %x, want [02 00 02]", methodReq[1:])
	}
	server.Write([]byte{0x05, 0x02})

	authReq := make([]byte, 2+len("alice")+1+len("secret"))
	io.ReadFull(server, authReq)
	if authReq[0] != 0x01 || authReq[1] != byte(len("alice")) {
		t.Fatalf("auth request header = %x", authReq[:2])
	}
	server.Write([]byte{0x01, 0x00})

	connectReq := make([]byte, 10)
	io.ReadFull(server, connectReq)
	server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	if err := <-done; err != nil {
		t.Fatalf("handshake() error = %v", err)
	}
}
