package upstream

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

func TestHTTPConnectRequestLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := httpConnectClient{}
		done <- c.connect(client, "example.com", 443)
	}()

	reader := bufio.NewReader(server)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "CONNECT example.com:443 HTTP/1.1" {
		t.Fatalf("request line = %q", line)
	}
	for {
		l, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}
	server.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

	if err := <-done; err != nil {
		t.Fatalf("connect() error = %v", err)
	}
}

func TestHTTPConnectWithProxyAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := httpConnectClient{username: "bob", password: "hunter2"}
		done <- c.connect(client, "example.com", 443)
	}()

	reader := bufio.NewReader(server)
	var sawAuth bool
	for {
		l, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if strings.HasPrefix(l, "Proxy-Authorization: Basic ") {
			sawAuth = true
		}
		if l == "\r\n" {
			break
		}
	}
	if !sawAuth {
		t.Fatalf("expected Proxy-Authorization header")
	}
	server.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

	if err := <-done; err != nil {
		t.Fatalf("connect() error = %v", err)
	}
}

func TestHTTPConnectFailureStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		c := httpConnectClient{}
		done <- c.connect(client, "example.com", 443)
	}()

	reader := bufio.NewReader(server)
	for {
		l, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}
	server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))

	if err := <-done; err == nil {
		t.Fatalf("expected failure on non-200 response")
	}
}
