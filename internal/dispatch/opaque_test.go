package dispatch

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/fabric"
)

func TestHandleOpaqueRelaysBothDirections(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		if string(buf) != "hello" {
			t.Errorf("upstream got %q, want hello", buf)
		}
		conn.Write([]byte("world"))
	}()

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	host, portStr, _ := net.SplitHostPort(upstreamLn.Addr().String())
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	registry := fabric.NewRegistry()
	registry.Register(1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- HandleOpaque(context.Background(), 1, proxySide, host, port, config.ProxySettings{ProxyType: config.ProxyDirect}, registry, nil)
	}()

	clientSide.Write([]byte("hello"))
	resp := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, resp); err != nil {
		t.Fatalf("read from relay: %v", err)
	}
	if string(resp) != "world" {
		t.Fatalf("got %q, want world", resp)
	}
	clientSide.Close()

	<-done
}
