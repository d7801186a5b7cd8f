package dispatch

import (
	"context"
	"net"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/fabric"
	"github.com/Dmitry19794/tproxy/internal/upstream"
)

// HandleOpaque dials host:port through the upstream connector built from
// the configured proxy settings and relays bytes verbatim in both
// directions, with no protocol
// awareness at all — spec section 4.3's fallback for input that doesn't
// classify as CONNECT, TLS, HTTP/1, or HTTP/2.
func HandleOpaque(ctx context.Context, connID uint64, client net.Conn, host string, port int, settings config.ProxySettings, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	connector := upstream.NewConnector(settings)
	target, err := connector.Dial(ctx, host, port)
	if err != nil {
		return err
	}
	defer target.Close()

	return Relay(ctx, connID, client, target, registry, jitter)
}
