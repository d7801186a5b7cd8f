package dispatch

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/Dmitry19794/tproxy/internal/errs"
	"github.com/Dmitry19794/tproxy/internal/fabric"
)

// relayBufferSize is the per-direction copy buffer, matching the fixed
// 4KB buffer Ankit-Kulkarni-go-experiments/transparentProxy/main.go uses
// for its transferData loop.
const relayBufferSize = 4096

// burstWindow is how many chunk writes the relay's burst detector tracks
// per connection to decide whether traffic is already bursty.
const burstWindow = 32

// burstRateThreshold is the chunks/second above which traffic is treated
// as a burst (spec section 4.5's supplemented burst-aware pacing): once a
// connection is already sending in a burst, the natural-timing jitter
// doesn't need to mask anything and is skipped rather than adding latency
// a real burst wouldn't have.
const burstRateThreshold = 50.0

// relayErrorPolicy decides which relay-direction errors are worth
// returning to the caller: suppressing expected peer disconnects while
// still surfacing parse/flow-control/synthesize-class failures.
var relayErrorPolicy = fabric.ErrorPolicy{SuppressNonCritical: true}

// Relay pipes bytes bidirectionally between client and upstream until
// either side closes, ctx is cancelled, or registry has been told to
// shut down. jitter, if non-nil, is consulted between chunks to apply
// spec section 4.5's natural-timing delay so relayed traffic doesn't
// present an obviously uniform pacing signature.
func Relay(ctx context.Context, connID uint64, client, upstream net.Conn, registry *fabric.Registry, jitter *fabric.TimingPreserver) error {
	burst := fabric.NewBurstDetector(burstWindow)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Whichever direction ends first closes both connections, so the other
	// direction's blocked Read returns instead of waiting on its peer.
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			upstream.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- pipe(ctx, connID, client, upstream, registry, jitter, burst)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		errCh <- pipe(ctx, connID, upstream, client, registry, jitter, burst)
		closeBoth()
	}()

	wg.Wait()
	close(errCh)

	// Both directions can legitimately fail independently (e.g. the client
	// resets while the upstream write is also failing); go-multierror
	// preserves both instead of silently dropping one the way a "first
	// error wins" return would.
	var merr *multierror.Error
	for err := range errCh {
		if err != nil && relayErrorPolicy.ShouldPropagate(err) {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// pipe copies from src to dst until EOF, a read/write error, or the
// registry signals shutdown. It returns nil on a clean EOF: a peer
// closing its side of the connection is expected relay termination, not
// a failure.
func pipe(ctx context.Context, connID uint64, dst io.Writer, src io.Reader, registry *fabric.Registry, jitter *fabric.TimingPreserver, burst *fabric.BurstDetector) error {
	buf := make([]byte, relayBufferSize)
	for {
		if registry != nil && registry.ShuttingDown() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return errs.WithConn(errs.NewRelayError("dispatch.relay_write", writeErr), connID)
			}
			if registry != nil {
				registry.MarkActivity(connID)
			}
			burst.RecordPacket()
			if jitter != nil && !burst.IsBurst(burstRateThreshold) {
				jitter.RecordSend()
				jitter.Wait()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return errs.WithConn(errs.NewRelayError("dispatch.relay_read", readErr), connID)
		}
	}
}
