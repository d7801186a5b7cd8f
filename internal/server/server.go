// Package server runs the proxy's accept loop: for each inbound
// connection it classifies the first bytes (internal/dispatch.Classify)
// and routes to the matching handler, all under a shared
// internal/fabric.Registry so a shutdown signal drains connections
// gracefully instead of yanking them. The accept/goroutine-per-connection
// shape is grounded on
// Ankit-Kulkarni-go-experiments/transparentProxy/main.go's startProxy,
// generalized with the teacher's structured logging and error handling.
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/dispatch"
	"github.com/Dmitry19794/tproxy/internal/fabric"
)

// classifyPeekSize is the number of bytes peeked off a fresh connection
// before routing it. It covers the longest distinguishing prefix we
// classify on ("OPTIONS ", "CONNECT ", "DELETE ") without risking a
// Peek call blocking on a connection that legitimately sends fewer bytes
// in its first write.
const classifyPeekSize = 8

// cleanupInterval is how often the registry's idle connections, the
// challenge tracker's expired entries, and the session-ticket cache's
// expired tickets are swept (spec sections 4.4/4.6/4.8).
const cleanupInterval = 30 * time.Second

// Server owns the listener, the shared connection registry, the
// challenge/redirect tracker, the session-ticket cache, and the timing
// jitter generator that every dispatch handler draws on.
type Server struct {
	listener net.Listener
	settings config.ProxySettings

	registry *fabric.Registry
	tracker  *fabric.ChallengeTracker
	tickets  *fabric.SessionTicketCache
	jitter   *fabric.TimingPreserver

	nextConnID uint64

	log *logrus.Entry
}

// New builds a Server bound to listenAddr, dialing upstreams per
// proxySettings and jittering relayed writes by jitterStddev (spec
// section 4.5).
func New(listenAddr string, proxySettings config.ProxySettings, jitterStddev float64) (*Server, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		settings: proxySettings,
		registry: fabric.NewRegistry(),
		tracker:  fabric.NewChallengeTracker(),
		tickets:  fabric.NewSessionTicketCache(),
		jitter:   fabric.NewTimingPreserver(jitterStddev),
		log:      logrus.WithField("component", "server"),
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until ctx is cancelled; accept errors before
// then are logged and the loop continues. On return the registry has
// already been told to drain.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info("shutdown requested, draining connections")
		s.registry.InitiateShutdown()
		s.registry.GracefulCloseAll(func(id uint64) {
			s.log.WithField("conn_id", id).Warn("force-closed connection after drain timeout")
		})
		s.listener.Close()
	}()

	go s.runCleaner(ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.registry.ShuttingDown() {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handle(ctx, conn)
	}
}

// runCleaner periodically sweeps the registry's idle connections and the
// tracker's/cache's expired entries until ctx is cancelled, so challenge
// and redirect-chain state doesn't grow unbounded (spec sections
// 4.4/4.6/4.8).
func (s *Server) runCleaner(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.CleanupIdle(func(id uint64) {
				s.log.WithField("conn_id", id).Debug("evicted idle connection")
			})
			s.tracker.CleanupExpired()
			s.tickets.CleanupExpired()
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	connID := atomic.AddUint64(&s.nextConnID, 1)
	s.registry.Register(connID)
	defer func() {
		s.registry.Unregister(connID)
		conn.Close()
	}()

	log := s.log.WithField("conn_id", connID).WithField("remote", conn.RemoteAddr().String())

	reader := bufio.NewReader(conn)
	peeked, err := peekForClassify(reader)
	if err != nil {
		if err != io.EOF {
			log.WithError(err).Debug("failed to peek connection")
		}
		return
	}

	kind := dispatch.Classify(peeked)
	log.WithField("kind", kind).Debug("classified connection")

	var handleErr error
	switch kind {
	case dispatch.KindConnect:
		handleErr = dispatch.HandleConnect(ctx, connID, conn, reader, s.registry, s.jitter)
	case dispatch.KindTLS:
		handleErr = dispatch.HandleTLS(ctx, connID, conn, reader, s.settings, s.tickets, s.registry, s.jitter)
	case dispatch.KindHTTP2Preface:
		handleErr = dispatch.HandleHTTP2(ctx, connID, conn, reader, s.settings, s.registry, s.jitter)
	case dispatch.KindHTTP1:
		handleErr = dispatch.HandleHTTP1(ctx, connID, conn, reader, s.settings, s.tracker, s.registry, s.jitter)
	default:
		// Genuinely opaque traffic carries no addressing information of its
		// own (unlike CONNECT/HTTP1/TLS, each of which name a target in the
		// request itself); resolving one would require kernel-level
		// redirect-destination lookup (SO_ORIGINAL_DST / NFQUEUE), which
		// nfqueue_handler.rs leaves an explicit unimplemented stub even in
		// the original. There's nowhere to dial, so the connection is
		// simply closed.
		log.Debug("opaque connection with no resolvable target, closing")
	}

	if handleErr != nil {
		log.WithError(handleErr).Debug("connection handler returned")
	}
}

// peekForClassify returns the first classifyPeekSize bytes available on
// reader without consuming them, or fewer if the connection produced less
// before closing.
func peekForClassify(reader *bufio.Reader) ([]byte, error) {
	b, err := reader.Peek(classifyPeekSize)
	if err == nil {
		return b, nil
	}
	if len(b) > 0 {
		return b, nil
	}
	return nil, err
}
