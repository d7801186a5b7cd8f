package h2

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

// Connection is one HTTP/2 connection's protocol engine: frame I/O, the
// per-stream state machine, the flow-control ledger, and the priority
// tree. It is grounded on the teacher's pkg/http2.Connection (shape of the
// fields) and pkg/http2/stream.go (StreamManager), but the state machine
// and flow control follow spec section 4.2's simplified rules rather than
// the teacher's full RFC 7540 diagram and per-DATA-frame window updates.
type Connection struct {
	conn net.Conn

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	opts     Options
	peerOpts Options

	connRecvWindow     int64
	connRecvLastUpdate int64 // unix millis
	connPeerWindow     int64

	tree *PriorityTree

	closed bool
}

// NewConnection wraps conn with the HTTP/2 engine. The caller is
// responsible for having already completed (or synthesized) the TLS
// handshake and ALPN negotiation of "h2".
func NewConnection(conn net.Conn, opts Options) *Connection {
	return &Connection{
		conn:           conn,
		streams:        make(map[uint32]*Stream),
		nextID:         1,
		opts:           opts,
		peerOpts:       DefaultOptions(),
		connRecvWindow: connectionWindowTarget,
		connPeerWindow: DefaultInitialWindowSize,
		tree:           NewPriorityTree(),
	}
}

// ClientPreface is the fixed 24-byte HTTP/2 connection preface a client
// sends before its first SETTINGS frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Handshake writes the client preface and initial SETTINGS frame.
func (c *Connection) Handshake() error {
	if _, err := io.WriteString(c.conn, ClientPreface); err != nil {
		return errs.NewHandshakeError("h2.handshake_preface", "", err)
	}
	if _, err := c.conn.Write(BuildSettingsFrame(c.opts.Settings(), false)); err != nil {
		return errs.NewHandshakeError("h2.handshake_settings", "", err)
	}
	return nil
}

// NewStream allocates the next client-initiated stream ID (odd, strictly
// increasing) and registers it in the Idle state.
func (c *Connection) NewStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Stream{
		ID:         c.nextID,
		State:      StateIdle,
		PeerWindow: int64(c.peerOpts.InitialWindowSize),
		RecvWindow: connectionWindowTarget,
	}
	c.streams[s.ID] = s
	c.nextID += 2
	c.tree.Insert(s.ID, 0, false, 16)
	return s
}

// Stream looks up a stream by id.
func (c *Connection) Stream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// ReadLoop reads frames until the connection closes or a protocol error
// occurs, dispatching each to the appropriate handler. handler receives
// fully-decoded HEADERS/DATA frame contents for the caller (dispatch
// layer) to relay upstream; PING/SETTINGS/WINDOW_UPDATE/GOAWAY/PRIORITY/
// RST_STREAM are handled entirely within the engine.
func (c *Connection) ReadLoop(handler func(streamID uint32, headers []HeaderField, data []byte, endStream bool)) error {
	for {
		fh, payload, err := ReadFrame(c.conn)
		if err != nil {
			return err
		}
		if err := c.dispatchFrame(fh, payload, handler); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatchFrame(fh FrameHeader, payload []byte, handler func(uint32, []HeaderField, []byte, bool)) error {
	switch fh.Type {
	case http2.FrameSettings:
		return c.handleSettings(fh, payload)
	case http2.FramePing:
		return c.handlePing(fh, payload)
	case http2.FrameWindowUpdate:
		return c.handleWindowUpdate(fh, payload)
	case http2.FrameGoAway:
		// GOAWAY is accepted and otherwise ignored: existing streams
		// continue, and NewStream still allocates new streams on this
		// connection afterwards.
		return nil
	case http2.FrameRSTStream:
		return c.handleRSTStream(fh)
	case http2.FramePriority:
		return c.handlePriority(fh, payload)
	case http2.FrameHeaders:
		return c.handleHeaders(fh, payload, handler)
	case http2.FrameData:
		return c.handleData(fh, payload, handler)
	default:
		return nil
	}
}

func (c *Connection) handleSettings(fh FrameHeader, payload []byte) error {
	if fh.Flags&http2.FlagSettingsAck != 0 {
		return nil
	}
	settings, err := ParseSettingsFrame(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, s := range settings {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			c.peerOpts.InitialWindowSize = s.Value
		case http2.SettingMaxFrameSize:
			c.peerOpts.MaxFrameSize = s.Value
		case http2.SettingHeaderTableSize:
			c.peerOpts.HeaderTableSize = s.Value
		case http2.SettingMaxConcurrentStreams:
			c.peerOpts.MaxConcurrent = s.Value
		}
	}
	c.mu.Unlock()
	_, err = c.conn.Write(BuildSettingsFrame(nil, true))
	return err
}

func (c *Connection) handlePing(fh FrameHeader, payload []byte) error {
	if fh.Flags&http2.FlagPingAck != 0 {
		return nil
	}
	var data [8]byte
	copy(data[:], payload)
	_, err := c.conn.Write(BuildPingFrame(data, true))
	return err
}

// maxWindowSize is the largest value a flow-control window may hold (spec
// section 4.2/RFC 7540 6.9.1); windows saturate at this value rather than
// overflowing.
const maxWindowSize = (1 << 31) - 1

func (c *Connection) handleWindowUpdate(fh FrameHeader, payload []byte) error {
	if len(payload) != 4 {
		return errs.NewParseError("h2.window_update", "payload must be 4 bytes", nil)
	}
	increment := int64(payload[0]&0x7f)<<24 | int64(payload[1])<<16 | int64(payload[2])<<8 | int64(payload[3])

	// A zero increment is a protocol error (spec section 4.2/section 7):
	// connection-scope tears the whole connection down with GOAWAY, stream-
	// scope resets just that stream with RST_STREAM.
	if increment == 0 {
		if fh.StreamID == 0 {
			c.sendGoAway(http2.ErrCodeProtocol)
			return errs.NewFlowControlError("h2.window_update_zero", "zero increment on connection-scope WINDOW_UPDATE")
		}
		c.conn.Write(BuildRSTStreamFrame(fh.StreamID, http2.ErrCodeProtocol))
		return nil
	}

	c.mu.Lock()
	if fh.StreamID == 0 {
		c.connPeerWindow += increment
		if c.connPeerWindow > maxWindowSize {
			c.connPeerWindow = maxWindowSize
			c.mu.Unlock()
			c.sendGoAway(http2.ErrCodeFlowControl)
			return errs.NewFlowControlError("h2.window_update_overflow", "connection window exceeded max size")
		}
		c.mu.Unlock()
		return nil
	}
	s, ok := c.streams[fh.StreamID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	s.PeerWindow += increment
	overflowed := s.PeerWindow > maxWindowSize
	if overflowed {
		s.PeerWindow = maxWindowSize
	}
	c.mu.Unlock()
	if overflowed {
		c.conn.Write(BuildRSTStreamFrame(fh.StreamID, http2.ErrCodeFlowControl))
	}
	return nil
}

// sendGoAway writes a GOAWAY frame reporting the last stream ID allocated
// so far, without tearing down the connection itself: the caller surfaces
// the error to ReadLoop's caller, which decides whether to close.
func (c *Connection) sendGoAway(errCode http2.ErrCode) {
	c.mu.Lock()
	lastStream := uint32(0)
	if c.nextID > 1 {
		lastStream = c.nextID - 2
	}
	c.mu.Unlock()
	c.conn.Write(BuildGoAwayFrame(lastStream, errCode, nil))
}

func (c *Connection) handleRSTStream(fh FrameHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[fh.StreamID]; ok {
		s.State = StateClosed
	}
	c.tree.Remove(fh.StreamID)
	return nil
}

func (c *Connection) handlePriority(fh FrameHeader, payload []byte) error {
	dep, exclusive, weight, err := ParsePriorityPayload(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tree.Insert(fh.StreamID, dep, exclusive, weight)
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleHeaders(fh FrameHeader, payload []byte, handler func(uint32, []HeaderField, []byte, bool)) error {
	fields, err := DecodeHeaders(payload)
	if err != nil {
		return err
	}
	endStream := fh.Flags&http2.FlagHeadersEndStream != 0

	c.mu.Lock()
	s, ok := c.streams[fh.StreamID]
	if !ok {
		s = &Stream{ID: fh.StreamID, State: StateIdle, PeerWindow: int64(c.peerOpts.InitialWindowSize), RecvWindow: connectionWindowTarget}
		c.streams[fh.StreamID] = s
	}
	c.transition(s, true, endStream)
	c.mu.Unlock()

	if handler != nil {
		handler(fh.StreamID, fields, nil, endStream)
	}
	return nil
}

func (c *Connection) handleData(fh FrameHeader, payload []byte, handler func(uint32, []HeaderField, []byte, bool)) error {
	endStream := fh.Flags&http2.FlagDataEndStream != 0

	c.mu.Lock()
	s, ok := c.streams[fh.StreamID]
	if ok && s.State == StateClosed {
		c.mu.Unlock()
		return nil // spec: closed stream silently drops further frames
	}
	if ok {
		c.transition(s, false, endStream)
		s.RecvWindow -= int64(len(payload))
	}
	c.connRecvWindow -= int64(len(payload))
	needsConnUpdate, connIncrement := c.maybeRestoreWindow(&c.connRecvWindow, &c.connRecvLastUpdate)
	var needsStreamUpdate bool
	var streamIncrement int64
	if ok {
		needsStreamUpdate, streamIncrement = c.maybeRestoreWindow(&s.RecvWindow, &s.RecvWindowLastUpdate)
	}
	c.mu.Unlock()

	if needsConnUpdate {
		c.conn.Write(BuildWindowUpdateFrame(0, uint32(connIncrement)))
	}
	if needsStreamUpdate {
		c.conn.Write(BuildWindowUpdateFrame(fh.StreamID, uint32(streamIncrement)))
	}

	if handler != nil {
		handler(fh.StreamID, nil, payload, endStream)
	}
	return nil
}

// maybeRestoreWindow implements spec section 4.2's debounced flow control:
// once a window has drained below half its target and at least 100ms have
// passed since the last WINDOW_UPDATE for it, top it back up to the
// target. Must be called with c.mu held.
func (c *Connection) maybeRestoreWindow(window *int64, lastUpdateMillis *int64) (bool, int64) {
	if *window >= flowControlRestoreThreshold {
		return false, 0
	}
	now := time.Now().UnixMilli()
	if now-*lastUpdateMillis < flowControlDebounceMillis {
		return false, 0
	}
	increment := connectionWindowTarget - *window
	*window = connectionWindowTarget
	*lastUpdateMillis = now
	return true, increment
}

// transition applies spec section 4.2's simplified stream state machine.
// Must be called with c.mu held.
func (c *Connection) transition(s *Stream, isHeaders bool, endStream bool) {
	switch s.State {
	case StateIdle:
		if isHeaders {
			if endStream {
				s.State = StateHalfClosedRemote
			} else {
				s.State = StateOpen
			}
		}
	case StateOpen:
		if endStream {
			s.State = StateHalfClosedRemote
		}
	case StateHalfClosedLocal:
		if endStream {
			s.State = StateClosed
			c.tree.Remove(s.ID)
		}
	case StateHalfClosedRemote, StateClosed:
		// Closed (or already half-closed the other direction): further
		// frames from the peer on this stream are protocol noise we drop.
	}
}

// SendHeaders encodes and writes a HEADERS frame, transitioning the local
// side of the stream's state.
func (c *Connection) SendHeaders(streamID uint32, fields []HeaderField, endStream bool) error {
	ordered := OrderHeaders(fields, false)
	block := EncodeHeaders(ordered)

	c.mu.Lock()
	if s, ok := c.streams[streamID]; ok {
		if s.State == StateIdle {
			s.State = StateOpen
		}
		if endStream {
			if s.State == StateHalfClosedRemote {
				s.State = StateClosed
				c.tree.Remove(streamID)
			} else {
				s.State = StateHalfClosedLocal
			}
		}
	}
	c.mu.Unlock()

	_, err := c.conn.Write(BuildHeadersFrame(streamID, block, true, endStream))
	return err
}

// SendData writes a DATA frame and debits len(data) from the stream's and
// the connection's peer windows. It does not check those windows first:
// the frame is written even when it exceeds them, and the windows can go
// negative.
func (c *Connection) SendData(streamID uint32, data []byte, endStream bool) error {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if ok {
		s.PeerWindow -= int64(len(data))
		c.connPeerWindow -= int64(len(data))
		if endStream {
			if s.State == StateHalfClosedRemote {
				s.State = StateClosed
				c.tree.Remove(streamID)
			} else {
				s.State = StateHalfClosedLocal
			}
		}
	}
	c.mu.Unlock()

	_, err := c.conn.Write(BuildDataFrame(streamID, data, endStream))
	return err
}

// Close tears the connection down, sending GOAWAY first.
func (c *Connection) Close(errCode http2.ErrCode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	lastStream := c.nextID
	c.mu.Unlock()

	c.conn.Write(BuildGoAwayFrame(lastStream, errCode, nil))
	return c.conn.Close()
}
