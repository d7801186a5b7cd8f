// Package h2 implements the HTTP/2 frame codec, stream state machine, flow
// control ledger and priority tree (spec section 4.2). It is grounded on
// the teacher's pkg/http2 package but replaces the teacher's RFC-7540-full
// state diagram and HPACK dynamic-table encoder with the simplified,
// literal-only behavior spec section 4.2/4.9 requires.
package h2

import (
	"golang.org/x/net/http2"
)

// StreamState is the simplified state machine spec section 4.2 names;
// unlike the teacher's pkg/http2/stream.go there is no ReservedLocal/
// ReservedRemote pair since server push is out of scope.
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default SETTINGS values advertised on connect (spec section 3 data
// model). These intentionally diverge from the teacher's
// pkg/http2.DefaultOptions(), which advertises a 4MiB initial window and a
// 10MiB header list limit for its own client-pool use case.
const (
	DefaultHeaderTableSize   = 65536
	DefaultInitialWindowSize = 1048576
	DefaultMaxFrameSize      = 16384
	DefaultMaxConcurrent     = 100

	// connectionWindowTarget is the value the connection-level receive
	// window is topped back up to once it has drained below half (spec
	// section 4.2's debounced flow control rule).
	connectionWindowTarget = 1048576
	// flowControlRestoreThreshold is the low-water mark that triggers a
	// WINDOW_UPDATE once the debounce interval has elapsed.
	flowControlRestoreThreshold = connectionWindowTarget / 2
	// flowControlDebounceMillis is the minimum interval between WINDOW_UPDATE
	// frames sent for the same window.
	flowControlDebounceMillis = 100
)

// PriorityNode is one entry in the connection's priority tree (spec
// section 4.2). Cycles (a stream naming itself or one of its own
// descendants as its dependency) are collapsed by reparenting that stream
// to stream 0.
type PriorityNode struct {
	StreamID uint32
	Parent   uint32
	Weight   uint16
	Children map[uint32]*PriorityNode
}

// Stream is one HTTP/2 stream's protocol-visible state.
type Stream struct {
	ID               uint32
	State            StreamState
	PeerWindow       int64 // how much we are allowed to send, decremented by our DATA
	RecvWindow       int64 // how much we've told the peer it may send us
	RecvWindowLastUpdate int64 // unix millis of the last WINDOW_UPDATE we sent for this stream
	RequestHeaders   []HeaderField
	ResponseHeaders  []HeaderField
	EndStreamSent    bool
	EndStreamRecv    bool
}

// HeaderField mirrors hpack.HeaderField's shape without importing hpack
// into every caller; Name/Value are both on the wire verbatim.
type HeaderField struct {
	Name  string
	Value string
}

// Options configures a Connection. Values default to spec section 3's
// data model, not the teacher's client-pool defaults.
type Options struct {
	HeaderTableSize   uint32
	InitialWindowSize uint32
	MaxFrameSize      uint32
	MaxConcurrent     uint32
	EnablePush        bool
}

// DefaultOptions returns spec section 3's default SETTINGS payload.
func DefaultOptions() Options {
	return Options{
		HeaderTableSize:   DefaultHeaderTableSize,
		InitialWindowSize: DefaultInitialWindowSize,
		MaxFrameSize:      DefaultMaxFrameSize,
		MaxConcurrent:     DefaultMaxConcurrent,
		EnablePush:        false,
	}
}

// Settings converts Options into the ordered (id, value) pairs to send in
// a SETTINGS frame, in ascending SettingID order for determinism.
func (o Options) Settings() []Setting {
	push := uint32(0)
	if o.EnablePush {
		push = 1
	}
	return []Setting{
		{ID: http2.SettingHeaderTableSize, Value: o.HeaderTableSize},
		{ID: http2.SettingEnablePush, Value: push},
		{ID: http2.SettingMaxConcurrentStreams, Value: o.MaxConcurrent},
		{ID: http2.SettingInitialWindowSize, Value: o.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Value: o.MaxFrameSize},
	}
}

// Setting is one SETTINGS (id, value) pair.
type Setting struct {
	ID    http2.SettingID
	Value uint32
}
