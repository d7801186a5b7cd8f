package h2

import (
	"encoding/binary"
	"io"

	"golang.org/x/net/http2"

	"github.com/Dmitry19794/tproxy/internal/errs"
)

// FrameHeader is the 9-byte HTTP/2 frame header, parsed or built by hand
// rather than through golang.org/x/net/http2.Framer so the wire layout
// (and any quirks a fingerprinted client would show) stays fully under our
// control, the same level RawFrameBuilder/ParseFrame operate at in the
// teacher's pkg/http2/frames.go.
type FrameHeader struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

const frameHeaderLen = 9

// ReadFrame reads one frame header and its payload from r.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return FrameHeader{}, nil, errs.NewParseError("h2.read_frame", "", err)
	}
	fh := ParseFrameHeader(hdr)
	payload := make([]byte, fh.Length)
	if fh.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return FrameHeader{}, nil, errs.NewParseError("h2.read_frame_payload", "", err)
		}
	}
	return fh, payload, nil
}

// ParseFrameHeader decodes a 9-byte frame header. Callers must ensure
// len(data) >= 9.
func ParseFrameHeader(data []byte) FrameHeader {
	length := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	return FrameHeader{
		Length:   length,
		Type:     http2.FrameType(data[3]),
		Flags:    http2.Flags(data[4]),
		StreamID: binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff,
	}
}

// BuildFrame assembles a full frame (header + payload) at the byte level.
func BuildFrame(frameType http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	out := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	length := uint32(len(payload))
	out[0] = byte(length >> 16)
	out[1] = byte(length >> 8)
	out[2] = byte(length)
	out[3] = byte(frameType)
	out[4] = byte(flags)
	binary.BigEndian.PutUint32(out[5:9], streamID&0x7fffffff)
	return append(out, payload...)
}

// BuildSettingsFrame builds a SETTINGS frame. Order of settings is
// preserved from the slice (callers pass Options.Settings(), which is
// already in a deterministic order).
func BuildSettingsFrame(settings []Setting, ack bool) []byte {
	var payload []byte
	for _, s := range settings {
		buf := make([]byte, 6)
		binary.BigEndian.PutUint16(buf[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(buf[2:6], s.Value)
		payload = append(payload, buf...)
	}
	flags := http2.Flags(0)
	if ack {
		flags = http2.FlagSettingsAck
	}
	return BuildFrame(http2.FrameSettings, flags, 0, payload)
}

// ParseSettingsFrame decodes a SETTINGS frame payload into (id, value) pairs.
func ParseSettingsFrame(payload []byte) ([]Setting, error) {
	if len(payload)%6 != 0 {
		return nil, errs.NewParseError("h2.parse_settings", "settings payload not a multiple of 6", nil)
	}
	var out []Setting
	for i := 0; i+6 <= len(payload); i += 6 {
		out = append(out, Setting{
			ID:    http2.SettingID(binary.BigEndian.Uint16(payload[i : i+2])),
			Value: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out, nil
}

// BuildPingFrame builds a PING frame carrying 8 bytes of opaque data.
func BuildPingFrame(data [8]byte, ack bool) []byte {
	flags := http2.Flags(0)
	if ack {
		flags = http2.FlagPingAck
	}
	return BuildFrame(http2.FramePing, flags, 0, data[:])
}

// BuildWindowUpdateFrame builds a WINDOW_UPDATE frame for streamID (0 = connection).
func BuildWindowUpdateFrame(streamID uint32, increment uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment&0x7fffffff)
	return BuildFrame(http2.FrameWindowUpdate, 0, streamID, payload)
}

// BuildGoAwayFrame builds a GOAWAY frame.
func BuildGoAwayFrame(lastStreamID uint32, errCode http2.ErrCode, debugData []byte) []byte {
	payload := make([]byte, 8, 8+len(debugData))
	binary.BigEndian.PutUint32(payload[0:4], lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(payload[4:8], uint32(errCode))
	payload = append(payload, debugData...)
	return BuildFrame(http2.FrameGoAway, 0, 0, payload)
}

// BuildRSTStreamFrame builds a RST_STREAM frame.
func BuildRSTStreamFrame(streamID uint32, errCode http2.ErrCode) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(errCode))
	return BuildFrame(http2.FrameRSTStream, 0, streamID, payload)
}

// BuildPriorityFrame builds a PRIORITY frame. weight is the stored value
// in spec section 3's 1..256 range; the wire byte carries weight-1 per
// RFC 7540 section 6.3.
func BuildPriorityFrame(streamID uint32, dep uint32, exclusive bool, weight uint16) []byte {
	payload := make([]byte, 5)
	depWord := dep & 0x7fffffff
	if exclusive {
		depWord |= 0x80000000
	}
	binary.BigEndian.PutUint32(payload[0:4], depWord)
	payload[4] = byte(weight - 1)
	return BuildFrame(http2.FramePriority, 0, streamID, payload)
}

// ParsePriorityPayload decodes a PRIORITY frame's 5-byte payload. The
// returned weight is the wire byte plus one, stored in spec section 3's
// 1..256 range (a plain uint8 cannot hold 256).
func ParsePriorityPayload(payload []byte) (dep uint32, exclusive bool, weight uint16, err error) {
	if len(payload) != 5 {
		return 0, false, 0, errs.NewParseError("h2.parse_priority", "priority payload must be 5 bytes", nil)
	}
	raw := binary.BigEndian.Uint32(payload[0:4])
	exclusive = raw&0x80000000 != 0
	dep = raw & 0x7fffffff
	weight = uint16(payload[4]) + 1
	return dep, exclusive, weight, nil
}

// BuildHeadersFrame builds a HEADERS frame from an already hpack-encoded
// header block fragment.
func BuildHeadersFrame(streamID uint32, headerBlock []byte, endHeaders, endStream bool) []byte {
	var flags http2.Flags
	if endHeaders {
		flags |= http2.FlagHeadersEndHeaders
	}
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	return BuildFrame(http2.FrameHeaders, flags, streamID, headerBlock)
}

// BuildDataFrame builds a DATA frame.
func BuildDataFrame(streamID uint32, data []byte, endStream bool) []byte {
	var flags http2.Flags
	if endStream {
		flags |= http2.FlagDataEndStream
	}
	return BuildFrame(http2.FrameData, flags, streamID, data)
}
