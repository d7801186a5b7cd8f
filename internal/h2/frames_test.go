package h2_test

import (
	"bytes"
	"testing"

	gohttp2 "golang.org/x/net/http2"

	"github.com/Dmitry19794/tproxy/internal/h2"
)

func TestBuildFrame(t *testing.T) {
	t.Run("DataFrame", func(t *testing.T) {
		payload := []byte("hello")
		raw := h2.BuildDataFrame(3, payload, true)

		length := uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
		if int(length) != len(payload) {
			t.Fatalf("length = %d, want %d", length, len(payload))
		}
		if gohttp2.FrameType(raw[3]) != gohttp2.FrameData {
			t.Fatalf("type = %d, want FrameData", raw[3])
		}
		if gohttp2.Flags(raw[4])&gohttp2.FlagDataEndStream == 0 {
			t.Fatalf("END_STREAM flag not set")
		}
		if !bytes.Equal(raw[9:], payload) {
			t.Fatalf("payload = %q, want %q", raw[9:], payload)
		}
	})

	t.Run("SettingsFrame round trip", func(t *testing.T) {
		settings := h2.DefaultOptions().Settings()
		raw := h2.BuildSettingsFrame(settings, false)
		fh := h2.ParseFrameHeader(raw[:9])
		if fh.Type != gohttp2.FrameSettings {
			t.Fatalf("type = %v, want FrameSettings", fh.Type)
		}
		parsed, err := h2.ParseSettingsFrame(raw[9:])
		if err != nil {
			t.Fatalf("ParseSettingsFrame() error = %v", err)
		}
		if len(parsed) != len(settings) {
			t.Fatalf("parsed %d settings, want %d", len(parsed), len(settings))
		}
		for i := range settings {
			if parsed[i] != settings[i] {
				t.Fatalf("setting[%d] = %+v, want %+v", i, parsed[i], settings[i])
			}
		}
	})

	t.Run("WindowUpdateFrame masks reserved bit", func(t *testing.T) {
		raw := h2.BuildWindowUpdateFrame(1, 0xFFFFFFFF)
		payload := raw[9:]
		if payload[0]&0x80 != 0 {
			t.Fatalf("reserved bit not masked: %x", payload)
		}
	})
}

func TestParseFrameHeader(t *testing.T) {
	raw := h2.BuildFrame(gohttp2.FramePing, gohttp2.FlagPingAck, 0, make([]byte, 8))
	fh := h2.ParseFrameHeader(raw[:9])
	if fh.Length != 8 || fh.Type != gohttp2.FramePing || fh.Flags != gohttp2.FlagPingAck || fh.StreamID != 0 {
		t.Fatalf("unexpected header: %+v", fh)
	}
}

func TestEncodeHeadersLiteralIncrementalIndexing(t *testing.T) {
	block := h2.EncodeHeaders([]h2.HeaderField{{Name: "x", Value: "y"}})
	if len(block) == 0 || block[0] != 0x40 {
		t.Fatalf("first byte = %x, want 0x40 (literal with incremental indexing)", block)
	}
}

func TestOrderHeadersPseudoFirst(t *testing.T) {
	fields := []h2.HeaderField{
		{Name: "user-agent", Value: "ua"},
		{Name: ":path", Value: "/"},
		{Name: ":method", Value: "GET"},
		{Name: "x-custom", Value: "1"},
		{Name: "accept", Value: "*/*"},
	}
	ordered := h2.OrderHeaders(fields, false)
	if ordered[0].Name != ":method" || ordered[1].Name != ":path" {
		t.Fatalf("pseudo headers not first: %+v", ordered)
	}
	lastName := ordered[len(ordered)-1].Name
	if lastName != "x-custom" {
		t.Fatalf("unknown header x-custom not ordered last: %+v", ordered)
	}
}
