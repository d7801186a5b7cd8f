package fabric_test

import (
	"testing"
	"time"

	"github.com/Dmitry19794/tproxy/internal/fabric"
)

func TestTimingPreserverMedianInterval(t *testing.T) {
	tp := fabric.NewTimingPreserver(0.0)
	tp.RecordSend()
	time.Sleep(5 * time.Millisecond)
	tp.RecordSend()
	time.Sleep(15 * time.Millisecond)
	tp.RecordSend()

	med := tp.MedianInterval()
	if med <= 0 {
		t.Fatalf("MedianInterval() = %v, want > 0", med)
	}
}

func TestTimingPreserverDefaultWithNoHistory(t *testing.T) {
	tp := fabric.NewTimingPreserver(0.05)
	if got, want := tp.MedianInterval(), 10*time.Millisecond; got != want {
		t.Fatalf("MedianInterval() with no history = %v, want %v", got, want)
	}
}

func TestBurstDetector(t *testing.T) {
	bd := fabric.NewBurstDetector(10)
	for i := 0; i < 5; i++ {
		bd.RecordPacket()
	}
	if bd.PacketRate() < 0 {
		t.Fatalf("PacketRate() negative")
	}
}
