package fabric_test

import (
	"testing"

	"github.com/Dmitry19794/tproxy/internal/fabric"
)

func TestSessionTicketCacheStoreGet(t *testing.T) {
	c := fabric.NewSessionTicketCache()
	if _, ok := c.Get("example.com"); ok {
		t.Fatalf("expected no ticket for unseen domain")
	}
	c.Store("example.com", []byte{0x01, 0x02})
	ticket, ok := c.Get("example.com")
	if !ok {
		t.Fatalf("expected stored ticket to be retrievable")
	}
	if string(ticket) != "\x01\x02" {
		t.Fatalf("ticket = %x, want 0102", ticket)
	}
}

func TestSessionTicketCacheClear(t *testing.T) {
	c := fabric.NewSessionTicketCache()
	c.Store("example.com", []byte{0x01})
	c.Clear()
	if _, ok := c.Get("example.com"); ok {
		t.Fatalf("expected cache to be empty after Clear()")
	}
}
