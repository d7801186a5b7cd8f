package h2_test

import (
	"net"
	"testing"
	"time"

	"github.com/Dmitry19794/tproxy/internal/h2"
)

func TestPriorityTreeCycleCollapse(t *testing.T) {
	tree := h2.NewPriorityTree()
	tree.Insert(3, 0, false, 16)
	tree.Insert(5, 3, false, 16)

	// Stream 3 now tries to depend on its own descendant, stream 5: this
	// must collapse to depending on the root instead of looping forever.
	tree.Insert(3, 5, false, 16)

	if tree.Weight(3) != 16 {
		t.Fatalf("weight lost across cycle collapse")
	}
}

func TestPriorityTreeRemoveReparents(t *testing.T) {
	tree := h2.NewPriorityTree()
	tree.Insert(1, 0, false, 16)
	tree.Insert(3, 1, false, 16)
	tree.Remove(1)
	// Stream 3 should survive removal of its parent without panicking and
	// keep its assigned weight.
	if tree.Weight(3) != 16 {
		t.Fatalf("weight changed after parent removal")
	}
}

func TestNewStreamStartsIdle(t *testing.T) {
	conn := h2.NewConnection(&nopConn{}, h2.DefaultOptions())
	s := conn.NewStream()
	if s.State != h2.StateIdle {
		t.Fatalf("new stream state = %v, want Idle", s.State)
	}
}

// nopConn is a minimal net.Conn stub sufficient for constructing a
// Connection in tests that don't exercise I/O.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, nil }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return stubAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return stubAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "tcp" }
func (stubAddr) String() string  { return "nop" }
