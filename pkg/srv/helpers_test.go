package srv

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/doorbell/pkg/wsproto"
)

var testMask = [4]byte{0x37, 0xfa, 0x21, 0x3d}

// testConfig keeps pings out of the way unless a test asks for them.
func testConfig() Config {
	return Config{
		PingInterval:  time.Hour,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  time.Second,
		VerifyTimeout: time.Second,
		SendBuffer:    16,
	}
}

// pipeConn returns an open Conn over one end of an in-memory pipe, plus the
// peer end for the test to play the browser.
func pipeConn(t *testing.T, userID string, sendBuffer int) (*Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	c := newConn(server, userID, "192.0.2.1", sendBuffer)
	if !c.open() {
		t.Fatal("new conn did not open")
	}
	t.Cleanup(func() {
		c.Close()
		_ = peer.Close() //nolint:errcheck // test cleanup
	})
	return c, peer
}

// readFrame reads exactly one server frame from r, one byte at a time so that
// nothing past the frame is consumed.
func readFrame(t *testing.T, r io.Reader) *wsproto.Frame {
	t.Helper()
	var fb wsproto.FrameBuffer
	b := make([]byte, 1)
	for {
		f, err := fb.Next()
		if err != nil {
			t.Fatalf("decode server frame: %v", err)
		}
		if f != nil {
			return f
		}
		if _, err := io.ReadFull(r, b); err != nil {
			t.Fatalf("read server frame: %v", err)
		}
		_, _ = fb.Write(b) //nolint:errcheck // never fails
	}
}

// expectNoFrame asserts that nothing arrives on nc within d.
func expectNoFrame(t *testing.T, nc net.Conn, d time.Duration) {
	t.Helper()
	if err := nc.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatal(err)
	}
	defer nc.SetReadDeadline(time.Time{}) //nolint:errcheck // test helper
	b := make([]byte, 1)
	n, err := nc.Read(b)
	var ne net.Error
	if n > 0 || !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected silence, got n=%d err=%v", n, err)
	}
}

// writeMasked sends a client frame.
func writeMasked(t *testing.T, w io.Writer, payload []byte, op wsproto.Opcode) {
	t.Helper()
	if _, err := w.Write(wsproto.MaskFrame(payload, op, testMask)); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeCounter is a notify.Counter with settable counts.
type fakeCounter struct {
	err    error
	counts map[string]int
	calls  atomic.Int32
	mu     sync.Mutex
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int)}
}

func (f *fakeCounter) set(userID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[userID] = n
}

func (f *fakeCounter) CountUnread(_ context.Context, userID string) (int, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[userID], nil
}
