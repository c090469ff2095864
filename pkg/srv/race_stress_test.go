package srv

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConcurrentConnClose runs every cleanup path at once: the read loop's
// deferred Close, a slow-consumer Close and an explicit registry removal.
// onClose must run exactly once and nothing may panic.
func TestConcurrentConnClose(t *testing.T) {
	reg := NewRegistry()

	const numConns = 10
	var wg sync.WaitGroup
	var hooks atomic.Int32

	for range numConns {
		c, _ := pipeConn(t, "alice", 4)
		c.onClose = func(c *Conn) {
			hooks.Add(1)
			reg.Remove(c.UserID, c)
		}
		reg.Add("alice", c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			var cleanup sync.WaitGroup
			for range 3 {
				cleanup.Add(1)
				go func() {
					defer cleanup.Done()
					c.Close()
				}()
			}
			cleanup.Add(1)
			go func() {
				defer cleanup.Done()
				reg.Remove("alice", c)
			}()
			cleanup.Wait()
		}()
	}
	wg.Wait()

	if hooks.Load() != numConns {
		t.Errorf("onClose ran %d times for %d conns", hooks.Load(), numConns)
	}
	if n := reg.ConnCount(); n != 0 {
		t.Errorf("Expected 0 conns after cleanup, got %d", n)
	}
}

// TestConcurrentBroadcastAndDisconnect pushes to a user while that user's
// connections drop out underneath the dispatcher.
func TestConcurrentBroadcastAndDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	counter := newFakeCounter()
	counter.set("alice", 3)
	d := NewDispatcher(reg, counter)

	const numConns = 20
	const numEvents = 50

	conns := make([]*Conn, numConns)
	for i := range numConns {
		c, peer := pipeConn(t, "alice", 8)
		c.onClose = func(c *Conn) { reg.Remove(c.UserID, c) }
		reg.Add("alice", c)
		go io.Copy(io.Discard, peer) //nolint:errcheck // drain until closed
		go c.writeLoop(ctx, time.Hour, time.Second)
		conns[i] = c
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range numEvents {
			d.BroadcastUnreadCount(ctx, "alice")
			time.Sleep(time.Millisecond)
		}
	}()

	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 2 * time.Millisecond)
			c.Close()
		}()
	}
	wg.Wait()

	waitFor(t, "registry to drain", func() bool { return reg.ConnCount() == 0 })
	if reg.Has("alice") {
		t.Error("alice still registered after all her conns closed")
	}
}

// TestConcurrentRegisterAndBroadcast adds and removes connections while
// broadcasts run, so snapshots race with mutation.
func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	d := NewDispatcher(reg, newFakeCounter())

	stop := make(chan struct{})
	var broadcasts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				d.BroadcastToUser(ctx, "bob", UnreadCountMessage(1))
				broadcasts.Add(1)
			}
		}
	}()

	for range 200 {
		c := newConn(nil, "bob", "", 1024) // never closed, so no socket needed
		c.open()
		reg.Add("bob", c)
		reg.Remove("bob", c)
	}
	close(stop)
	wg.Wait()

	if broadcasts.Load() == 0 {
		t.Error("no broadcasts ran")
	}
	if reg.Has("bob") {
		t.Error("bob left registered")
	}
}

func TestConnIDsUnique(t *testing.T) {
	const numIDs = 10000
	ids := make(map[string]bool, numIDs)
	for range numIDs {
		c := newConn(nil, "alice", "", 1)
		if ids[c.ID] {
			t.Fatalf("Duplicate ID generated: %s", c.ID)
		}
		ids[c.ID] = true
	}
}
