package srv

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/wsproto"
)

// State is the lifecycle stage of a Conn. Transitions only move forward.
type State int32

// Connection states.
const (
	StateConnecting State = iota // upgrade received, authentication in flight
	StateOpen                    // registered, may receive frames
	StateClosing                 // close frame sent or received
	StateClosed                  // socket closed and deregistered
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultSendBuffer = 64
	controlBuffer     = 8
	readChunkSize     = 4096
)

// outbound is a pre-encoded frame for the writer goroutine.
type outbound struct {
	data       []byte
	closeAfter bool
}

// Conn is one upgraded socket bound to exactly one authenticated user.
//
// Connection management follows the same pattern as the rest of the server:
//   - ONE goroutine (writeLoop) performs ALL socket writes
//   - data frames go through a bounded queue; a full queue disconnects the peer
//   - control frames (pong, close) have their own queue and are written first
//   - the read loop owns the FrameBuffer and runs on the handshake goroutine
//
// Close is idempotent and runs the registry cleanup exactly once, no matter
// whether the peer closed, the socket hit EOF or an error, the queue
// overflowed, or the server is shutting down.
type Conn struct {
	CreatedAt time.Time
	netConn   net.Conn
	send      chan []byte
	control   chan outbound
	done      chan struct{}
	onClose   func(*Conn)
	ID        string
	UserID    string
	remoteIP  string
	closeOnce sync.Once
	state     atomic.Int32
}

// newConn wraps an upgraded socket. The Conn starts in StateConnecting.
func newConn(nc net.Conn, userID, remoteIP string, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Conn{
		CreatedAt: time.Now(),
		netConn:   nc,
		send:      make(chan []byte, sendBuffer),
		control:   make(chan outbound, controlBuffer),
		done:      make(chan struct{}),
		ID:        uuid.NewString(),
		UserID:    userID,
		remoteIP:  remoteIP,
	}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed reports whether the socket has been torn down.
func (c *Conn) IsClosed() bool {
	return c.State() == StateClosed
}

// open moves the Conn from CONNECTING to OPEN.
func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Send enqueues an encoded data frame. It returns false without blocking if the
// Conn is not open. If the queue is full the peer is too slow to keep up and
// is disconnected; it will get a fresh snapshot when it reconnects.
func (c *Conn) Send(frame []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		logger.Warn(context.Background(), "send queue full, disconnecting slow client", logger.Fields{
			"conn_id": c.ID,
			"user":    c.UserID,
			"queued":  len(c.send),
		})
		c.Close()
		return false
	}
}

// sendControl enqueues a control frame ahead of queued data.
func (c *Conn) sendControl(o outbound) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.control <- o:
		return true
	default:
		c.Close()
		return false
	}
}

// closeWith starts the closing handshake: the Conn moves to CLOSING and the
// writer sends a close frame with code and reason, then tears the socket down.
// Only the first call has any effect.
func (c *Conn) closeWith(code uint16, reason string) {
	for {
		s := c.State()
		if s == StateClosing || s == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}
	frame := wsproto.EncodeFrame(wsproto.ClosePayload(code, reason), wsproto.OpClose)
	c.sendControl(outbound{data: frame, closeAfter: true})
}

// Close tears the connection down immediately. Safe to call many times from
// any goroutine; the onClose hook runs once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug(context.Background(), "socket close failed", logger.Fields{
				"conn_id": c.ID,
				"error":   err.Error(),
			})
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// awaitClose gives the writer up to grace to flush a pending close frame, then
// closes the socket regardless.
func (c *Conn) awaitClose(grace time.Duration) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		c.Close()
	}
}

// serve runs an open Conn until it closes: the writer on its own goroutine and
// the reader on the caller's.
func (c *Conn) serve(ctx context.Context, initial []byte, cfg Config) {
	defer c.Close()
	go c.writeLoop(ctx, cfg.PingInterval, cfg.WriteTimeout)
	c.readLoop(ctx, initial, cfg.ReadTimeout, cfg.WriteTimeout)
}

// writeLoop is the only goroutine that writes to the socket. It sends queued
// frames, keepalive pings every pingInterval, and exits when the Conn closes.
func (c *Conn) writeLoop(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ping := wsproto.EncodeFrame(nil, wsproto.OpPing)

	for {
		// Control frames jump the data queue.
		select {
		case o := <-c.control:
			if !c.writeControl(ctx, o, writeTimeout) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(ping, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"conn_id": c.ID,
					"error":   err.Error(),
				})
				return
			}
		case o := <-c.control:
			if !c.writeControl(ctx, o, writeTimeout) {
				return
			}
		case frame := <-c.send:
			if c.State() != StateOpen {
				continue
			}
			if err := c.write(frame, writeTimeout); err != nil {
				logger.Warn(ctx, "client send failed", logger.Fields{
					"conn_id": c.ID,
					"user":    c.UserID,
					"error":   err.Error(),
				})
				return
			}
		}
	}
}

// writeControl writes o and reports whether the writer should keep going.
func (c *Conn) writeControl(ctx context.Context, o outbound, writeTimeout time.Duration) bool {
	if err := c.write(o.data, writeTimeout); err != nil {
		logger.Debug(ctx, "control frame write failed", logger.Fields{
			"conn_id": c.ID,
			"error":   err.Error(),
		})
		return false
	}
	return !o.closeAfter
}

func (c *Conn) write(frame []byte, timeout time.Duration) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := c.netConn.Write(frame)
	return err
}

// readLoop feeds socket bytes through a FrameBuffer and hands each complete
// frame to handleFrame. initial holds bytes that arrived together with the
// upgrade request. The read deadline is pushed out after every read, so a
// peer that goes silent for longer than readTimeout is dropped.
func (c *Conn) readLoop(ctx context.Context, initial []byte, readTimeout, closeGrace time.Duration) {
	var fb wsproto.FrameBuffer
	_, _ = fb.Write(initial) //nolint:errcheck // FrameBuffer.Write never fails
	buf := make([]byte, readChunkSize)

	for {
		for {
			f, err := fb.Next()
			if err != nil {
				logger.Warn(ctx, "malformed frame, closing connection", logger.Fields{
					"conn_id": c.ID,
					"user":    c.UserID,
					"ip":      c.remoteIP,
					"error":   err.Error(),
				})
				code := wsproto.CloseProtocolError
				if errors.Is(err, wsproto.ErrTooLarge) {
					code = wsproto.CloseTooBig
				}
				c.closeWith(code, err.Error())
				c.awaitClose(closeGrace)
				return
			}
			if f == nil {
				break
			}
			if !c.handleFrame(ctx, f) {
				c.awaitClose(closeGrace)
				return
			}
		}

		if err := c.netConn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, err := c.netConn.Read(buf)
		if n > 0 {
			_, _ = fb.Write(buf[:n]) //nolint:errcheck // FrameBuffer.Write never fails
		}
		if err != nil {
			if n > 0 {
				// Drain whatever complete frames arrived with the error.
				for f, ferr := fb.Next(); f != nil && ferr == nil; f, ferr = fb.Next() {
					if !c.handleFrame(ctx, f) {
						break
					}
				}
			}
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug(ctx, "client closed socket", logger.Fields{"conn_id": c.ID})
			case errors.Is(err, net.ErrClosed):
			default:
				logger.Debug(ctx, "read failed", logger.Fields{"conn_id": c.ID, "error": err.Error()})
			}
			return
		}
	}
}

// handleFrame reacts to one inbound frame and reports whether to keep reading.
func (c *Conn) handleFrame(ctx context.Context, f *wsproto.Frame) bool {
	switch f.Opcode {
	case wsproto.OpClose:
		code, reason := wsproto.ParseClosePayload(f.Payload)
		logger.Debug(ctx, "client sent close", logger.Fields{
			"conn_id": c.ID,
			"code":    code,
			"reason":  reason,
		})
		if code == wsproto.CloseNoStatus {
			code = wsproto.CloseNormal
		}
		c.closeWith(code, "")
		return false

	case wsproto.OpPing:
		c.sendControl(outbound{data: wsproto.EncodeFrame(f.Payload, wsproto.OpPong)})

	case wsproto.OpPong:
		// Liveness is tracked by the read deadline.

	case wsproto.OpText:
		// The channel is push-only; nothing inbound is defined.
		logger.Debug(ctx, "ignoring text frame from client", logger.Fields{
			"conn_id": c.ID,
			"bytes":   len(f.Payload),
		})

	default:
	}
	return true
}
