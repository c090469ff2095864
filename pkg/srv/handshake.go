package srv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/security"
	"github.com/codeGROOVE-dev/doorbell/pkg/session"
	"github.com/codeGROOVE-dev/doorbell/pkg/wsproto"
)

// DefaultPath is where browsers open the notification socket.
const DefaultPath = "/api/notifications/ws"

// Config tunes the handshake and connection timeouts.
type Config struct {
	Path          string
	PingInterval  time.Duration
	ReadTimeout   time.Duration // Must be > PingInterval + response time to avoid false timeouts
	WriteTimeout  time.Duration
	VerifyTimeout time.Duration
	SendBuffer    int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Path:          DefaultPath,
		PingInterval:  54 * time.Second,
		ReadTimeout:   90 * time.Second,
		WriteTimeout:  10 * time.Second,
		VerifyTimeout: 5 * time.Second,
		SendBuffer:    defaultSendBuffer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

// Handshaker takes over upgrade requests, authenticates them and turns the
// socket into a registered Conn. Rejections are written as raw HTTP status
// lines on the hijacked socket, which is then closed.
type Handshaker struct {
	verifier   session.Verifier
	registry   *Registry
	dispatcher *Dispatcher
	limiter    *security.ConnectionLimiter
	cfg        Config
}

// NewHandshaker creates a handshaker. limiter may be nil.
func NewHandshaker(
	verifier session.Verifier, registry *Registry, dispatcher *Dispatcher,
	limiter *security.ConnectionLimiter, cfg Config,
) *Handshaker {
	return &Handshaker{
		verifier:   verifier,
		registry:   registry,
		dispatcher: dispatcher,
		limiter:    limiter,
		cfg:        cfg.withDefaults(),
	}
}

// ServeHTTP performs the upgrade and then serves the connection until it
// closes. The read loop runs on this goroutine, like any long-lived handler.
func (h *Handshaker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := security.ClientIP(r)

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error(ctx, "response writer does not support hijacking", nil, logger.Fields{"ip": ip})
		http.Error(w, "websocket upgrade unsupported", http.StatusInternalServerError)
		return
	}
	nc, brw, err := hj.Hijack()
	if err != nil {
		logger.Error(ctx, "hijack failed", err, logger.Fields{"ip": ip})
		return
	}
	// net/http leaves its own deadlines on a hijacked socket.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		logger.Warn(ctx, "failed to reset deadlines after hijack", logger.Fields{"ip": ip, "error": err.Error()})
		closeQuietly(nc)
		return
	}

	if r.URL.Path != h.cfg.Path {
		h.reject(ctx, nc, http.StatusNotFound, ip, "unknown path "+r.URL.Path)
		return
	}

	key, ok := websocketKey(r)
	if !ok || r.Method != http.MethodGet {
		h.reject(ctx, nc, http.StatusBadRequest, ip, "missing or repeated Sec-WebSocket-Key")
		return
	}

	token, ok := session.FromCookie(r)
	if !ok {
		h.reject(ctx, nc, http.StatusUnauthorized, ip, "no session cookie")
		return
	}

	vctx, cancel := context.WithTimeout(ctx, h.cfg.VerifyTimeout)
	id, err := h.verifier.Verify(vctx, token)
	cancel()
	if err != nil {
		// Logged here only; the client just sees 401.
		logger.Warn(ctx, "WebSocket authentication failed", logger.Fields{
			"ip":         ip,
			"user_agent": r.UserAgent(),
			"error":      err.Error(),
		})
		h.reject(ctx, nc, http.StatusUnauthorized, ip, "session verification failed")
		return
	}

	if !h.limiter.Add(ip) {
		h.reject(ctx, nc, http.StatusTooManyRequests, ip, "connection limit reached")
		return
	}
	defer h.limiter.Remove(ip)

	// The HTTP server may already have read frame bytes sent right after the
	// request; they belong to the frame stream.
	var initial []byte
	if n := brw.Reader.Buffered(); n > 0 {
		peeked, err := brw.Reader.Peek(n)
		if err == nil {
			initial = append([]byte(nil), peeked...)
		}
	}

	c := newConn(nc, id.SubjectID, ip, h.cfg.SendBuffer)
	c.onClose = h.deregister
	defer c.Close()

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + wsproto.ComputeAcceptKey(key) + "\r\n\r\n"
	if err := c.write([]byte(resp), h.cfg.WriteTimeout); err != nil {
		logger.Warn(ctx, "failed to write upgrade response", logger.Fields{"ip": ip, "error": err.Error()})
		return
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			logger.Debug(ctx, "failed to enable TCP keepalive", logger.Fields{"ip": ip, "error": err.Error()})
		}
	}

	c.open()
	if err := h.dispatcher.Attach(ctx, c); err != nil {
		if !errors.Is(err, errConnClosed) {
			logger.Error(ctx, "failed to send unread count snapshot", err, logger.Fields{
				"conn_id": c.ID,
				"user":    c.UserID,
			})
		}
		return
	}
	logger.Info(ctx, "WebSocket connection established", logger.Fields{
		"ip":             ip,
		"conn_id":        c.ID,
		"user":           id.SubjectID,
		"role":           id.Role,
		"user_conns":     len(h.registry.Get(id.SubjectID)),
		"total_conns":    h.registry.ConnCount(),
		"buffered_bytes": len(initial),
	})

	c.serve(ctx, initial, h.cfg)
}

// deregister is every Conn's onClose hook.
func (h *Handshaker) deregister(c *Conn) {
	h.registry.Remove(c.UserID, c)
	logger.Info(context.Background(), "WebSocket disconnected", logger.Fields{
		"ip":          c.remoteIP,
		"conn_id":     c.ID,
		"user":        c.UserID,
		"duration":    time.Since(c.CreatedAt).Round(time.Millisecond).String(),
		"total_conns": h.registry.ConnCount(),
	})
}

// reject writes a bare status response on the hijacked socket and closes it.
func (h *Handshaker) reject(ctx context.Context, nc net.Conn, status int, ip, reason string) {
	logger.Info(ctx, "WebSocket upgrade rejected", logger.Fields{
		"ip":     ip,
		"status": status,
		"reason": reason,
	})
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status))
	if err := nc.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err == nil {
		if _, err := nc.Write([]byte(resp)); err != nil {
			logger.Debug(ctx, "failed to write rejection", logger.Fields{"ip": ip, "error": err.Error()})
		}
	}
	closeQuietly(nc)
}

func closeQuietly(nc net.Conn) {
	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug(context.Background(), "socket close failed", logger.Fields{"error": err.Error()})
	}
}

// websocketKey returns the request's Sec-WebSocket-Key when exactly one
// non-empty value is present.
func websocketKey(r *http.Request) (string, bool) {
	vals := r.Header.Values("Sec-WebSocket-Key")
	if len(vals) != 1 {
		return "", false
	}
	key := strings.TrimSpace(vals[0])
	if key == "" || strings.Contains(key, ",") {
		return "", false
	}
	return key, true
}

// IsUpgradeRequest reports whether r asks to switch to the websocket protocol.
func IsUpgradeRequest(r *http.Request) bool {
	for _, v := range r.Header.Values("Upgrade") {
		for token := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "websocket") {
				return true
			}
		}
	}
	return false
}

// UpgradeRouter sends every websocket upgrade request to ws, whatever its
// path, so that upgrades to unknown paths get the handshake's 404 rather than
// an HTTP handler's. Everything else goes to next.
func UpgradeRouter(ws, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsUpgradeRequest(r) {
			ws.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
