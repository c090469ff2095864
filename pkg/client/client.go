// Package client connects to a doorbell server's notification socket and
// delivers pushes to a callback, reconnecting with backoff when the link drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/doorbell/pkg/notify"
	"github.com/codeGROOVE-dev/doorbell/pkg/session"
)

// AuthenticationError represents an authentication failure that should not
// trigger reconnection attempts.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

const (
	// Version is the client library version.
	Version = "v0.1.0"

	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

	// Longer than the server ping interval (54s). Pings are answered inside
	// the websocket reader, so a timeout only means no push arrived.
	readTimeout = 90 * time.Second

	probeTimeout = 5 * time.Second

	// Push types sent by the server.
	TypeUnreadCount     = "notifications.unread_count"
	TypeNewNotification = "notifications.new"
)

// Event is one push received from the server.
type Event struct {
	Notification *notify.Notification `json:"notification,omitempty"`
	Count        *int                 `json:"count,omitempty"`
	Type         string               `json:"type"`
	Raw          json.RawMessage      `json:"-"`
}

// Config holds the configuration for the client.
type Config struct {
	Logger        *slog.Logger
	OnDisconnect  func(error)
	OnEvent       func(Event)
	OnConnect     func()
	ServerURL     string                 // e.g. wss://app.example.com/api/notifications/ws
	Token         string                 // session token, sent as the "session" cookie
	TokenProvider func() (string, error) // Optional: dynamically provide fresh tokens for reconnection
	UserAgent     string
	MaxBackoff    time.Duration
	MaxRetries    int
	NoReconnect   bool
}

// Client is a notification socket client with automatic reconnection. It
// never writes data frames; the server's pings are answered by the websocket
// reader.
//
//nolint:govet // Field alignment optimization would reduce readability
type Client struct {
	mu         sync.RWMutex
	config     Config
	logger     *slog.Logger
	httpClient *http.Client
	ws         *websocket.Conn
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	stopOnce   sync.Once
	eventCount int
	retries    int
	unread     int
}

// New creates a new client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	u, err := url.Parse(config.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("serverURL must be a ws:// or wss:// URL, got %q", config.ServerURL)
	}
	if config.Token == "" && config.TokenProvider == nil {
		return nil, errors.New("token or tokenProvider is required")
	}

	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}
	if config.UserAgent == "" {
		config.UserAgent = "doorbell-client/" + Version
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Client{
		config:     config,
		logger:     logger,
		httpClient: &http.Client{Timeout: probeTimeout},
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		unread:     -1,
	}, nil
}

// UnreadCount returns the last unread count pushed by the server, or -1
// before the first one arrives.
func (c *Client) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// Start connects and keeps reconnecting until ctx is done, Stop is called,
// authentication fails or the retry budget runs out.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			//nolint:gosec // Retry count will not overflow in practice
			c.retries = int(n) + 1
			events := c.eventCount
			c.mu.Unlock()

			c.logger.Warn(separatorLine)
			c.logger.Warn("WebSocket CONNECTION LOST!", "error", err, "events_received", events, "attempt", n+1)
			c.logger.Warn(separatorLine)

			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				c.logger.Error(separatorLine)
				c.logger.Error("AUTHENTICATION FAILED!", "error", err)
				c.logger.Error("The session token is invalid or has expired")
				c.logger.Error(separatorLine)
				return false
			}
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}

	if c.config.MaxRetries > 0 {
		//nolint:gosec // MaxRetries is a user-configured value, overflow not a concern
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			c.logger.Info("Client context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			c.logger.Info("Client stop requested")
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()
		if n == 0 {
			c.logger.Info("CONNECTING to notification server", "url", c.config.ServerURL)
		} else {
			c.logger.Info("RECONNECTING to notification server", "url", c.config.ServerURL, "attempt", n)
		}

		err := c.connect(ctx)
		// A clean stop is not a failure to retry.
		select {
		case <-c.stopCh:
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}
		if ctx.Err() != nil {
			return retry.Unrecoverable(ctx.Err())
		}
		return err
	}, retryOpts...)
}

// Stop closes the connection and ends Start. Safe to call more than once,
// and before Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.ws != nil {
			if err := c.ws.Close(); err != nil {
				c.logger.Debug("Error closing websocket on shutdown", "error", err)
			}
		}
		c.mu.Unlock()

		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
			// Start() was never called or hasn't returned yet
		}
	})
}

func (c *Client) token() (string, error) {
	if c.config.TokenProvider == nil {
		return c.config.Token, nil
	}
	t, err := c.config.TokenProvider()
	if err != nil {
		return "", fmt.Errorf("token provider: %w", err)
	}
	return t, nil
}

// connect dials once and reads pushes until the connection ends.
func (c *Client) connect(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = http.Header{}
	wsConfig.Header.Set("Cookie", session.CookieName+"="+url.PathEscape(token))
	wsConfig.Header.Set("User-Agent", c.config.UserAgent)

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return c.handleDialError(ctx, token, err)
	}
	c.logger.Info("WebSocket ESTABLISHED", "url", c.config.ServerURL)

	c.mu.Lock()
	select {
	case <-c.stopCh:
		// Stop ran while we were dialing.
		c.mu.Unlock()
		_ = ws.Close() //nolint:errcheck // shutting down
		return errors.New("stop requested")
	default:
	}
	c.ws = ws
	c.retries = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("websocket already closed", "error", err)
		}
		c.logger.Info("WebSocket CLOSED", "url", c.config.ServerURL)
	}()

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	// Close the socket when ctx ends so the blocked read returns.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = ws.Close() //nolint:errcheck // unblocks Receive
	})
	defer stopWatch()

	return c.readEvents(ctx, ws)
}

// handleDialError classifies a failed handshake. The websocket library does
// not expose the status code, so a rejected upgrade is followed by a REST
// probe with the same token to tell a bad session apart from other refusals.
func (c *Client) handleDialError(ctx context.Context, token string, err error) error {
	if !strings.Contains(err.Error(), "bad status") {
		return fmt.Errorf("dial: %w", err)
	}
	status, probeErr := c.probeSession(ctx, token)
	if probeErr != nil {
		c.logger.Debug("session probe failed", "error", probeErr)
		return fmt.Errorf("dial: %w", err)
	}
	if status == http.StatusUnauthorized {
		return &AuthenticationError{
			message: fmt.Sprintf("Authentication failed (401 Unauthorized): invalid or expired session token. Original error: %v", err),
		}
	}
	return fmt.Errorf("dial: handshake rejected (session ok, probe status %d): %w", status, err)
}

// probeSession asks the REST API for the unread count using token and
// returns the HTTP status.
func (c *Client) probeSession(ctx context.Context, token string) (int, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return 0, err
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/notifications/unread-count"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, err
	}
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: url.PathEscape(token)})
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for reuse
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close probe body", "error", err)
		}
	}()
	return resp.StatusCode, nil
}

// readEvents reads pushes until the connection fails or ctx ends.
func (c *Client) readEvents(ctx context.Context, ws *websocket.Conn) error {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}

		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if strings.Contains(err.Error(), "i/o timeout") {
				continue
			}
			c.mu.RLock()
			events := c.eventCount
			c.mu.RUnlock()
			c.logger.Error("Lost connection while reading!", "error", err, "events_received", events)
			return fmt.Errorf("read: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logger.Warn("ignoring malformed push", "error", err, "size", len(raw))
			continue
		}
		ev.Raw = raw

		c.mu.Lock()
		c.eventCount++
		if ev.Type == TypeUnreadCount && ev.Count != nil {
			c.unread = *ev.Count
		}
		c.mu.Unlock()

		switch ev.Type {
		case TypeUnreadCount:
			if ev.Count != nil {
				c.logger.Debug("unread count", "count", *ev.Count)
			}
		case TypeNewNotification:
			if ev.Notification != nil {
				c.logger.Debug("new notification", "id", ev.Notification.ID, "type", ev.Notification.Type)
			}
		default:
			c.logger.Debug("unknown push type", "type", ev.Type)
		}

		if c.config.OnEvent != nil {
			c.config.OnEvent(ev)
		}
	}
}
