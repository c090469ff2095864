package srv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/notify"
	"github.com/codeGROOVE-dev/doorbell/pkg/wsproto"
)

// Outbound message types.
const (
	TypeUnreadCount     = "notifications.unread_count"
	TypeNewNotification = "notifications.new"
)

// Message is a server push, sent as one JSON text frame.
//
//nolint:govet // "type" leads the JSON object
type Message struct {
	Type         string               `json:"type"`
	Count        *int                 `json:"count,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// UnreadCountMessage builds a notifications.unread_count push.
func UnreadCountMessage(n int) Message {
	return Message{Type: TypeUnreadCount, Count: &n}
}

// NewNotificationMessage builds a notifications.new push.
func NewNotificationMessage(n *notify.Notification) Message {
	return Message{Type: TypeNewNotification, Notification: n}
}

var errConnClosed = errors.New("connection closed")

// Dispatcher pushes messages to every live connection of a user. It is the
// surface REST handlers call after they change notification state.
//
// Pushes for one user are serialized: a count is read and enqueued under the
// user's lock, so counts reach every connection in the order they were read
// and a newly attached connection sees its snapshot before any broadcast.
type Dispatcher struct {
	registry *Registry
	counter  notify.Counter
	locks    userLocks
}

// NewDispatcher creates a dispatcher over registry that reads unread counts
// from counter.
func NewDispatcher(registry *Registry, counter notify.Counter) *Dispatcher {
	return &Dispatcher{registry: registry, counter: counter}
}

// userLocks hands out one mutex per user, dropped once nobody holds it.
type userLocks struct {
	m  map[string]*userLock
	mu sync.Mutex
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until userID's lock is held and returns its release func.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*userLock)
	}
	ul, ok := l.m[userID]
	if !ok {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}

// held reports how many users currently have a lock entry.
func (l *userLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// encode serializes msg once into a ready-to-write text frame.
func encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return wsproto.EncodeFrame(body, wsproto.OpText), nil
}

// BroadcastToUser writes msg to each of userID's connections and returns how
// many accepted it. Closed connections are skipped. A user with no
// connections is a no-op.
func (d *Dispatcher) BroadcastToUser(ctx context.Context, userID string, msg Message) int {
	unlock := d.locks.lock(userID)
	defer unlock()
	return d.broadcast(ctx, userID, msg)
}

func (d *Dispatcher) broadcast(ctx context.Context, userID string, msg Message) int {
	conns := d.registry.Get(userID)
	if len(conns) == 0 {
		return 0
	}

	frame, err := encode(msg)
	if err != nil {
		logger.Error(ctx, "failed to encode push", err, logger.Fields{"user": userID})
		return 0
	}

	sent, skipped := 0, 0
	for _, c := range conns {
		if c.Send(frame) {
			sent++
		} else {
			skipped++
		}
	}
	logger.Debug(ctx, "broadcast to user", logger.Fields{
		"user":    userID,
		"type":    msg.Type,
		"sent":    sent,
		"skipped": skipped,
	})
	return sent
}

// BroadcastUnreadCount pushes userID's current unread count. Called after
// read and read-all changes.
func (d *Dispatcher) BroadcastUnreadCount(ctx context.Context, userID string) {
	unlock := d.locks.lock(userID)
	defer unlock()
	d.broadcastUnreadCount(ctx, userID)
}

func (d *Dispatcher) broadcastUnreadCount(ctx context.Context, userID string) {
	if !d.registry.Has(userID) {
		return
	}
	n, err := d.counter.CountUnread(ctx, userID)
	if err != nil {
		logger.Error(ctx, "failed to count unread notifications", err, logger.Fields{"user": userID})
		return
	}
	d.broadcast(ctx, userID, UnreadCountMessage(n))
}

// BroadcastNewNotification pushes n to its recipient, followed by the
// recipient's fresh unread count.
func (d *Dispatcher) BroadcastNewNotification(ctx context.Context, n *notify.Notification) {
	if n == nil {
		return
	}
	unlock := d.locks.lock(n.RecipientID)
	defer unlock()
	if !d.registry.Has(n.RecipientID) {
		return
	}
	d.broadcast(ctx, n.RecipientID, NewNotificationMessage(n))
	d.broadcastUnreadCount(ctx, n.RecipientID)
}

// Attach registers c and enqueues its unread count snapshot as one step, so
// the snapshot is the first push c carries. It returns errConnClosed if c
// closed before it could be registered.
func (d *Dispatcher) Attach(ctx context.Context, c *Conn) error {
	unlock := d.locks.lock(c.UserID)
	defer unlock()
	if !d.registry.Add(c.UserID, c) {
		return errConnClosed
	}
	return d.sendUnreadCount(ctx, c)
}

// SendUnreadCount pushes the unread count snapshot to a single connection.
func (d *Dispatcher) SendUnreadCount(ctx context.Context, c *Conn) error {
	unlock := d.locks.lock(c.UserID)
	defer unlock()
	return d.sendUnreadCount(ctx, c)
}

func (d *Dispatcher) sendUnreadCount(ctx context.Context, c *Conn) error {
	n, err := d.counter.CountUnread(ctx, c.UserID)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}
	frame, err := encode(UnreadCountMessage(n))
	if err != nil {
		return err
	}
	if !c.Send(frame) {
		return errConnClosed
	}
	return nil
}
