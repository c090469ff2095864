// Package srv implements the notification push server: the WebSocket upgrade
// handshake, per-connection read and write loops, the registry of live
// connections per user, and the dispatcher that fans messages out to them.
package srv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
)

const (
	defaultStatsInterval = time.Minute
	drainPollInterval    = 10 * time.Millisecond
)

// Registry maps a user id to that user's live connections.
//
// Invariant: a user id is a key if and only if the user has at least one
// registered connection. Removing the last one deletes the key.
//
// All methods are safe for concurrent use by handshake goroutines, connection
// goroutines and REST handlers. Get returns a snapshot, so callers iterate
// without holding the lock.
type Registry struct {
	conns         map[string]map[string]*Conn
	mu            sync.RWMutex
	statsInterval time.Duration // For testing; 0 means defaultStatsInterval
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]*Conn)}
}

// Add registers c under userID. It returns false, and registers nothing, if c
// has already been closed: Close runs its cleanup only once, so a closed Conn
// added afterwards would never be removed.
func (r *Registry) Add(userID string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.IsClosed() {
		return false
	}
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.conns[userID] = set
	}
	set[c.ID] = c
	return true
}

// Remove deregisters c. Removing an unknown connection is a no-op.
func (r *Registry) Remove(userID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
}

// Get returns a snapshot of userID's live connections. The result is empty,
// never nil, when the user has none.
func (r *Registry) Get(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Has reports whether userID has any registered connection.
func (r *Registry) Has(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnCount returns the total number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// CloseAll sends every registered connection a close frame. Used on shutdown.
//
// It must not hold the lock while closing: each Conn removes itself from the
// registry as it goes down.
func (r *Registry) CloseAll(code uint16, reason string) int {
	r.mu.RLock()
	all := make([]*Conn, 0, len(r.conns))
	for _, set := range r.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.closeWith(code, reason)
	}
	return len(all)
}

// WaitEmpty blocks until every connection has been removed or ctx is done.
// Conns leave the registry only after their writer has finished, so after
// CloseAll this waits for the close frames to be flushed.
func (r *Registry) WaitEmpty(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for r.ConnCount() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d connections still open: %w", r.ConnCount(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Run logs connection counts periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.statsInterval
	if interval == 0 {
		interval = defaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info(ctx, "connection registry started", nil)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "connection registry stopping", logger.Fields{
				"users":       r.UserCount(),
				"connections": r.ConnCount(),
			})
			return
		case <-ticker.C:
			logger.Info(ctx, "periodic connection check", logger.Fields{
				"users":       r.UserCount(),
				"connections": r.ConnCount(),
			})
		}
	}
}
