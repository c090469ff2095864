package security

import "sync"

// ConnectionLimiter caps concurrent WebSocket connections per client IP and
// in total. A limit of zero or less disables that cap. A nil limiter admits
// everything.
type ConnectionLimiter struct {
	perIP    map[string]int
	maxPerIP int
	maxTotal int
	total    int
	mu       sync.Mutex
}

// NewConnectionLimiter creates a limiter allowing maxPerIP connections from one
// address and maxTotal overall.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// Add claims a slot for ip and reports whether it was granted. Every granted
// Add must be paired with a Remove.
func (cl *ConnectionLimiter) Add(ip string) bool {
	if cl == nil {
		return true
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxTotal > 0 && cl.total >= cl.maxTotal {
		return false
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return false
	}
	cl.perIP[ip]++
	cl.total++
	return true
}

// Remove releases a slot claimed by Add. Extra calls are ignored.
func (cl *ConnectionLimiter) Remove(ip string) {
	if cl == nil {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	n, ok := cl.perIP[ip]
	if !ok {
		return
	}
	// Drop idle entries so the map only holds addresses with live connections.
	if n <= 1 {
		delete(cl.perIP, ip)
	} else {
		cl.perIP[ip] = n - 1
	}
	cl.total--
}

// Active returns the number of granted, unreleased slots.
func (cl *ConnectionLimiter) Active() int {
	if cl == nil {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}
