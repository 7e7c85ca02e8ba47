package common

import (
	"sync"
	"time"
)

// NonceClock issues strictly increasing millisecond nonces close to wall time.
// Two actions signed within the same millisecond still get distinct nonces.
type NonceClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewNonceClock creates a nonce source backed by now (time.Now when nil).
func NewNonceClock(now func() time.Time) *NonceClock {
	if now == nil {
		now = time.Now
	}
	return &NonceClock{now: now}
}

// Next returns the next nonce.
func (n *NonceClock) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := n.now().UnixMilli()
	if ts <= n.last {
		ts = n.last + 1
	}
	n.last = ts
	return uint64(ts)
}
