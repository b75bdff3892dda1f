package notify

import (
	"sync"
	"time"
)

// Throttle remembers when a key last fired.
type Throttle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key may fire now and records it if so. A
// non-positive interval always allows.
func (t *Throttle) Allow(key string, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.last[key]; ok && now.Sub(ts) < interval {
		return false
	}
	t.last[key] = now
	return true
}
