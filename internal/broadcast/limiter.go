package broadcast

import (
	"sync"
	"time"
)

// WindowLimiter admits at most max events per window. The counter resets
// the first time an event arrives more than one window after the last
// reset; everything past the ceiling inside a window is shed.
type WindowLimiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

func NewWindowLimiter(max int, window time.Duration) *WindowLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Second
	}
	return &WindowLimiter{max: max, window: window, now: time.Now}
}

// Allow reports whether one more event fits in the current window.
func (l *WindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) > l.window {
		l.windowStart = now
		l.count = 0
	}
	l.count++
	return l.count <= l.max
}
