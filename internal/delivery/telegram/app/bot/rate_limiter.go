// internal/delivery/telegram/app/bot/rate_limiter.go
package bot

import (
	"context"
	"sync"
	"time"
)

// LocalLimiter - ограничитель в памяти процесса, когда Redis выключен
type LocalLimiter struct {
	windows map[string]*window
	mu      sync.Mutex
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewLocalLimiter создает новый ограничитель
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{windows: make(map[string]*window), now: time.Now}
}

// CheckRateLimit считает запросы в фиксированном окне
func (l *LocalLimiter) CheckRateLimit(ctx context.Context, key string, limit int, period time.Duration) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= period {
		w = &window{start: now}
		l.windows[key] = w
		l.gc(now, period)
	}
	w.count++
	return w.count <= limit, w.count, nil
}

func (l *LocalLimiter) gc(now time.Time, period time.Duration) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if now.Sub(w.start) >= period {
			delete(l.windows, k)
		}
	}
}
