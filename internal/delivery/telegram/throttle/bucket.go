// internal/delivery/telegram/throttle/bucket.go
package throttle

import (
	"context"
	"sync"
	"time"
)

// Bucket - источник токенов на отправку
type Bucket interface {
	TakeToken(ctx context.Context, key string, capacity, perSecond int) (bool, error)
}

// LocalBucket - token bucket в памяти процесса (без Redis)
type LocalBucket struct {
	mu      sync.Mutex
	buckets map[string]*localState
	now     func() time.Time
}

type localState struct {
	tokens     float64
	lastRefill time.Time
}

// NewLocalBucket создает bucket в памяти
func NewLocalBucket() *LocalBucket {
	return &LocalBucket{buckets: make(map[string]*localState), now: time.Now}
}

// TakeToken забирает токен, если он есть
func (b *LocalBucket) TakeToken(ctx context.Context, key string, capacity, perSecond int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st, ok := b.buckets[key]
	if !ok {
		st = &localState{tokens: float64(capacity), lastRefill: now}
		b.buckets[key] = st
	}

	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * float64(perSecond)
		if st.tokens > float64(capacity) {
			st.tokens = float64(capacity)
		}
		st.lastRefill = now
	}

	if st.tokens < 1 {
		return false, nil
	}
	st.tokens--
	return true, nil
}
