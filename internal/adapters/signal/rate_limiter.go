package signal

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/callsig/internal/domain"
)

// RoomRateLimiter throttles room creation per handle. A nil limiter allows
// everything.
type RoomRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.Handle]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRoomRateLimiter(perSecond float64, burst int) *RoomRateLimiter {
	return &RoomRateLimiter{
		limiters: make(map[domain.Handle]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *RoomRateLimiter) Allow(h domain.Handle) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.limiters[h]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[h] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *RoomRateLimiter) Forget(h domain.Handle) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.limiters, h)
	rl.mu.Unlock()
}
