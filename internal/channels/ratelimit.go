package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiterKeys bounds the per-room limiter map so a flood of
// one-shot rooms cannot grow it without limit.
const maxLimiterKeys = 4096

// SendLimiter rate-limits outbound sends per room. Platforms throttle
// bots that post too fast; staying under the ceiling locally is cheaper
// than handling 429 responses after the fact.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewSendLimiter creates a limiter allowing perSecond sends per room
// with the given burst.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether a send to the given room may proceed now.
func (s *SendLimiter) Allow(room string) bool {
	return s.limiterFor(room).Allow()
}

// Reserve returns a reservation whose Delay tells the caller how long
// to wait before sending to the room.
func (s *SendLimiter) Reserve(room string) *rate.Reservation {
	return s.limiterFor(room).Reserve()
}

func (s *SendLimiter) limiterFor(room string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[room]; ok {
		return l
	}
	if len(s.limiters) >= maxLimiterKeys {
		for k := range s.limiters {
			delete(s.limiters, k)
			break
		}
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters[room] = l
	return l
}
