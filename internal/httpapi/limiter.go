package httpapi

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet hands out one token-bucket rate.Limiter per peer address, to
// bound abusive POST/PUT traffic independently of the relay queue's own
// blocking backpressure (spec §9: queue backpressure governs flow control
// between cooperating peers, not abuse from the open internet).
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

func (s *limiterSet) allow(addr string) bool {
	s.mu.Lock()
	l, ok := s.limiters[addr]
	if !ok {
		l = rate.NewLimiter(s.r, s.burst)
		s.limiters[addr] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
