package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per resource id.
type limiterPool struct {
	mu       sync.Mutex
	m        map[string]*limiterEntry
	perMin   int
	lastGC   time.Time
	idleTime time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(perMinute int) *limiterPool {
	return &limiterPool{
		m:        make(map[string]*limiterEntry),
		perMin:   perMinute,
		idleTime: 10 * time.Minute,
	}
}

// Allow reports whether key may make another request now. A non-positive rate
// disables limiting.
func (p *limiterPool) Allow(key string) bool {
	if p.perMin <= 0 {
		return true
	}
	return p.get(key, time.Now()).Allow()
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastGC) > p.idleTime {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > p.idleTime {
				delete(p.m, k)
			}
		}
		p.lastGC = now
	}

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	burst := p.perMin / 6
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.perMin)), burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}
