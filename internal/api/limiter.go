package api

import (
	"sync"
	"time"
)

const (
	attemptWindow  = time.Minute
	maxTrackedKeys = 10_000
	sweepInterval  = time.Second
)

// attemptLimiter allows at most limit calls per key in a fixed one minute
// window. A nil limiter or a limit of 0 allows everything. Once maxKeys keys
// are live, unseen keys are refused until their windows expire.
type attemptLimiter struct {
	mu        sync.Mutex
	limit     int
	maxKeys   int
	seen      *TTL[string, int]
	lastSweep time.Time
}

func newAttemptLimiter(perMinute int) *attemptLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &attemptLimiter{limit: perMinute, maxKeys: maxTrackedKeys, seen: NewTTL[string, int]()}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.seen.Get(key)
	if !ok {
		if l.seen.Len() >= l.maxKeys {
			if now := l.seen.now(); now.Sub(l.lastSweep) >= sweepInterval {
				l.seen.Sweep()
				l.lastSweep = now
			}
			if l.seen.Len() >= l.maxKeys {
				return false
			}
		}
		l.seen.Set(key, 1, attemptWindow)
		return true
	}
	if n >= l.limit {
		return false
	}
	l.seen.Replace(key, n+1)
	return true
}
