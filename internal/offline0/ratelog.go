package offline0

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints a given key at most once per interval. Keys that
// have been quiet for longer than the interval are forgotten.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   map[string]time.Time
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, lastAt: map[string]time.Time{}}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	if !l.allow(key, time.Now()) {
		return
	}
	log.Printf(format, args...)
}

func (l *rateLimitedLogger) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastAt[key] = now
	if len(l.lastAt) > 1024 {
		for k, t := range l.lastAt {
			if now.Sub(t) >= l.interval {
				delete(l.lastAt, k)
			}
		}
	}
	return true
}
