package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const loginLimiterKeys = 10_000

// loginLimiter throttles failed logins per client IP. Buckets live in an
// expiring LRU so idle addresses cost nothing.
type loginLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets *expirable.LRU[string, *rate.Limiter]
}

func newLoginLimiter(max int, window time.Duration) *loginLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &loginLimiter{
		max:     max,
		window:  window,
		buckets: expirable.NewLRU[string, *rate.Limiter](loginLimiterKeys, nil, window),
	}
}

func (l *loginLimiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets.Get(ip)
	if !ok {
		b = rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max)
		l.buckets.Add(ip, b)
	}
	return b
}

// blocked reports whether ip has no failure budget left, and for how long.
func (l *loginLimiter) blocked(ip string, now time.Time) (bool, time.Duration) {
	if l == nil || ip == "" {
		return false, 0
	}
	b := l.bucket(ip)
	if b.TokensAt(now) >= 1 {
		return false, 0
	}
	r := b.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return true, wait
}

// fail spends one unit of ip's budget.
func (l *loginLimiter) fail(ip string, now time.Time) {
	if l == nil || ip == "" {
		return
	}
	l.bucket(ip).AllowN(now, 1)
}
