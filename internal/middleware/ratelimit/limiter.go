// Package ratelimit bounds request rates per requested host, so one busy
// name cannot starve the guest workers of every other name.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/errors"
	"github.com/wudi/dwebgate/internal/middleware"
	"golang.org/x/time/rate"
)

// Stats counts limiter decisions.
type Stats struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
	Hosts    int   `json:"hosts"`
}

// HostLimiter keeps one token bucket per host. Hosts are tracked in an LRU
// so a flood of distinct names only costs MaxKeys limiters.
type HostLimiter struct {
	limit    rate.Limit
	burst    int
	burstStr string
	limiters *lru.Cache[string, *rate.Limiter]
	now      func() time.Time
	onReject func()

	allowed  atomic.Int64
	rejected atomic.Int64
}

// New creates a HostLimiter from config.
func New(cfg config.RateLimitConfig) *HostLimiter {
	period := cfg.Period
	if period <= 0 {
		period = time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Rate
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	cache, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &HostLimiter{
		limit:    rate.Limit(float64(cfg.Rate) / period.Seconds()),
		burst:    burst,
		burstStr: strconv.Itoa(burst),
		limiters: cache,
		now:      time.Now,
	}
}

func (l *HostLimiter) limiterFor(host string) *rate.Limiter {
	if lim, ok := l.limiters.Get(host); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.limiters.PeekOrAdd(host, lim); ok {
		return prev
	}
	return lim
}

// Allow reports whether a request for host may proceed now, and if not,
// how long until it would.
func (l *HostLimiter) Allow(host string) (bool, time.Duration) {
	now := l.now()
	r := l.limiterFor(HostKey(host)).ReserveN(now, 1)
	if !r.OK() {
		l.rejected.Add(1)
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		l.rejected.Add(1)
		return false, delay
	}
	l.allowed.Add(1)
	return true, 0
}

// OnReject registers fn to run for every request the middleware rejects.
func (l *HostLimiter) OnReject(fn func()) {
	l.onReject = fn
}

// Middleware rejects requests over the host's rate with 429.
func (l *HostLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := l.Allow(r.Host)
			w.Header().Set("X-RateLimit-Limit", l.burstStr)
			if !ok {
				secs := int(wait / time.Second)
				if wait%time.Second != 0 {
					secs++
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				if l.onReject != nil {
					l.onReject()
				}
				gwErr := errors.ErrTooManyRequests
				if id := middleware.RequestIDFromContext(r.Context()); id != "" {
					gwErr = gwErr.WithRequestID(id)
				}
				gwErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns limiter counters for the admin API.
func (l *HostLimiter) Stats() Stats {
	return Stats{
		Allowed:  l.allowed.Load(),
		Rejected: l.rejected.Load(),
		Hosts:    l.limiters.Len(),
	}
}

// HostKey normalizes a Host header into a limiter key.
func HostKey(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
