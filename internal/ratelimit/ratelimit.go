// Package ratelimit throttles API callers with a token bucket per key.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mbd888/safetrade/internal/identity"
)

var (
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrade",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by key kind.",
	}, []string{"kind"})

	trackedKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safetrade",
		Subsystem: "ratelimit",
		Name:      "tracked_keys",
		Help:      "Buckets currently held in memory.",
	})
)

func init() {
	prometheus.MustRegister(rejectedTotal, trackedKeys)
}

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize is how many requests a fresh or idle key may send at once.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20, CleanupInterval: time.Minute}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds one token bucket per key.
type Limiter struct {
	cfg    Config
	perSec rate.Limit
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup goroutine. Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// WithClock overrides the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) janitor() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.prune(l.now().Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

// prune drops buckets not used since cutoff. A dropped key starts again
// with a full burst, which is what an idle bucket would have refilled to.
func (l *Limiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	trackedKeys.Set(float64(len(l.buckets)))
}

// Take spends one token for key. When none is available it returns false
// and how long until one will be.
func (l *Limiter) Take(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.perSec, l.cfg.BurstSize)}
		l.buckets[key] = b
		trackedKeys.Set(float64(len(l.buckets)))
	}
	b.seen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key)
	return ok
}

// Middleware limits authenticated callers by account and everyone else by
// client IP. Admin and system callers are not limited. Mount it after
// identity.Middleware so the caller is known.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, kind := "ip:"+c.ClientIP(), "ip"
		if caller, ok := identity.GetCaller(c); ok && caller.ID != "" {
			if caller.IsPrivileged() {
				c.Next()
				return
			}
			key, kind = "caller:"+caller.ID, "caller"
		}

		ok, wait := l.Take(key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.cfg.RequestsPerMinute))
		if ok {
			c.Next()
			return
		}

		rejectedTotal.WithLabelValues(kind).Inc()
		secs := int(math.Ceil(wait.Seconds()))
		c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "too many requests, retry after " + strconv.Itoa(max(secs, 1)) + "s",
		})
	}
}
