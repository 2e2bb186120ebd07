// SPDX-License-Identifier: MIT

// Package ratelimit applies token-bucket admission to the public API.
// A global bucket caps aggregate throughput and each client IP gets its
// own smaller bucket. Worker spawns draw from a separate, much slower
// bucket because every spawn commits gigabytes of VRAM.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/llamad/llamad/internal/metrics"
)

// Rejection scopes reported to metrics.
const (
	ScopeGlobal  = "global"
	ScopePerIP   = "per_ip"
	ScopeSpawn   = "spawn"
	ScopeCeiling = "ceiling"
)

const (
	// idleTTL is how long a per-IP bucket survives without traffic.
	idleTTL = 10 * time.Minute

	// sweepEvery bounds how often the per-IP map is scanned for stale entries.
	sweepEvery = time.Minute
)

// Config sizes the buckets. Rates are requests per minute.
type Config struct {
	Enabled bool

	// RPM and Burst size the global bucket.
	RPM   int
	Burst int

	// PerIPRPM and PerIPBurst size each client bucket. Zero values
	// derive them as a quarter of the global allowance.
	PerIPRPM   int
	PerIPBurst int

	// SpawnPerMinute caps worker spawn operations across all clients.
	// Zero leaves spawns uncapped.
	SpawnPerMinute int
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// Limiter is safe for concurrent use by all request goroutines.
type Limiter struct {
	cfg    Config
	global *rate.Limiter
	spawn  *rate.Limiter

	mu        sync.Mutex
	perIP     map[string]*client
	lastSweep time.Time

	now func() time.Time
}

// New builds a limiter from cfg, deriving per-IP sizes when absent.
func New(cfg Config) *Limiter {
	if cfg.PerIPRPM <= 0 {
		cfg.PerIPRPM = max(1, cfg.RPM/4)
	}
	if cfg.PerIPBurst <= 0 {
		cfg.PerIPBurst = max(1, cfg.Burst/4)
	}
	l := &Limiter{
		cfg:    cfg,
		global: rate.NewLimiter(perMinute(cfg.RPM), cfg.Burst),
		perIP:  make(map[string]*client),
		now:    time.Now,
	}
	l.lastSweep = l.now()
	if cfg.SpawnPerMinute > 0 {
		l.spawn = rate.NewLimiter(perMinute(cfg.SpawnPerMinute), max(1, cfg.SpawnPerMinute/6))
	}
	return l
}

// perMinute converts a per-minute allowance to a per-second token rate.
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// Allow reports whether one request from ip may proceed. Rejections are
// counted under the scope that tripped.
func (l *Limiter) Allow(ip string) bool {
	if !l.cfg.Enabled {
		return true
	}
	if !l.global.Allow() {
		metrics.IncRateLimitRejected(ScopeGlobal)
		return false
	}
	if !l.clientBucket(ip).Allow() {
		metrics.IncRateLimitRejected(ScopePerIP)
		return false
	}
	return true
}

// AllowSpawn reports whether a worker spawn may proceed. Spawns bypass the
// per-IP buckets; the spawn budget is shared by everyone.
func (l *Limiter) AllowSpawn() bool {
	if !l.cfg.Enabled || l.spawn == nil {
		return true
	}
	if !l.spawn.Allow() {
		metrics.IncRateLimitRejected(ScopeSpawn)
		return false
	}
	return true
}

// Middleware gates every request through Allow. Rejected requests are
// handed to reject, or answered with a bare 429 when reject is nil.
func (l *Limiter) Middleware(reject http.HandlerFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(ClientIP(r)) {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) clientBucket(ip string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweepLocked(now)
	}
	c, ok := l.perIP[ip]
	if !ok {
		c = &client{bucket: rate.NewLimiter(perMinute(l.cfg.PerIPRPM), l.cfg.PerIPBurst)}
		l.perIP[ip] = c
	}
	c.lastSeen = now
	return c.bucket
}

// sweepLocked drops buckets that have seen no traffic within idleTTL.
func (l *Limiter) sweepLocked(now time.Time) {
	for ip, c := range l.perIP {
		if now.Sub(c.lastSeen) > idleTTL {
			delete(l.perIP, ip)
		}
	}
	l.lastSweep = now
}

// ClientIP extracts the originating client address. X-Forwarded-For wins
// over X-Real-IP, which wins over the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
