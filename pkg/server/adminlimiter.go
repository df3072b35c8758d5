package server

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminLimiter enforces a per-client-IP requests-per-minute ceiling on the
// /admin/* surface: a mutex-guarded map of token-bucket rate.Limiters, one
// per client IP, with a single configured ceiling and no CIDR/IP overrides.
// Clients unseen for 10 minutes are dropped only once the map holds 1024 or
// more entries.
type adminLimiter struct {
	perMinute int

	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func newAdminLimiter(perMinute int) *adminLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &adminLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*rate.Limiter),
		lastSeen:  make(map[string]time.Time),
	}
}

// allow reports whether clientIP may proceed, consuming one token if so.
func (l *adminLimiter) allow(clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.evictStaleLocked(now)

	limiter, ok := l.clients[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.clients[clientIP] = limiter
	}
	l.lastSeen[clientIP] = now
	return limiter.Allow()
}

func (l *adminLimiter) evictStaleLocked(now time.Time) {
	if len(l.clients) < 1024 {
		return
	}
	for ip, seen := range l.lastSeen {
		if now.Sub(seen) > 10*time.Minute {
			delete(l.clients, ip)
			delete(l.lastSeen, ip)
		}
	}
}

// clientIPFromRequest extracts the originating client IP, preferring
// proxy-supplied headers over RemoteAddr. Grounded on teacher
// pkg/api/middleware_ratelimit.go's clientIPFromRequest.
func clientIPFromRequest(remoteAddr, xForwardedFor, xRealIP string) string {
	if xForwardedFor != "" {
		for _, part := range strings.Split(xForwardedFor, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(xRealIP); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
