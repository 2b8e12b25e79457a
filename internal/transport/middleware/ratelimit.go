package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/transport"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a token bucket per client IP. It guards the public
// credential endpoints against password guessing. The client IP is the
// socket peer unless that peer is a trusted proxy.
type RateLimiter struct {
	*transport.BaseHandler
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	trusted []netip.Prefix
	now     func() time.Time
}

type RateLimiterOption func(*RateLimiter)

// WithTrustedProxies makes the limiter honour X-Forwarded-For on requests
// whose peer matches one of the given IPs or CIDRs. Invalid entries are
// logged and skipped.
func WithTrustedProxies(entries ...string) RateLimiterOption {
	return func(rl *RateLimiter) {
		for _, entry := range entries {
			prefix, err := parseProxy(entry)
			if err != nil {
				rl.Logger.Warn("ignoring invalid trusted proxy", "entry", entry, "error", err)
				continue
			}
			rl.trusted = append(rl.trusted, prefix)
		}
	}
}

func NewRateLimiter(perSecond float64, burst int, logger *slog.Logger, opts ...RateLimiterOption) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 5
	}
	rl := &RateLimiter{
		BaseHandler: transport.NewBaseHandler(logger),
		buckets:     make(map[string]*bucket),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.clientIP(r)
		if !rl.allow(ip) {
			rl.Logger.WarnContext(r.Context(), "rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			rl.HandleServiceError(w, internal.ErrTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		rl.evictIdle(now)
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// evictIdle drops buckets untouched for limiterIdleTTL. Caller holds mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(rl.buckets, ip)
		}
	}
}

// clientIP walks X-Forwarded-For from the right while the hop is a trusted
// proxy and keys on the first address that is not. Untrusted peers are
// keyed on their socket address whatever headers they send.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !rl.isTrusted(peer) {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !rl.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

func (rl *RateLimiter) isTrusted(ip string) bool {
	if len(rl.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
