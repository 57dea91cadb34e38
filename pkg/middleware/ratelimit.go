package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantipackai/quantipack/pkg/contextkeys"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/observability"
)

// RateLimitConfig defines a fixed-window limit
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// PerMinute returns a limit of n requests per minute
func PerMinute(n int) RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
}

// Limiter counts requests per key
type Limiter interface {
	// Allow records one request for key and reports whether it is within the
	// limit, along with the time until the window resets
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RedisLimiter shares windows across instances through Redis
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "qp:ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Allow increments the window counter of key
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := rl.prefix + ":" + key

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}

	reset, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}
	// A negative TTL means the window has no expiry yet.
	if reset < 0 {
		reset = rl.config.WindowDuration
		if err := rl.redis.PExpire(ctx, redisKey, reset).Err(); err != nil {
			return true, 0, fmt.Errorf("redis error: %w", err)
		}
	}

	return count <= int64(rl.config.RequestsPerWindow), reset, nil
}

// MemoryLimiter keeps windows in process
type MemoryLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow increments the window counter of key
func (rl *MemoryLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.config.WindowDuration {
		w = &window{start: now}
		rl.windows[key] = w
	}
	w.count++

	return w.count <= rl.config.RequestsPerWindow, w.start.Add(rl.config.WindowDuration).Sub(now), nil
}

// Cleanup removes expired windows
func (rl *MemoryLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.config.WindowDuration {
			delete(rl.windows, key)
		}
	}
}

// RateLimitMiddleware limits requests per authenticated user, or per client
// IP for anonymous requests. Limiter errors fail open.
type RateLimitMiddleware struct {
	limiter Limiter
	config  RateLimitConfig
	proxies []*net.IPNet
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(limiter Limiter, config RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, config: config}
}

// TrustProxies makes the middleware read the client address from
// X-Forwarded-For and X-Real-IP, but only on requests whose peer is one of
// proxies (CIDRs or bare addresses). Without trusted proxies those headers
// are ignored.
func (m *RateLimitMiddleware) TrustProxies(proxies []string) error {
	nets := make([]*net.IPNet, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return fmt.Errorf("invalid trusted proxy %q", p)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		nets = append(nets, n)
	}
	m.proxies = nets
	return nil
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + m.clientIP(r)
		if userID, ok := contextkeys.GetUserID(r.Context()); ok {
			key = "user:" + strconv.FormatInt(userID, 10)
		}

		allowed, reset, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(reset).Unix(), 10))

		if !allowed {
			retryAfter := int(reset.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address, or the nearest forwarded address not
// owned by a trusted proxy when the peer is one
func (m *RateLimitMiddleware) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !m.trusted(host) {
		return host
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !m.trusted(hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return host
}

func (m *RateLimitMiddleware) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range m.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
)
