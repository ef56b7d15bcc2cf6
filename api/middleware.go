package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one line per request. Mount after middleware.RequestID.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("http request", fields...)
				return
			}
			logger.Info("http request", fields...)
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

const kindRateLimited generic.ErrorKind = "rate_limited"

// ipRateLimiter hands out one token bucket per client IP. Buckets idle for
// longer than idleTTL are swept, and at most maxEntries are held; past that
// the least recently seen bucket is dropped.
type ipRateLimiter struct {
	limiters   map[string]*ipLimiter
	mu         sync.Mutex
	rps        rate.Limit
	burst      int
	idleTTL    time.Duration
	maxEntries int
	lastSweep  time.Time
	now        func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	defaultLimiterIdleTTL    = 10 * time.Minute
	defaultLimiterMaxEntries = 10000
)

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters:   make(map[string]*ipLimiter),
		rps:        rate.Limit(rps),
		burst:      burst,
		idleTTL:    defaultLimiterIdleTTL,
		maxEntries: defaultLimiterMaxEntries,
		now:        time.Now,
	}
}

func (s *ipRateLimiter) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		s.sweep(now)
	}

	l, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= s.maxEntries {
			s.evictOldest()
		}
		l = &ipLimiter{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[ip] = l
	}
	l.lastSeen = now
	return l.limiter
}

// sweep drops buckets not seen within idleTTL. Caller holds mu.
func (s *ipRateLimiter) sweep(now time.Time) {
	for ip, l := range s.limiters {
		if now.Sub(l.lastSeen) >= s.idleTTL {
			delete(s.limiters, ip)
		}
	}
	s.lastSweep = now
}

func (s *ipRateLimiter) evictOldest() {
	var oldestIP string
	var oldest time.Time
	for ip, l := range s.limiters {
		if oldestIP == "" || l.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, l.lastSeen
		}
	}
	delete(s.limiters, oldestIP)
}

func (s *ipRateLimiter) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimit rejects requests over rps per client IP with 429. A zero rps
// disables limiting.
func RateLimit(rps float64, burst int, logger *zap.Logger) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	store := newIPRateLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !store.get(ip).Allow() {
				logger.Warn("rate limit exceeded", zap.String("ip", ip))
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error: "rate limit exceeded, try again later",
					Kind:  kindRateLimited,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port. middleware.RealIP has already applied any
// forwarding headers to RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
