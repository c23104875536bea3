package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
)

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per request with method, path, status and
// duration.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("Request handled",
				logging.Field{Key: "method", Value: r.Method},
				logging.Field{Key: "path", Value: r.URL.Path},
				logging.Field{Key: "status", Value: wrapped.statusCode},
				logging.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
				logging.Field{Key: "remote_addr", Value: clientIP(r)},
			)
		})
	}
}

// ipLimiter tracks one token bucket per client IP. Stale entries are swept
// periodically so the map does not grow without bound.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rps      rate.Limit
	burst    int
	done     chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	l := &ipLimiter{
		limiters: make(map[string]*ipEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		done:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (l *ipLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, entry := range l.limiters {
				if time.Since(entry.lastSeen) > 10*time.Minute {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ipLimiter) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// RateLimiter rejects clients exceeding the per-IP budget. Rejections are
// logged as security violations with the requester IP for audit. Stop it when
// the server shuts down so the sweep goroutine exits.
type RateLimiter struct {
	limiter *ipLimiter
	logger  logging.Logger
}

func NewRateLimiter(rps float64, burst int, logger logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RateLimiter{
		limiter: newIPLimiter(rps, burst),
		logger:  logger,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiter.allow(ip) {
			violation := errors.SecurityError("rate limit exceeded", ip)
			rl.logger.Warn("Request rejected",
				logging.Field{Key: "violation", Value: violation.Error()},
				logging.Field{Key: "remote_addr", Value: ip},
				logging.Field{Key: "path", Value: r.URL.Path},
			)
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop ends the background sweep. Safe to call repeatedly.
func (rl *RateLimiter) Stop() {
	rl.limiter.stop()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
