package server

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cloud-shuttle/palaver/internal/config"
)

// RateLimiter implements per-client token bucket rate limiting
type RateLimiter struct {
	config          config.RateLimitConfig
	buckets         map[string]*tokenBucket
	mu              sync.Mutex
	cleanupInterval time.Duration
	logger          *slog.Logger
	now             func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// tokenBucket represents a token bucket for rate limiting
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter. A cleanup goroutine drops
// idle buckets until Stop is called.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:          cfg,
		buckets:         make(map[string]*tokenBucket),
		cleanupInterval: 5 * time.Minute,
		logger:          logger,
		now:             time.Now,
		stop:            make(chan struct{}),
	}
	if rl.logger == nil {
		rl.logger = slog.Default()
	}

	if cfg.Enabled {
		go rl.cleanup()
	}

	return rl
}

// Middleware returns an HTTP middleware for rate limiting
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.config.Enabled {
			next.ServeHTTP(w, req)
			return
		}

		key := clientKey(req)
		d := r.allowRequest(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(r.config.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		if !d.allowed {
			retryAfter := int(math.Ceil(d.wait.Seconds()))
			r.logger.Warn("rate limit exceeded", "client", key, "path", req.URL.Path, "retry_after", retryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "rate_limit_error",
				fmt.Errorf("rate limit of %d requests per minute exceeded", r.config.RequestsPerMinute))
			return
		}

		next.ServeHTTP(w, req)
	})
}

// decision is the outcome of one rate limit check
type decision struct {
	allowed   bool
	remaining int           // whole tokens left after this request
	wait      time.Duration // until the next token, when refused
}

// allowRequest takes one token from the client's bucket, creating a full
// bucket on first sight
func (r *RateLimiter) allowRequest(key string) decision {
	rpm := r.config.RequestsPerMinute
	if rpm <= 0 {
		return decision{allowed: true}
	}

	now := r.now()
	r.mu.Lock()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rpm),
			maxTokens:  float64(rpm),
			refillRate: float64(rpm) / 60.0, // per second
			lastRefill: now,
		}
		r.buckets[key] = bucket
	}
	r.mu.Unlock()

	return bucket.take(now)
}

func (b *tokenBucket) take(now time.Time) decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return decision{allowed: true, remaining: int(b.tokens)}
	}
	deficit := 1 - b.tokens
	return decision{wait: time.Duration(deficit / b.refillRate * float64(time.Second))}
}

// cleanup periodically removes idle buckets
func (r *RateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *RateLimiter) evictIdle() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, bucket := range r.buckets {
		bucket.mu.Lock()
		if now.Sub(bucket.lastRefill) > r.cleanupInterval {
			delete(r.buckets, key)
		}
		bucket.mu.Unlock()
	}
}

// Stop ends the cleanup goroutine
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// clientKey identifies the caller: by bearer credential when present,
// otherwise by remote host without the port
func clientKey(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		return "api:" + auth
	}

	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		return "ip:" + host
	}
	if req.RemoteAddr != "" {
		return "ip:" + req.RemoteAddr
	}
	return "unknown"
}
