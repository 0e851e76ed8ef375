// Package backpressure provides adaptive concurrency control for calls to
// the completion service
package backpressure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Signal classifies how a completion call went
type Signal string

const (
	SignalOK           Signal = "ok"            // Normal reply
	SignalRateLimited  Signal = "rate_limited"  // Service asked us to slow down
	SignalSlowResponse Signal = "slow_response" // Reply took longer than SlowThreshold
	SignalAPIError     Signal = "api_error"     // Any other failure
)

// Config holds backpressure controller configuration
type Config struct {
	InitialConcurrency int           // Starting concurrency level
	MinConcurrency     int           // Minimum concurrency (never go below)
	MaxConcurrency     int           // Maximum concurrency (never exceed)
	RateLimitBackoff   time.Duration // Initial pause on rate limit
	MaxBackoff         time.Duration // Maximum pause
	SlowThreshold      time.Duration // Response time considered slow
	SlowCountThreshold int           // Consecutive slow responses before reducing
}

// DefaultConfig returns default backpressure controller configuration
func DefaultConfig() Config {
	return Config{
		InitialConcurrency: 4,
		MinConcurrency:     1,
		MaxConcurrency:     8,
		RateLimitBackoff:   5 * time.Second,
		MaxBackoff:         time.Minute,
		SlowThreshold:      20 * time.Second,
		SlowCountThreshold: 3,
	}
}

// Controller admits completion calls while the service is healthy. It
// halves concurrency and pauses admission on rate limiting, sheds one slot
// after repeated slow replies and grows back one slot per good reply.
type Controller struct {
	mu sync.Mutex

	config Config
	logger *slog.Logger
	now    func() time.Time

	rateLimitUntil  time.Time // When admission resumes after rate limiting
	consecutiveSlow int
	maxInFlight     int
	inFlight        int
	currentBackoff  time.Duration

	// wake is closed and replaced whenever a slot may have opened
	wake chan struct{}
}

// NewController creates a new backpressure controller
func NewController(cfg Config, logger *slog.Logger) *Controller {
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency * 2
	}
	if cfg.InitialConcurrency <= 0 || cfg.InitialConcurrency > cfg.MaxConcurrency {
		cfg.InitialConcurrency = cfg.MaxConcurrency
	}
	if cfg.InitialConcurrency < cfg.MinConcurrency {
		cfg.InitialConcurrency = cfg.MinConcurrency
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.RateLimitBackoff {
		cfg.MaxBackoff = cfg.RateLimitBackoff
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 20 * time.Second
	}
	if cfg.SlowCountThreshold <= 0 {
		cfg.SlowCountThreshold = 3
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Controller{
		config:         cfg,
		logger:         logger.With("component", "backpressure"),
		now:            time.Now,
		maxInFlight:    cfg.InitialConcurrency,
		currentBackoff: cfg.RateLimitBackoff,
		wake:           make(chan struct{}),
	}
}

// Acquire blocks until a call may start or ctx is done. Every successful
// Acquire must be paired with Release.
func (c *Controller) Acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := c.now()
		if now.Before(c.rateLimitUntil) {
			wait := c.rateLimitUntil.Sub(now)
			wake := c.wake
			c.mu.Unlock()
			if err := waitFor(ctx, wake, wait); err != nil {
				return err
			}
			continue
		}
		if c.inFlight < c.maxInFlight {
			c.inFlight++
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()

		if err := waitFor(ctx, wake, 0); err != nil {
			return err
		}
	}
}

// Release ends a call admitted by Acquire, adjusting concurrency from its
// outcome
func (c *Controller) Release(err error, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}
	c.onSignal(c.classify(err, elapsed))
	c.broadcast()
}

// classify maps a call outcome to a Signal. Errors reporting
// RateLimited() true count as rate limiting. Context errors are the
// caller's deadline, not the service's health, and count as OK.
func (c *Controller) classify(err error, elapsed time.Duration) Signal {
	if err != nil {
		var rl rateLimited
		switch {
		case errors.As(err, &rl) && rl.RateLimited():
			return SignalRateLimited
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return SignalOK
		default:
			return SignalAPIError
		}
	}
	if elapsed >= c.config.SlowThreshold {
		return SignalSlowResponse
	}
	return SignalOK
}

type rateLimited interface {
	RateLimited() bool
}

func (c *Controller) onSignal(signal Signal) {
	switch signal {
	case SignalRateLimited:
		c.handleRateLimit()
	case SignalSlowResponse:
		c.handleSlowResponse()
	case SignalAPIError:
		// Network trouble is not overload; concurrency is left alone.
		c.logger.Debug("completion error, concurrency unchanged", "max_in_flight", c.maxInFlight)
	case SignalOK:
		c.handleOK()
	}
}

// handleRateLimit halves concurrency and pauses admission with
// exponential backoff
func (c *Controller) handleRateLimit() {
	c.rateLimitUntil = c.now().Add(c.currentBackoff)
	c.maxInFlight = max(c.config.MinConcurrency, c.maxInFlight/2)

	c.logger.Warn("completion service rate limited, backing off",
		"backoff", c.currentBackoff,
		"max_in_flight", c.maxInFlight,
	)

	c.currentBackoff = min(c.currentBackoff*2, c.config.MaxBackoff)
}

func (c *Controller) handleSlowResponse() {
	c.consecutiveSlow++
	if c.consecutiveSlow < c.config.SlowCountThreshold {
		return
	}
	if c.maxInFlight > c.config.MinConcurrency {
		c.maxInFlight--
		c.logger.Warn("slow completion replies, concurrency reduced",
			"consecutive_slow", c.consecutiveSlow,
			"max_in_flight", c.maxInFlight,
		)
	}
	c.consecutiveSlow = 0
}

func (c *Controller) handleOK() {
	c.consecutiveSlow = 0
	c.currentBackoff = c.config.RateLimitBackoff

	if c.maxInFlight < c.config.MaxConcurrency {
		c.maxInFlight++
		if c.maxInFlight == c.config.MaxConcurrency {
			c.logger.Info("recovered to full concurrency", "max_in_flight", c.maxInFlight)
		}
	}
}

func (c *Controller) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Stats is a point-in-time view of the controller
type Stats struct {
	MaxInFlight     int       `json:"max_in_flight"`
	InFlight        int       `json:"in_flight"`
	BackoffUntil    time.Time `json:"backoff_until"`
	InBackoff       bool      `json:"in_backoff"`
	ConsecutiveSlow int       `json:"consecutive_slow"`
}

// Stats returns current statistics
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		MaxInFlight:     c.maxInFlight,
		InFlight:        c.inFlight,
		BackoffUntil:    c.rateLimitUntil,
		InBackoff:       c.now().Before(c.rateLimitUntil),
		ConsecutiveSlow: c.consecutiveSlow,
	}
}

// waitFor blocks until wake closes, d passes (when positive) or ctx is done
func waitFor(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timeout:
		return nil
	}
}
