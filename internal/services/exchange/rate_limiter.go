package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterManager manages subscribe-frame limiters for all exchanges
type RateLimiterManager struct {
	limiters map[string]*ExchangeRateLimiter
	mu       sync.RWMutex
}

// ExchangeRateLimiter paces outbound frames for a single exchange
type ExchangeRateLimiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	// Adaptive backoff
	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{
		limiters: make(map[string]*ExchangeRateLimiter),
	}
}

// DefaultRateLimiterManager registers conservative per-exchange limits
func DefaultRateLimiterManager() *RateLimiterManager {
	m := NewRateLimiterManager()
	m.RegisterExchange("upbit", 5, 5)     // 5 frames/sec
	m.RegisterExchange("binance", 4.5, 5) // Binance allows 5 incoming messages/sec
	m.RegisterExchange("bithumb", 5, 5)
	m.RegisterExchange("coinone", 4, 8) // one frame per symbol
	m.RegisterExchange("okx", 3, 3)     // OKX is strict
	return m
}

// RegisterExchange registers a rate limiter for an exchange
func (m *RateLimiterManager) RegisterExchange(name string, rps float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limiters[name] = &ExchangeRateLimiter{
		name:              name,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}
}

// GetLimiter returns the rate limiter for an exchange
func (m *RateLimiterManager) GetLimiter(exchange string) (*ExchangeRateLimiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limiter, ok := m.limiters[exchange]
	if !ok {
		return nil, fmt.Errorf("rate limiter not found for %s", exchange)
	}
	return limiter, nil
}

// Wait waits for permission to send a frame
func (e *ExchangeRateLimiter) Wait(ctx context.Context) error {
	e.mu.RLock()
	backoffDuration := e.backoffDuration
	e.mu.RUnlock()

	if backoffDuration > 0 {
		select {
		case <-time.After(backoffDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.limiter.Wait(ctx)
}

// RecordRateLimitHit records a rejected subscribe and grows the backoff
func (e *ExchangeRateLimiter) RecordRateLimitHit() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rateLimitHits++
	e.lastRateLimitHit = time.Now()

	if e.backoffDuration == 0 {
		e.backoffDuration = time.Second
	} else {
		e.backoffDuration = time.Duration(float64(e.backoffDuration) * e.backoffMultiplier)
		if e.backoffDuration > e.maxBackoff {
			e.backoffDuration = e.maxBackoff
		}
	}
}

// RecordSuccess records a successful subscribe (reduces backoff)
func (e *ExchangeRateLimiter) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requestCount++

	if e.backoffDuration > 0 {
		if time.Since(e.lastRateLimitHit) > 5*time.Minute {
			e.backoffDuration = 0
		} else {
			e.backoffDuration = time.Duration(float64(e.backoffDuration) * 0.9)
			if e.backoffDuration < time.Second {
				e.backoffDuration = 0
			}
		}
	}
}

// GetStats returns rate limiter statistics
func (e *ExchangeRateLimiter) GetStats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]interface{}{
		"request_count":      e.requestCount,
		"rate_limit_hits":    e.rateLimitHits,
		"last_rate_limit":    e.lastRateLimitHit,
		"current_backoff_ms": e.backoffDuration.Milliseconds(),
	}
}

// WindowLimiter admits at most limit requests in any trailing window.
// Wait blocks until the oldest request in the window ages out.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
	now    func() time.Time
}

func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Wait blocks until a slot is free or ctx ends
func (w *WindowLimiter) Wait(ctx context.Context) error {
	for {
		delay := w.reserve()
		if delay == 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a slot and returns 0, or returns how long until one frees up
func (w *WindowLimiter) reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0
	}

	delay := w.stamps[0].Add(w.window).Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

// InFlight returns how many requests the current window holds
func (w *WindowLimiter) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	n := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
