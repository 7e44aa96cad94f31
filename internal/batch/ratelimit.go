package batch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages one limiter per API operation
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rpm      int
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewRateLimiterPool creates a pool whose limiters allow requestsPerMinute each
func NewRateLimiterPool(requestsPerMinute int, logger *slog.Logger) *RateLimiterPool {
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rpm:      requestsPerMinute,
		logger:   logger,
	}
}

// GetOrCreate returns the limiter for an operation, creating it on first use
func (p *RateLimiterPool) GetOrCreate(op string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[op]; ok {
		return limiter
	}

	rps := float64(p.rpm) / 60.0
	burst := max(1, p.rpm/5) // 20% burst capacity
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[op] = limiter

	p.logger.Debug("Created rate limiter", "operation", op, "rpm", p.rpm, "rps", rps, "burst", burst)
	return limiter
}

// Wait blocks until the operation's limiter allows the next request
func (p *RateLimiterPool) Wait(ctx context.Context, op string) error {
	return p.GetOrCreate(op).Wait(ctx)
}
