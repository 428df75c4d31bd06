package mcpexec

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies an AIMD-style adaptive token-bucket limiter around MCP
// RPC calls: requests-per-minute back off by half on a rate-limited response
// and recover gradually on success, grounded on the teacher's
// AdaptiveRateLimiter (spec "Adaptive/backoff rate limiting around MCP RPC
// retries"), simplified to a process-local limiter (no cluster coordination,
// since this pack carries no replicated-map dependency) and keyed on
// requests rather than estimated prompt tokens, since MCP tool calls have no
// token-cost concept.
type RateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentRPM   float64
	minRPM       float64
	maxRPM       float64
	recoveryRate float64
}

// NewRateLimiter constructs a RateLimiter with an initial requests-per-minute
// budget and an upper bound. maxRPM is clamped to at least initialRPM.
func NewRateLimiter(initialRPM, maxRPM float64) *RateLimiter {
	if initialRPM <= 0 {
		initialRPM = 300
	}
	if maxRPM <= 0 || maxRPM < initialRPM {
		maxRPM = initialRPM
	}
	minRPM := initialRPM * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	recoveryRate := initialRPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialRPM/60.0), int(initialRPM)),
		currentRPM:   initialRPM,
		minRPM:       minRPM,
		maxRPM:       maxRPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until one request token is available or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Observe adjusts the effective budget based on the outcome of the call just
// made: a rate-limited error halves the budget (down to minRPM); any other
// outcome probes upward toward maxRPM.
func (l *RateLimiter) Observe(err error) {
	if l == nil {
		return
	}
	if isRateLimitedErr(err) {
		l.backoff()
		return
	}
	l.probe()
}

func (l *RateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM * 0.5
	if newRPM < l.minRPM {
		newRPM = l.minRPM
	}
	l.setRPM(newRPM)
}

func (l *RateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRPM := l.currentRPM + l.recoveryRate
	if newRPM > l.maxRPM {
		newRPM = l.maxRPM
	}
	l.setRPM(newRPM)
}

// setRPM must be called with l.mu held.
func (l *RateLimiter) setRPM(rpm float64) {
	if rpm == l.currentRPM {
		return
	}
	l.currentRPM = rpm
	l.limiter.SetLimit(rate.Limit(rpm / 60.0))
	l.limiter.SetBurst(int(rpm))
}

func isRateLimitedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}
