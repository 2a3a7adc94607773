// Package resiliency provides a retrying circuit breaker for the module
// registry's remote artifact fetches (S3/GCS). Adapted from the teacher's
// EnhancedClient, which wrapped http.Client calls with backoff, jitter,
// and circuit breaking; generalized here to wrap any fallible operation
// (an S3 GetObject, a GCS bucket read) instead of only HTTP requests.
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"
)

// Retrier runs an operation with exponential backoff + jitter, short-
// circuiting via a CircuitBreaker once failures exceed its threshold.
type Retrier struct {
	maxRetries int
	breaker    *CircuitBreaker
}

// NewRetrier creates a retrier backed by its own circuit breaker.
func NewRetrier(name string, maxRetries int) *Retrier {
	return &Retrier{
		maxRetries: maxRetries,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
}

// Do runs op, retrying on error up to maxRetries times with exponential
// backoff and jitter between attempts, and refusing to attempt at all
// while the circuit breaker is open.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("resiliency: circuit breaker open for %s", r.breaker.name)
	}

	var err error
	for i := 0; i <= r.maxRetries; i++ {
		err = op(ctx)
		if err == nil {
			r.breaker.Success()
			return nil
		}
		if i == r.maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			r.breaker.Failure()
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	r.breaker.Failure()
	return err
}

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
