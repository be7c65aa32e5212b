// Copyright 2025 Stratus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxRetries      int              // Maximum number of retry attempts
	InitialInterval time.Duration    // Initial wait interval
	MaxInterval     time.Duration    // Maximum wait interval
	Multiplier      float64          // Backoff multiplier
	Jitter          float64          // Jitter factor (0-1)
	RetryIf         func(error) bool // Custom retry condition
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
		RetryIf:         TransientCondition,
	}
}

// TransientCondition returns true for transport-level errors worth retrying.
// Business failures and context cancellation are never retried.
func TransientCondition(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors (timeout only, Temporary() is deprecated)
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	errMsg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"unavailable",
		"429",
		"503",
		"504",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// PermanentError wraps an error to indicate it must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is marked as non-retryable
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Func is the function type that can be retried
type Func[T any] func() (T, error)

// WithBackoff executes a function with exponential backoff retry
func WithBackoff[T any](ctx context.Context, config *Config, fn Func[T]) (T, error) {
	var zero T

	if config == nil {
		config = DefaultConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}

		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}

		if attempt >= config.MaxRetries {
			break
		}

		waitTime := interval
		if config.Jitter > 0 {
			jitter := waitTime.Seconds() * config.Jitter * (rand.Float64()*2 - 1)
			waitTime += time.Duration(jitter * float64(time.Second))
		}
		if waitTime > config.MaxInterval {
			waitTime = config.MaxInterval
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitTime):
		}

		interval = time.Duration(float64(interval) * config.Multiplier)
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return zero, &ExhaustedError{
		Err:      lastErr,
		Attempts: config.MaxRetries + 1,
	}
}

// Void executes a void function with retry
func Void(ctx context.Context, config *Config, fn func() error) error {
	_, err := WithBackoff(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExhaustedError indicates all retry attempts failed
type ExhaustedError struct {
	Err      error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Backoff calculates exponential backoff intervals with optional jitter.
// Used directly by poll loops that wait between status checks rather than
// retrying a failed call.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	attempt         int
}

// NewBackoff creates a new backoff calculator
func NewBackoff(initial, max time.Duration, multiplier, jitter float64) *Backoff {
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          jitter,
	}
}

// Next returns the next backoff duration
func (b *Backoff) Next() time.Duration {
	if b.attempt == 0 {
		b.attempt++
		return b.InitialInterval
	}

	interval := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(b.attempt))
	if interval > float64(b.MaxInterval) {
		interval = float64(b.MaxInterval)
	}

	if b.Jitter > 0 {
		jitter := interval * b.Jitter * (rand.Float64()*2 - 1)
		interval += jitter
	}

	b.attempt++
	return time.Duration(interval)
}

// Reset resets the backoff to initial state
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the current attempt number
func (b *Backoff) Attempt() int {
	return b.attempt
}

// CircuitBreaker implements the circuit breaker pattern for downstream
// service clients.
type CircuitBreaker struct {
	name            string
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMax     int
	failures        int
	state           circuitState
	lastFailureTime time.Time
	halfOpenSuccess int
	mu              sync.Mutex
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3, // successful calls required to close the circuit
		state:        circuitClosed,
	}
}

// Execute runs the function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()

	if cb.state == circuitOpen {
		if time.Since(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			cb.halfOpenSuccess = 0
		} else {
			cb.mu.Unlock()
			return &CircuitOpenError{Name: cb.name}
		}
	}

	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == circuitHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = circuitClosed
			cb.failures = 0
		}
	} else {
		cb.failures = 0
	}
}

// State returns the current circuit state as a string
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = 0
	cb.halfOpenSuccess = 0
}

// CircuitOpenError indicates the circuit is open
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}
