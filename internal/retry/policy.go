// Package retry provides the bounded, jittered exponential backoff used for upstream fetches.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// ExponentialPolicy decides which errors are retried and how long to wait between attempts.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialPolicy builds a policy. Non-positive values fall back to 3 attempts,
// a 250ms base delay and a 5s cap.
func NewExponentialPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts is the total number of tries, including the first.
func (p *ExponentialPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable.
func (p *ExponentialPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *decision.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, decision.ErrEmptyBody) && !errors.Is(err, decision.ErrBodyTooLarge)
}

// Backoff returns the wait duration before the next attempt.
// Half of the exponential delay is fixed and the other half is random jitter.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts the policy's
// attempts, or ctx is done. onRetry, when set, is called before each wait.
func Do[T any](
	ctx context.Context,
	p *ExponentialPolicy,
	op func(context.Context) (T, error),
	onRetry func(attempt uint, err error),
) (T, error) {
	if p == nil {
		p = NewExponentialPolicy(0, 0, 0)
	}
	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.maxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(p.ShouldRetry),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Backoff(int(n))
		}),
	}
	if onRetry != nil {
		opts = append(opts, retrygo.OnRetry(onRetry))
	}
	return retrygo.DoWithData(func() (T, error) {
		return op(ctx)
	}, opts...)
}
