package polling

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// retryPolicy produces the delay before the next poll after N consecutive
// transient errors: min(base * 2^N, ceiling). It is not safe for concurrent
// use; each poller run owns one.
type retryPolicy struct {
	exp     *backoff.ExponentialBackOff
	retries int
}

func newRetryPolicy(base, ceiling time.Duration) *retryPolicy {
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	initial := 2 * base
	if initial > ceiling {
		initial = ceiling
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = ceiling
	exp.MaxElapsedTime = 0 // The poller's wall-clock deadline bounds the wait.
	exp.Reset()

	return &retryPolicy{exp: exp}
}

// next records one more transient error and returns the delay to wait.
func (p *retryPolicy) next() time.Duration {
	p.retries++
	return p.exp.NextBackOff()
}

// reset clears the consecutive error count after a successful poll.
func (p *retryPolicy) reset() {
	if p.retries == 0 {
		return
	}
	p.retries = 0
	p.exp.Reset()
}

// count returns the number of consecutive transient errors recorded.
func (p *retryPolicy) count() int { return p.retries }
