// Package resilience provides the retry and circuit-breaker fabric wrapped
// around every external call. It is a leaf dependency: nothing here knows
// about sessions, pipelines or transports.
package resilience

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	smithy "github.com/aws/smithy-go"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// Policy is a retry policy value. Delay for attempt i is
// min(MaxDelay, BaseDelay*Multiplier^i) plus uniform jitter within +-10%
// when Jitter is set. An attempt is retried iff Retryable returns true and
// attempts remain.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	// Retryable decides whether an error is worth another attempt. Nil
	// means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultPolicy mirrors the configured defaults used when a service has no
// dedicated override.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// awsRetryableCodes are service-specific error codes treated as transient.
var awsRetryableCodes = map[string]struct{}{
	"ThrottlingException":                    {},
	"TooManyRequestsException":               {},
	"ProvisionedThroughputExceededException": {},
	"ServiceUnavailableException":            {},
	"ServiceQuotaExceededException":          {},
	"InternalServerException":                {},
	"ModelTimeoutException":                  {},
	"RequestTimeout":                         {},
	"SlowDown":                               {},
}

// DefaultRetryable recognises transient transport errors, rate limits,
// timeouts and the configured set of service-specific codes.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrUpstreamRateLimit) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if _, ok := awsRetryableCodes[ae.ErrorCode()]; ok {
			return true
		}
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return false
}

// Do runs op under the policy, honouring ctx cancellation between attempts.
func (p Policy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = 0
	if p.Jitter {
		expo.RandomizationFactor = 0.1
	} else {
		expo.RandomizationFactor = 0
	}
	expo.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, bo)
}

// Delays returns the deterministic (jitter-free) delay sequence the policy
// would use, capped at MaxDelay. Exposed for configuration sanity checks.
func (p Policy) Delays() []time.Duration {
	n := p.MaxAttempts - 1
	if n < 0 {
		n = 0
	}
	out := make([]time.Duration, 0, n)
	d := float64(p.BaseDelay)
	for i := 0; i < n; i++ {
		v := time.Duration(d)
		if v > p.MaxDelay {
			v = p.MaxDelay
		}
		out = append(out, v)
		d *= p.Multiplier
	}
	return out
}
