package queue

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rivergate/foreman/engerr"
)

// retryableKinds are the error kinds classified as retryable:
// transport errors, task timeouts, transient agent failures, and store
// StaleVersion. Everything else (validation, permission, illegal
// transition, wrong agent, fatal) is permanent.
var retryableKinds = map[engerr.Kind]bool{
	engerr.TransportError: true,
	engerr.StaleVersion:   true,
}

// IsRetryable classifies an error as retryable or permanent. A task timeout or transient agent failure is represented as a
// TransportError by the caller before reaching here (SweepTimeouts passes
// one through this classifier; the Health Monitor's stale-agent requeue
// decides by retry budget alone without calling it), and an agent's explicit "fatal"
// classification on a TaskResult.Category overrides retryability
// regardless of the error kind.
func IsRetryable(err error, agentClassifiedFatal bool) bool {
	if agentClassifiedFatal {
		return false
	}
	return retryableKinds[engerr.KindOf(err)]
}

// backOffPolicy builds the exponential back-off curve: base = 1s,
// doubling per retry, capped at 60s, via direct struct-literal
// construction of ExponentialBackOff rather than the functional-options
// constructor. RandomizationFactor is left at zero since the jitter band
// below is applied separately.
func backOffPolicy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		Multiplier:          2,
		MaxInterval:         60 * time.Second,
		RandomizationFactor: 0, // jitter applied separately below, see NextBackOff
	}
}

// NextBackOff returns the back-off delay for a task about to make its
// (retryCount+1)th attempt, with uniform jitter of ±25% applied on top of
// the exponential curve: delay = base · 2^retry_count, capped at 60s.
func NextBackOff(retryCount int) time.Duration {
	b := backOffPolicy()
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	return applyJitter(d)
}

func applyJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	jitterFraction := 0.75 + rand.Float64()*0.5 // [0.75, 1.25]
	return time.Duration(float64(base) * jitterFraction)
}
