// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_uploader

import (
	"time"
)

// Decision is the outcome of a retry consultation.
type Decision struct {
	Retry bool
	After time.Duration
}

// RetryPolicy decides whether a failed attempt is retried. Pure: the same
// inputs always produce the same decision.
type RetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewRetryPolicy builds the policy. maxAttempts caps total attempts, not
// retries: with maxAttempts=3 the third 5xx gives up.
func NewRetryPolicy(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{maxAttempts: maxAttempts, delay: delay}
}

// Decide consults the policy for an attempt that ended with statusCode.
// Only transient server faults (5xx) are retryable; 4xx, decode failures and
// transport-level errors never reach this path.
func (p RetryPolicy) Decide(attemptCount, statusCode int) Decision {
	if statusCode < 500 || statusCode > 599 {
		return Decision{}
	}
	if attemptCount >= p.maxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, After: p.delay}
}
