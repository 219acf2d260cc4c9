// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_uploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyServerErrors(t *testing.T) {
	policy := NewRetryPolicy(3, 2*time.Second)

	d := policy.Decide(1, 500)
	assert.True(t, d.Retry, "first 5xx should retry")
	assert.Equal(t, 2*time.Second, d.After)

	d = policy.Decide(2, 503)
	assert.True(t, d.Retry, "second 5xx should retry")

	// The third attempt was the last one allowed; its failure is final.
	d = policy.Decide(3, 500)
	assert.False(t, d.Retry, "attempt budget exhausted, no retry")
}

func TestRetryPolicyClientErrorsNeverRetry(t *testing.T) {
	policy := NewRetryPolicy(5, time.Second)

	for _, status := range []int{400, 401, 404, 413, 422, 429} {
		d := policy.Decide(1, status)
		assert.False(t, d.Retry, "status %d must not retry", status)
	}
}

func TestRetryPolicySuccessAndWeirdStatuses(t *testing.T) {
	policy := NewRetryPolicy(3, time.Second)

	assert.False(t, policy.Decide(1, 200).Retry)
	assert.False(t, policy.Decide(1, 302).Retry)
}

func TestRetryPolicySingleAttempt(t *testing.T) {
	policy := NewRetryPolicy(1, time.Second)
	assert.False(t, policy.Decide(1, 500).Retry, "maxAttempts=1 means no retries at all")
}
