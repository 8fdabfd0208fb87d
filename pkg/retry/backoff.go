// Package retry computes bounded exponential backoff with deterministic
// jitter. Jitter is a PRF of the retried item's identity, so replaying a
// schedule for the same item yields the same delays; retry timing never
// becomes a source of nondeterminism in recorded histories.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies one retried operation.
type Params struct {
	Component    string // e.g. "outbox", "wal"
	Key          string // item identity, e.g. event_id
	AttemptIndex int
}

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultStoragePolicy covers infrastructure (WAL/state/outbox) retries.
var DefaultStoragePolicy = Policy{
	BaseMs:      50,
	MaxMs:       5_000,
	MaxJitterMs: 100,
	MaxAttempts: 3,
}

// DefaultPublishPolicy covers outbox publish attempts.
var DefaultPublishPolicy = Policy{
	BaseMs:      200,
	MaxMs:       30_000,
	MaxJitterMs: 500,
	MaxAttempts: 8,
}

// Backoff returns the delay before the given attempt.
func Backoff(params Params, policy Policy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Cap exponent to avoid overflow.
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

func jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Component, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
