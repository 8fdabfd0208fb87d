package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDeterministic(t *testing.T) {
	p := Params{Component: "outbox", Key: "evt-1", AttemptIndex: 3}
	d1 := Backoff(p, DefaultPublishPolicy)
	d2 := Backoff(p, DefaultPublishPolicy)
	assert.Equal(t, d1, d2)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 0, MaxAttempts: 10}

	var prev time.Duration
	for i := 0; i < 4; i++ {
		d := Backoff(Params{Component: "wal", Key: "k", AttemptIndex: i}, policy)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}

	// Far past the cap, still bounded by MaxMs.
	d := Backoff(Params{Component: "wal", Key: "k", AttemptIndex: 40}, policy)
	assert.Equal(t, time.Second, d)
}

func TestJitterVariesByKey(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 1000, MaxJitterMs: 1000, MaxAttempts: 5}
	seen := map[time.Duration]bool{}
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[Backoff(Params{Component: "outbox", Key: key, AttemptIndex: 1}, policy)] = true
	}
	assert.Greater(t, len(seen), 1)
}
