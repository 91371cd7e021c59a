package orchestrator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/domain"
)

type backoff struct {
	policy domain.RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(policy domain.RetryPolicy) *backoff {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	return &backoff{policy: policy, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// delay returns the wait before retry number attempt (1-based).
func (b *backoff) delay(attempt int) time.Duration {
	base := b.policy.BaseDelay
	exponent := math.Pow(2, float64(attempt-1))
	delay := time.Duration(exponent) * base
	if delay > b.policy.MaxDelay || delay <= 0 {
		delay = b.policy.MaxDelay
	}

	if b.policy.Jitter > 0 {
		b.mu.Lock()
		fraction := b.rng.Float64()*b.policy.Jitter - (b.policy.Jitter / 2)
		b.mu.Unlock()
		delay += time.Duration(float64(delay) * fraction)
		if delay < base {
			delay = base
		}
	}
	return delay
}
