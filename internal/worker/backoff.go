package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schemafleet/propagator/internal/domain"
)

// retrySchedule wraps cenkalti/backoff's ExponentialBackOff to produce the
// §4.2 delay sequence "min(max_backoff, base_backoff*2^k) plus a small
// uniform jitter (+-20%)", one call per retry. Resource-exhaustion errors
// get an extra multiplier applied on top, per §4.2's "implementers may
// multiply the computed backoff by a factor (>=2) before capping".
//
// Replaces the teacher's hand-rolled retryDelay (internal/scheduler/worker.go)
// with a maintained library; the library was already present, indirectly,
// in the pack (mycelian-ai-mycelian-memory/server's go.mod) for the same
// purpose.
type retrySchedule struct {
	b *backoff.ExponentialBackOff
	max time.Duration
}

func newRetrySchedule(policy domain.PropagationPolicy) *retrySchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = policy.MaxBackoff
	b.MaxElapsedTime = 0 // the Target Worker owns the retry budget (max_retries), not the backoff lib
	b.Reset()
	return &retrySchedule{b: b, max: policy.MaxBackoff}
}

const resourceExhaustedMultiplier = 2

func (s *retrySchedule) next(resourceExhausted bool) time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		d = s.max
	}
	if resourceExhausted {
		d *= resourceExhaustedMultiplier
		if d > s.max {
			d = s.max
		}
	}
	return d
}
