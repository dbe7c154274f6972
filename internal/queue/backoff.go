package queue

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays for transient send failures.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// DefaultBackoffPolicy returns the default retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   30 * time.Second,
		Cap:    15 * time.Minute,
		Jitter: 10 * time.Second,
	}
}

// NextDelay returns min(Base*2^(attempt-1), Cap) plus random jitter.
// attempt is the number of attempts already made, starting at 1.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}

	return delay
}
