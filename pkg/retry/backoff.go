package retry

import (
	"math/rand"
	"time"

	"github.com/coopernetes/github-event-router/pkg/config"
)

const jitterFraction = 0.1

// Backoff computes the delay before a retry. The linear strategy grows as
// initial*n and the exponential strategy as initial*2^(n-1), where n is the
// retry number (1 for the first retry). Both are clamped to the max delay,
// then jittered uniformly within ±10%.
type Backoff struct {
	strategy string
	initial  time.Duration
	max      time.Duration
}

func NewBackoff(cfg config.RetrySettings) *Backoff {
	return &Backoff{
		strategy: cfg.BackoffStrategy,
		initial:  cfg.InitialDelay,
		max:      cfg.MaxDelay,
	}
}

// Delay returns the jittered delay before retry number n (n >= 1).
func (b *Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var delay time.Duration
	switch b.strategy {
	case "linear":
		delay = b.initial * time.Duration(n)
	default: // exponential
		shift := n - 1
		if shift > 30 { // avoid shifting the duration into oblivion
			shift = 30
		}
		delay = b.initial << shift
	}
	if delay > b.max || delay < 0 {
		delay = b.max
	}

	jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(delay)
	return delay + time.Duration(jitter)
}
