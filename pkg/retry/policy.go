package retry

import "github.com/coopernetes/github-event-router/pkg/config"

// Policy decides whether a failed delivery is eligible for another attempt.
// A status code of zero means the failure produced no HTTP status (network
// error, timeout, broker publish failure).
type Policy struct {
	maxAttempts int
	retryable   map[int]bool
}

func NewPolicy(cfg config.RetrySettings) *Policy {
	codes := cfg.RetryableStatusCodes
	if len(codes) == 0 {
		codes = []int{408, 429, 500, 502, 503, 504, 0}
	}
	retryable := make(map[int]bool, len(codes))
	for _, code := range codes {
		retryable[code] = true
	}
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		retryable:   retryable,
	}
}

// ShouldRetry reports whether another attempt is admissible after the given
// attempt failed with statusCode.
func (p *Policy) ShouldRetry(statusCode, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return p.retryable[statusCode]
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}
