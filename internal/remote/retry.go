package remote

import "strings"

// defaultTransientPatterns is the catalog of network-layer failure phrases
// that warrant a retry. Matching is case-insensitive containment rather than
// regex: real transport error text varies too much across platforms and SSH
// implementations to parse structurally.
var defaultTransientPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"connection timed out",
	"connection closed by remote host",
	"connect timed out",
	"timed out waiting",
	"i/o timeout",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"host key verification failed",
	"kex_exchange_identification",
	"remote host identification has changed",
	"ssh: handshake failed",
	"ssh: disconnect",
	"administratively prohibited",
	"temporary failure in name resolution",
	"unexpected eof",
	"unable to authenticate",
}

// RetryPolicy classifies transient errors and computes capped exponential
// backoff. It is a pure decision object: it never sleeps and never retries —
// the caller owns the loop.
type RetryPolicy struct {
	BaseDelaySeconds int
	Multiplier       int
	MaxDelaySeconds  int
	MaxRetries       int
	// Patterns overrides the transient catalog when non-nil.
	Patterns []string
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 2s base delay
// doubling per attempt, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelaySeconds: 2,
		Multiplier:       2,
		MaxDelaySeconds:  30,
		MaxRetries:       3,
	}
}

// IsTransient reports whether the error text matches a known transient
// network failure phrase.
func (p RetryPolicy) IsTransient(errorText string) bool {
	patterns := p.Patterns
	if patterns == nil {
		patterns = defaultTransientPatterns
	}
	lower := strings.ToLower(errorText)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// BackoffSeconds returns min(base * multiplier^attempt, max) for a
// zero-indexed attempt.
func (p RetryPolicy) BackoffSeconds(attempt int) int {
	delay := p.BaseDelaySeconds
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= p.MaxDelaySeconds {
			return p.MaxDelaySeconds
		}
	}
	if delay > p.MaxDelaySeconds {
		return p.MaxDelaySeconds
	}
	return delay
}
