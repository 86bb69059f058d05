package aio

import "time"

// RetryOptions tunes the exponential backoff used for provider reconnects.
type RetryOptions struct {
	// MaxRetry is the number of attempts after the first failure. Zero
	// disables retrying entirely.
	MaxRetry int

	// RetryInterval is the base delay before the first retry.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential growth. Zero means no cap.
	MaxRetryInterval time.Duration
}

// DefaultRetryOptions mirrors the provider connection defaults: three
// retries starting at 500ms, capped at 8s.
var DefaultRetryOptions = RetryOptions{
	MaxRetry:         3,
	RetryInterval:    500 * time.Millisecond,
	MaxRetryInterval: 8 * time.Second,
}

// RetryInterval returns the delay before retry number attempt (0-based):
// min(RetryInterval × 2^attempt, MaxRetryInterval).
func RetryInterval(opts RetryOptions, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := opts.RetryInterval
	for i := 0; i < attempt; i++ {
		d *= 2
		if opts.MaxRetryInterval > 0 && d >= opts.MaxRetryInterval {
			return opts.MaxRetryInterval
		}
	}
	if opts.MaxRetryInterval > 0 && d > opts.MaxRetryInterval {
		return opts.MaxRetryInterval
	}
	return d
}
