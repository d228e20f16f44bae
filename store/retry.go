package store

import (
	"math/rand"
	"time"
)

// retryConfig controls retry behavior for transient backend errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// RetryWrite runs fn, retrying with exponential backoff and jitter when the
// dialect classifies the failure as transient (sqlite WAL contention mostly).
// The final error is returned unwrapped so callers can still classify it.
func RetryWrite(dialect Dialect, fn func() error) error {
	return retryOp(dialect, defaultRetryConfig, fn)
}

func retryOp(dialect Dialect, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !dialect.IsTransient(err) || attempt >= cfg.maxRetries {
			return err
		}
		delay := cfg.baseDelay << uint(attempt)
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
		delay += time.Duration(rand.Int63n(int64(cfg.baseDelay)))
		time.Sleep(delay)
	}
}
