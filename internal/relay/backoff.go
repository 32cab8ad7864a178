package relay

import "time"

// Reconnect backoff defaults: 1s doubling per attempt, capped at 30s.
const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// BackoffDelay returns the wait before reconnect attempt number attempt
// (zero-based since the last successful connect): floor * 2^attempt,
// capped at ceiling.
func BackoffDelay(attempt int, floor, ceiling time.Duration) time.Duration {
	if floor <= 0 {
		floor = DefaultMinBackoff
	}
	if ceiling < floor {
		ceiling = floor
	}
	delay := floor
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
