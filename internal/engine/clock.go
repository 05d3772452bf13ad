package engine

import "time"

// Clock supplies wall time for backoff schedules and audit timestamps.
// Ordering never depends on it; queue order comes from the store's seq.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
