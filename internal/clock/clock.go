// Package clock abstracts the wall clock so bucket refill can be driven by
// simulated time in tests instead of sleeping.
package clock

import "time"

// Clock supplies the current time. Bucket code only ever looks at whole
// seconds since the Unix epoch; see UnixSeconds.
type Clock interface {
	Now() time.Time
}

// SystemClock delegates to the time package.
type SystemClock struct{}

func NewSystemClock() SystemClock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// UnixSeconds returns the clock's current time in whole seconds since the
// Unix epoch. Times before the epoch are reported as zero.
func UnixSeconds(c Clock) uint64 {
	secs := c.Now().Unix()
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}
