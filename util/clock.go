package util

import "time"

// Clock returns the current time as a duration since the Unix epoch.
type Clock func() time.Duration

func SystemClock() time.Duration {
	return time.Duration(time.Now().UnixNano())
}

// Millis converts a duration to fractional milliseconds, the unit used on the wire.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
