// README: Reconnect backoff; doubles from the initial delay up to a cap.
package client

import "time"

// Backoff returns the delay before reconnect attempt n (0-based).
func Backoff(n int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
