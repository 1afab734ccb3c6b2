// ABOUTME: Bounded exponential backoff for adapter reconnect loops
// ABOUTME: Base 1s doubling to a 60s cap, reset on successful connect

package channel

import "time"

// Reconnect backoff bounds.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// backoff computes a bounded exponential delay for the given attempt
// (0-based). Attempt 0 waits backoffBase; each subsequent attempt doubles
// the wait up to backoffCap.
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
