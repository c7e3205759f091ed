package chroutine

import "time"

var clockBase = time.Now()

// timeStamp returns a process-local monotonic timestamp in milliseconds.
// Timestamps are only ever compared against each other, never against the
// wall clock.
func timeStamp() int64 {
	return time.Since(clockBase).Milliseconds()
}
