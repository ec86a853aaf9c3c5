package caller

import "time"

// ntRelativeInterval converts a timeout to the NT wait form: a negative
// count of 100ns units meaning "relative to now", carried in a uint64 as its
// two's-complement bit pattern.
func ntRelativeInterval(d time.Duration) uint64 {
	return uint64(-int64(d / 100))
}
