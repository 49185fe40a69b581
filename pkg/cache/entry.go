package cache

import "time"

// Clock returns the current time. Backends sample it once per operation.
type Clock func() time.Time

// SystemClock reads the wall clock. time.Now carries a monotonic reading, so
// deadlines computed from it are compared monotonically within a process.
func SystemClock() time.Time { return time.Now() }

// Entry is one cached record. A zero ExpiresAt means the entry never expires.
type Entry struct {
	Key       string
	Data      string
	ExpiresAt time.Time
}

// LiveAt reports whether the entry is visible at now: it has no deadline, or
// now is strictly before the deadline.
func (e Entry) LiveAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Deadline returns the absolute deadline for a ttl measured from now.
// Negative ttls are clamped to zero so the entry is immediately expired.
func Deadline(now time.Time, ttl time.Duration) time.Time {
	return now.Add(max(ttl, 0))
}

// ToUnixMilli encodes a deadline for storage. Zero maps to 0 (no deadline).
func ToUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli decodes a stored deadline. 0 maps to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
