package reactor

import (
	"fmt"
	"time"
)

// Timestamp is a microsecond instant measured on the monotonic clock and
// anchored to the Unix epoch at process start. Ordering is total and wall
// clock adjustments never move it backwards.
type Timestamp int64

var (
	processStart      = time.Now()
	processStartMicro = processStart.UnixMicro()
)

// Now returns the current Timestamp.
func Now() Timestamp {
	return Timestamp(processStartMicro + time.Since(processStart).Microseconds())
}

// FromTime converts a wall clock time into a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Add returns t shifted by d, truncated to microseconds.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Microseconds())
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t-u) * time.Microsecond
}

// Before reports whether t is earlier than u.
func (t Timestamp) Before(u Timestamp) bool {
	return t < u
}

// After reports whether t is later than u.
func (t Timestamp) After(u Timestamp) bool {
	return t > u
}

// Valid reports whether t holds a real instant.
func (t Timestamp) Valid() bool {
	return t > 0
}

// UnixMicro returns microseconds since the Unix epoch.
func (t Timestamp) UnixMicro() int64 {
	return int64(t)
}

// Unix returns seconds since the Unix epoch.
func (t Timestamp) Unix() int64 {
	return int64(t) / 1e6
}

// Time converts t into a local time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// String formats t as "seconds.micros" since the epoch.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", int64(t)/1e6, int64(t)%1e6)
}

// Format formats t as a local date time with microsecond precision.
func (t Timestamp) Format() string {
	return t.Time().Format("2006-01-02 15:04:05.000000")
}
