package protocol

import "time"

// DayTimestamp returns milliseconds since UTC midnight for t. The value
// wraps once per day.
func DayTimestamp(t time.Time) uint32 {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(u.Sub(midnight) / time.Millisecond)
}

// TimeWindow returns the hop window index for t: floor(ms / HopIntervalMS).
func TimeWindow(t time.Time) uint32 {
	return DayTimestamp(t) / HopIntervalMS
}

// WindowsPerDay is the number of hop windows in a UTC day.
const WindowsPerDay = DayMS / HopIntervalMS

// TimestampDelta returns a-b in milliseconds on the daily circle, in the
// range (-DayMS/2, DayMS/2]. A peer timestamp taken just before midnight
// compared with a local one just after therefore yields a small delta.
func TimestampDelta(a, b uint32) int64 {
	d := (int64(a) - int64(b)) % DayMS
	if d > DayMS/2 {
		d -= DayMS
	} else if d <= -DayMS/2 {
		d += DayMS
	}
	return d
}

// WindowAdd offsets a window index by delta, wrapping on the daily circle.
func WindowAdd(w uint32, delta int) uint32 {
	n := (int64(w) + int64(delta)) % WindowsPerDay
	if n < 0 {
		n += WindowsPerDay
	}
	return uint32(n)
}
