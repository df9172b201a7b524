package logic

import (
	"math/bits"
	"time"
)

// Active reports whether the window is open at now. Windows are not active
// before Start. The interval is half-open: the instant Duration after the
// window opens belongs to the closed part of the period.
func (w ScheduleWindow) Active(now time.Time) bool {
	if now.Before(w.Start) || w.Period <= 0 {
		return false
	}
	return w.phase(now) < w.Duration
}

// phase returns (now - Start) mod Period for now >= Start. The difference is
// taken in 128-bit nanoseconds because time.Time.Sub saturates after about
// 292 years.
func (w ScheduleWindow) phase(now time.Time) time.Duration {
	secs := now.Unix() - w.Start.Unix()
	nanos := int64(now.Nanosecond()) - int64(w.Start.Nanosecond())
	if nanos < 0 {
		secs--
		nanos += int64(time.Second)
	}
	hi, lo := bits.Mul64(uint64(secs), uint64(time.Second))
	lo, carry := bits.Add64(lo, uint64(nanos), 0)
	hi += carry
	return time.Duration(bits.Rem64(hi, lo, uint64(w.Period)))
}

// IsScheduled reports whether now falls inside any window of the set.
func IsScheduled(windows ScheduleSet, now time.Time) bool {
	for _, w := range windows {
		if w.Active(now) {
			return true
		}
	}
	return false
}

// NextChange returns the earliest instant after now at which any window opens
// or closes. It returns false when no window will ever change state again
// (empty set, zero-length windows, or windows that are always on).
func NextChange(windows ScheduleSet, now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, w := range windows {
		t, ok := w.nextBoundary(now)
		if !ok {
			continue
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}

func (w ScheduleWindow) nextBoundary(now time.Time) (time.Time, bool) {
	if w.Period <= 0 || w.Duration <= 0 {
		return time.Time{}, false
	}
	if now.Before(w.Start) {
		return w.Start, true
	}
	if w.Duration >= w.Period {
		return time.Time{}, false
	}
	r := w.phase(now)
	if r < w.Duration {
		return now.Add(w.Duration - r), true
	}
	return now.Add(w.Period - r), true
}
