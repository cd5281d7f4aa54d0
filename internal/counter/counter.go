// Package counter converts modular (wrapping) device counters into
// monotonic integer series. Both device families transmit sequence and
// tick counters that reset at a fixed cap; downstream gap detection
// requires the unwrapped form.
package counter

import "math"

// Unwrap converts a raw modular series with cap c into a non-decreasing
// series u with u[0] == raw[0] and u[i] mod c == raw[i] for all i.
//
// A delta below -c/2 is a forward wrap; a delta above c/2 is a backward
// (out-of-order) artifact and the offset is adjusted down symmetrically.
// The operation is total: anomalies surface downstream as gaps, never as
// errors here.
func Unwrap(raw []int64, c int64) []int64 {
	out := make([]int64, len(raw))
	if len(raw) == 0 {
		return out
	}
	half := c / 2
	var offset int64
	out[0] = raw[0]
	for i := 1; i < len(raw); i++ {
		delta := raw[i] - raw[i-1]
		if delta < -half {
			offset += c
		} else if delta > half {
			offset -= c
		}
		out[i] = raw[i] + offset
	}
	return out
}

// UnwrapWithElapsed unwraps like Unwrap but additionally accounts for
// multiple whole wraps between consecutive observations. The counter alone
// cannot distinguish one wrap from n+1 wraps across a long gap, so the
// elapsed wall-clock milliseconds between observations are compared
// against the unwrapped tick advance and the residual is divided by the
// cap period and rounded to whole extra wraps.
//
// tickScaleMs converts one counter unit to milliseconds (1.0 for counters
// that tick in milliseconds). elapsedMs must be the same length as raw;
// passing nil degrades to plain Unwrap.
func UnwrapWithElapsed(raw []int64, c int64, elapsedMs []float64, tickScaleMs float64) []int64 {
	out := Unwrap(raw, c)
	if len(elapsedMs) != len(raw) || tickScaleMs <= 0 {
		return out
	}
	period := float64(c) * tickScaleMs
	var extra int64
	for i := 1; i < len(out); i++ {
		out[i] += extra * c
		tickAdvanceMs := float64(out[i]-out[i-1]) * tickScaleMs
		hostAdvanceMs := elapsedMs[i] - elapsedMs[i-1]
		laps := math.Round((hostAdvanceMs - tickAdvanceMs) / period)
		if laps > 0 {
			out[i] += int64(laps) * c
			extra += int64(laps)
		}
	}
	return out
}

// Deltas returns the consecutive differences of a series. The result has
// len(series)-1 entries (nil for shorter input).
func Deltas(series []int64) []int64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]int64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = series[i] - series[i-1]
	}
	return out
}
