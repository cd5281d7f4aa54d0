// Package timebase builds the final per-sample time axis for a
// reconstructed stream from the sampling rate and the estimated clock
// drift slope.
package timebase

// Sample returns a uniform drift-corrected time axis for n samples at
// samplingRate Hz: time[i] = i / samplingRate * driftSlope. The axis is
// zero-based and strictly ascending for positive inputs.
func Sample(n int, samplingRate, driftSlope float64) []float64 {
	out := make([]float64, n)
	if samplingRate <= 0 {
		return out
	}
	step := driftSlope / samplingRate
	for i := range out {
		out[i] = float64(i) * step
	}
	return out
}

// Grid rescales an existing uniform aggregate-stream grid (seconds) by the
// drift slope and re-bases it at zero. The input is not modified.
func Grid(grid []float64, driftSlope float64) []float64 {
	out := make([]float64, len(grid))
	if len(grid) == 0 {
		return out
	}
	base := grid[0]
	for i, v := range grid {
		out[i] = (v - base) * driftSlope
	}
	return out
}
